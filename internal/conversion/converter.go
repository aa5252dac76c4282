package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"bibwatch/internal/fileutil"
	"bibwatch/internal/logging"
	"bibwatch/internal/media/ffmpeg"
	"bibwatch/internal/media/ffprobe"
	"bibwatch/internal/services"
	"bibwatch/internal/stage"
	"bibwatch/internal/state"
)

const stageName = "conversion"

// EventType tags activity events emitted by this package. The "outcome"
// detail is one of the Outcome constants.
const EventType = "conversion"

// Outcome describes how a playable file was obtained.
type Outcome string

const (
	OutcomeDirect Outcome = "direct"
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
)

// Containers that browsers play natively, mapped to the codecs accepted in each.
var playableCodecs = map[string]map[string]bool{
	".mp4":  {"h264": true, "avc1": true, "vp9": true, "av1": true, "hevc": true},
	".webm": {"vp8": true, "vp9": true, "av1": true},
	".ogg":  {"theora": true},
}

// Result reports the playable file for a source.
type Result struct {
	Path      string
	Converted bool
	Outcome   Outcome
	SizeBytes int64
}

// Converter transcodes videos through ffmpeg.
type Converter struct {
	probe  ffprobe.Prober
	tool   *ffmpeg.Tool
	logger *slog.Logger
}

// New builds a converter. A nil logger discards output.
func New(probe ffprobe.Prober, tool *ffmpeg.Tool, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Converter{
		probe:  probe,
		tool:   tool,
		logger: logger.With(logging.String(logging.FieldComponent, "converter")),
	}
}

// IsDirectlyUsable reports whether path can be served without transcoding.
func (c *Converter) IsDirectlyUsable(ctx context.Context, path string) bool {
	codecs, ok := playableCodecs[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return false
	}
	result, err := c.probe.Inspect(ctx, path)
	if err != nil {
		return false
	}
	return codecs[result.PrimaryVideoCodec()]
}

// CachePath returns the cache location for src given its content hash.
func CachePath(cacheDir, src, digest string) string {
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return filepath.Join(cacheDir, fmt.Sprintf("%s-%s.mp4", stem, digest))
}

// EnsurePlayable returns a browser-playable version of path, transcoding
// into cacheDir when needed.
func (c *Converter) EnsurePlayable(ctx context.Context, path, cacheDir string, rep stage.Reporter) (Result, error) {
	if rep == nil {
		rep = stage.Nop{}
	}
	logger := logging.WithContext(ctx, c.logger)

	if c.IsDirectlyUsable(ctx, path) {
		size, _ := fileutil.NonEmptyFile(path)
		rep.Progress(100)
		rep.Event(state.LevelInfo, EventType, "Video is browser-compatible, no conversion needed",
			map[string]any{"outcome": string(OutcomeDirect)})
		logger.Info("conversion skipped",
			logging.String(logging.FieldEventType, "conversion_direct"),
			logging.String("path", path),
		)
		return Result{Path: path, Outcome: OutcomeDirect, SizeBytes: size}, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, stageName, "create cache dir", "Failed to create conversion cache directory", err)
	}
	digest, err := fileutil.HashFile(path)
	if err != nil {
		return Result{}, services.Wrap(services.ErrNotFound, stageName, "hash source", "Source video unreadable", err)
	}
	target := CachePath(cacheDir, path, digest)

	if size, ok := fileutil.NonEmptyFile(target); ok {
		if c.valid(ctx, target) {
			rep.Progress(100)
			rep.Event(state.LevelInfo, EventType, "Using cached conversion",
				map[string]any{"outcome": string(OutcomeHit), "file": filepath.Base(target)})
			logger.Info("conversion cache hit",
				logging.String(logging.FieldEventType, "conversion_cache_hit"),
				logging.String("cache_path", target),
			)
			return Result{Path: target, Converted: true, Outcome: OutcomeHit, SizeBytes: size}, nil
		}
		logger.Warn("discarding invalid cached conversion",
			logging.String(logging.FieldEventType, "conversion_cache_invalid"),
			logging.String("cache_path", target),
			logging.String(logging.FieldErrorHint, "cache entry will be rebuilt"),
		)
		fileutil.RemoveQuiet(target)
	}

	if err := services.CheckCancelled(ctx, stageName); err != nil {
		return Result{}, err
	}
	if err := c.transcode(ctx, path, target, rep, logger); err != nil {
		return Result{}, err
	}

	size, _ := fileutil.NonEmptyFile(target)
	rep.Progress(100)
	rep.Event(state.LevelInfo, EventType, "Conversion finished",
		map[string]any{"outcome": string(OutcomeMiss), "file": filepath.Base(target), "bytes": size})
	return Result{Path: target, Converted: true, Outcome: OutcomeMiss, SizeBytes: size}, nil
}

func (c *Converter) transcode(ctx context.Context, src, target string, rep stage.Reporter, logger *slog.Logger) error {
	var total float64
	if probe, err := c.probe.Inspect(ctx, src); err == nil {
		total = probe.DurationSeconds()
	}
	partial := fileutil.PartialPath(target)
	fileutil.RemoveQuiet(partial)

	logger.Info("conversion started",
		logging.String(logging.FieldEventType, "conversion_start"),
		logging.String("source", src),
		logging.String("target", target),
		logging.Float64("duration_seconds", total),
	)
	rep.Event(state.LevelInfo, EventType, "Converting video to H.264/AAC", map[string]any{"file": filepath.Base(src)})

	sampler := logging.NewProgressSampler(5)
	last := -1
	err := c.tool.Transcode(ctx, src, partial, func(elapsed float64) {
		if total <= 0 {
			return
		}
		percent := min(int(elapsed/total*100), 99)
		if percent <= last {
			return
		}
		last = percent
		rep.Progress(percent)
		if sampler.ShouldLog(float64(percent), stageName) {
			logger.Debug("conversion progress", logging.Int("percent", percent))
		}
	})
	if err != nil {
		fileutil.RemoveQuiet(partial)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Info("conversion cancelled", logging.String(logging.FieldEventType, "conversion_cancelled"))
			return services.Cancelled(stageName)
		}
		return services.Wrap(services.ErrConversion, stageName, "transcode", "ffmpeg transcode failed", err)
	}
	if !c.valid(ctx, partial) {
		fileutil.RemoveQuiet(partial)
		return services.Wrap(services.ErrConversion, stageName, "verify output", "Converted file failed validation", nil)
	}
	if err := fileutil.Publish(partial, target); err != nil {
		return services.Wrap(services.ErrConversion, stageName, "publish output", "Failed to store converted file", err)
	}
	logger.Info("conversion completed",
		logging.String(logging.FieldEventType, "conversion_complete"),
		logging.String("target", target),
	)
	return nil
}

func (c *Converter) valid(ctx context.Context, path string) bool {
	result, err := c.probe.Inspect(ctx, path)
	return err == nil && result.Validate() == nil
}
