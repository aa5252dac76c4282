package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"bibwatch/internal/confirm"
	"bibwatch/internal/logging"
	"bibwatch/internal/media/ffprobe"
	"bibwatch/internal/services"
	"bibwatch/internal/settings"
	"bibwatch/internal/stage"
	"bibwatch/internal/state"
)

const (
	stageName = "analysis"

	// EventType tags activity events emitted by this package.
	EventType = "analysis"

	progressEventEvery = 20
)

// Request describes one analysis run.
type Request struct {
	Video    string
	Settings settings.Settings
	Detector Detector
	Matcher  Matcher
}

// Result is the outcome of a completed run.
type Result struct {
	Entries     []confirm.Entry
	BBoxes      []state.BBox
	ResultsText string
	Frames      int
}

// Analyzer drives frame sampling.
type Analyzer struct {
	probe  ffprobe.Prober
	frames FrameSource
	logger *slog.Logger
}

// New builds an Analyzer.
func New(probe ffprobe.Prober, frames FrameSource, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Analyzer{
		probe:  probe,
		frames: frames,
		logger: logger.With(logging.String(logging.FieldComponent, "analyzer")),
	}
}

// Run samples req.Video every FrameIntervalSec seconds of video time and
// returns the confirmed entries.
func (a *Analyzer) Run(ctx context.Context, req Request, rep stage.Reporter) (Result, error) {
	if rep == nil {
		rep = stage.Nop{}
	}
	logger := logging.WithContext(ctx, a.logger)

	if req.Matcher == nil || req.Matcher.Len() == 0 {
		return Result{}, services.Wrap(services.ErrValidation, stageName, "load roster",
			"Roster is missing or has unsupported columns", nil)
	}
	if req.Detector == nil {
		return Result{}, services.Wrap(services.ErrProcessing, stageName, "detector", ErrDetectorUnavailable.Error(), ErrDetectorUnavailable)
	}
	if err := req.Detector.Ready(ctx); err != nil {
		return Result{}, services.Wrap(services.ErrProcessing, stageName, "detector", "Detector unavailable", err)
	}

	probe, err := a.probe.Inspect(ctx, req.Video)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, services.Cancelled(stageName)
		}
		return Result{}, services.Wrap(services.ErrProcessing, stageName, "probe", "Cannot open video: "+filepath.Base(req.Video), err)
	}
	duration := probe.DurationSeconds()
	if math.IsNaN(duration) || duration <= 0 {
		return Result{}, services.Wrap(services.ErrProcessing, stageName, "probe", "Cannot determine video duration", nil)
	}

	cfg := req.Settings.Clamp()
	interval := float64(cfg.FrameIntervalSec)
	total := max(1, int(math.Ceil(duration/interval)))
	engine := confirm.NewEngine(confirm.Params{
		ConfLimit:      cfg.ConfLimit,
		SessionTimeout: float64(cfg.SessionTimeoutSec),
		PhantomTimeout: float64(cfg.PhantomTimeoutSec),
	})

	rep.Event(state.LevelInfo, EventType,
		fmt.Sprintf("Analysis started (every %ds, %d frames)", cfg.FrameIntervalSec, total),
		map[string]any{"frames": total, "participants": req.Matcher.Len()})
	logger.Info("analysis started",
		logging.String(logging.FieldEventType, "analysis_start"),
		logging.Float64("duration_seconds", duration),
		logging.Int("frames", total),
		logging.Int("participants", req.Matcher.Len()),
	)

	var (
		latest    []state.BBox
		processed int
	)
	for step := range total {
		if err := services.CheckCancelled(ctx, stageName); err != nil {
			return Result{}, err
		}
		seconds := math.Round(float64(step)*interval*100) / 100

		img, err := a.frames.Frame(ctx, req.Video, seconds)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, services.Cancelled(stageName)
			}
			if step == 0 {
				return Result{}, services.Wrap(services.ErrProcessing, stageName, "read frame", "Cannot read video frames", err)
			}
			logger.Warn("frame extraction stopped early",
				logging.String(logging.FieldEventType, "frame_extract_failed"),
				logging.Float64("seconds", seconds),
				logging.Error(err),
				logging.String(logging.FieldImpact, "remaining frames skipped"),
			)
			break
		}
		frame := Frame{Index: step, Seconds: seconds, Image: img}

		raw, err := req.Detector.Detect(ctx, frame)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return Result{}, services.Cancelled(stageName)
		case errors.Is(err, ErrDetectorUnavailable):
			return Result{}, services.Wrap(services.ErrProcessing, stageName, "detect", "Detector unavailable", err)
		default:
			logger.Warn("frame detection failed",
				logging.String(logging.FieldEventType, "frame_detect_failed"),
				logging.Float64("seconds", seconds),
				logging.Error(err),
				logging.String(logging.FieldImpact, "frame skipped"),
			)
		}

		detections, boxes := match(raw, req.Matcher, frame)
		latest = boxes
		confirmed := engine.ProcessFrame(detections, seconds, confirm.FormatTime(seconds))
		processed++

		percent := (step + 1) * 100 / total
		rep.Progress(percent)
		if len(confirmed) > 0 {
			results := engine.Results()
			for _, entry := range confirmed {
				rep.Event(state.LevelInfo, "confirmation",
					fmt.Sprintf("Confirmed #%s %s at %s", entry.Bib, entry.Name, entry.TimeText),
					map[string]any{"bib": entry.Bib, "time": entry.TimeSeconds})
			}
			rep.Publish(state.Patch{
				Timestamps:  state.Ptr(results),
				BBoxes:      state.Ptr(boxes),
				ResultsText: state.Ptr(confirm.ResultsText(results)),
			})
		}
		if step%progressEventEvery == 0 {
			rep.Event(state.LevelInfo, EventType, fmt.Sprintf("Analysis progress: %d%%", percent), nil)
		}
	}

	results := engine.Results()
	text := confirm.ResultsText(results)
	logger.Info("analysis completed",
		logging.String(logging.FieldEventType, "analysis_complete"),
		logging.Int("frames", processed),
		logging.Int("confirmed", len(results)),
	)
	rep.Event(state.LevelInfo, EventType, "Analysis complete", map[string]any{"confirmed": len(results)})
	return Result{Entries: results, BBoxes: latest, ResultsText: text, Frames: processed}, nil
}

// match resolves raw detections through the roster and builds normalized
// boxes labelled with the bib.
func match(raw []RawDetection, matcher Matcher, frame Frame) ([]confirm.Detection, []state.BBox) {
	if len(raw) == 0 {
		return nil, []state.BBox{}
	}
	width, height := frame.Bounds()
	w, h := float64(max(1, width)), float64(max(1, height))

	detections := make([]confirm.Detection, 0, len(raw))
	boxes := make([]state.BBox, 0, len(raw))
	for _, r := range raw {
		bib, name, ok := matcher.Lookup(r.Text)
		if !ok {
			continue
		}
		detections = append(detections, confirm.Detection{Bib: bib, Name: name})
		x1, y1 := max(0, r.Box[0]), max(0, r.Box[1])
		x2, y2 := max(x1+1, r.Box[2]), max(y1+1, r.Box[3])
		boxes = append(boxes, state.BBox{
			X:     x1 / w,
			Y:     y1 / h,
			W:     (x2 - x1) / w,
			H:     (y2 - y1) / h,
			Label: bib,
		})
	}
	return detections, boxes
}
