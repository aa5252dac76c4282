package acquisition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"bibwatch/internal/fileutil"
	"bibwatch/internal/logging"
	"bibwatch/internal/services"
	"bibwatch/internal/stage"
	"bibwatch/internal/state"
	"bibwatch/internal/textutil"
)

// FetchRequest describes a URL download with an optional time range in
// whole seconds.
type FetchRequest struct {
	URL   string `json:"url"`
	Start *int   `json:"start,omitempty"`
	End   *int   `json:"end,omitempty"`
}

// HasRange reports whether a usable trim range was supplied.
func (r FetchRequest) HasRange() bool {
	return r.Start != nil && r.End != nil && *r.End > *r.Start
}

// Validate checks the URL scheme and range bounds.
func (r FetchRequest) Validate() error {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return services.Wrap(services.ErrValidation, stageName, "validate url", "URL must be an absolute http(s) address", err)
	}
	if (r.Start != nil && *r.Start < 0) || (r.End != nil && *r.End < 0) {
		return services.Wrap(services.ErrValidation, stageName, "validate range", "Time range must not be negative", nil)
	}
	if r.Start != nil && r.End != nil && *r.End <= *r.Start {
		return services.Wrap(services.ErrValidation, stageName, "validate range", "End time must be after start time", nil)
	}
	return nil
}

// Fetch downloads req.URL, preferring the configured Downloader and falling
// back to a direct HTTP fetch.
func (a *Acquirer) Fetch(ctx context.Context, req FetchRequest, rep stage.Reporter) (File, error) {
	if rep == nil {
		rep = stage.Nop{}
	}
	logger := logging.WithContext(ctx, a.logger)
	req.URL = strings.TrimSpace(req.URL)
	if err := req.Validate(); err != nil {
		return File{}, err
	}
	if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
		return File{}, services.Wrap(services.ErrConfiguration, stageName, "create upload dir", "Failed to create upload directory", err)
	}
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return File{}, services.Wrap(services.ErrConfiguration, stageName, "create work dir", "Failed to create work directory", err)
	}

	onPercent := func(pct float64) {
		rep.Progress(min(int(pct), 99))
	}

	var (
		path         string
		err          error
		usedFallback bool
	)
	if a.downloader != nil {
		rep.Event(state.LevelInfo, EventType, "Downloader selected: yt-dlp", map[string]any{"url": req.URL})
		path, err = a.downloader.Download(ctx, req, a.uploadDir, onPercent)
		if err != nil {
			if ctx.Err() != nil {
				return File{}, services.Cancelled(stageName)
			}
			logger.Warn("yt-dlp download failed",
				logging.String(logging.FieldEventType, "ytdlp_failed"),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "falling back to direct HTTP download"),
			)
			rep.Event(state.LevelWarning, EventType, "yt-dlp failed, fallback to direct download: "+err.Error(), nil)
		}
	}
	if a.downloader == nil || err != nil {
		usedFallback = true
		path, err = a.downloadDirect(ctx, req.URL, onPercent, rep)
		if err != nil {
			return File{}, err
		}
	}

	if usedFallback && req.HasRange() {
		rep.Event(state.LevelInfo, EventType, "Trimming downloaded file with ffmpeg",
			map[string]any{"start": *req.Start, "end": *req.End})
		trimmed := filepath.Join(a.workDir, fmt.Sprintf("%s_trim_%d_%d.mp4", stem(path), *req.Start, *req.End))
		if err := a.ffmpeg.Trim(ctx, path, trimmed, *req.Start, *req.End); err != nil {
			fileutil.RemoveQuiet(trimmed)
			if ctx.Err() != nil {
				return File{}, services.Cancelled(stageName)
			}
			return File{}, services.Wrap(services.ErrAcquisition, stageName, "trim", "ffmpeg trim failed", err)
		}
		path = trimmed
	}

	if err := a.validate(ctx, path); err != nil {
		if !usedFallback || services.IsCancelled(err) {
			return File{}, err
		}
		rep.Event(state.LevelWarning, EventType, "Direct download invalid, attempting ffmpeg remux", detailsFile(path))
		remuxed := filepath.Join(a.workDir, stem(path)+"_remux.mp4")
		if remuxErr := a.ffmpeg.Remux(ctx, path, remuxed); remuxErr != nil {
			fileutil.RemoveQuiet(remuxed)
			if ctx.Err() != nil {
				return File{}, services.Cancelled(stageName)
			}
			return File{}, services.Wrap(services.ErrAcquisition, stageName, "remux", "ffmpeg remux failed", errors.Join(err, remuxErr))
		}
		if err := a.validate(ctx, remuxed); err != nil {
			fileutil.RemoveQuiet(remuxed)
			return File{}, err
		}
		path = remuxed
	}

	size, _ := fileutil.NonEmptyFile(path)
	rep.Progress(100)
	rep.Event(state.LevelInfo, EventType, "Download complete", detailsFile(path))
	logger.Info("download complete",
		logging.String(logging.FieldEventType, "download_complete"),
		logging.String("file", filepath.Base(path)),
		logging.Int64("bytes", size),
		logging.Bool("fallback", usedFallback),
	)
	return File{Path: path, Name: filepath.Base(path), SizeBytes: size}, nil
}

func (a *Acquirer) downloadDirect(ctx context.Context, rawURL string, onPercent func(float64), rep stage.Reporter) (string, error) {
	u, _ := url.Parse(rawURL)
	fallback := fmt.Sprintf("download-%d.mp4", a.now().Unix())
	name := textutil.EnsureExt(textutil.SafeFileName(u.Path, fallback), ".mp4")
	target, err := fileutil.Contained(a.uploadDir, name)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, stageName, "resolve download path", "Invalid download path", err)
	}
	rep.Event(state.LevelInfo, EventType, "Downloader selected: direct HTTP", map[string]any{"file": name})

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, stageName, "build request", "Invalid URL", err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", services.Cancelled(stageName)
		}
		return "", services.Wrap(services.ErrAcquisition, stageName, "http get", "Download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", services.Wrap(services.ErrAcquisition, stageName, "http get",
			fmt.Sprintf("Download failed with HTTP %d", resp.StatusCode), nil)
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "text/") || strings.Contains(contentType, "html") {
		return "", services.Wrap(services.ErrValidation, stageName, "http get",
			fmt.Sprintf("Downloaded content is not video (content-type: %s)", contentType), nil)
	}

	partial := fileutil.PartialPath(target)
	out, err := os.Create(partial)
	if err != nil {
		return "", services.Wrap(services.ErrAcquisition, stageName, "create download file", "Failed to store download", err)
	}
	body := newStallReader(resp.Body, a.stall, cancel)
	written, copyErr := copyWithProgress(ctx, out, body, 0, resp.ContentLength, percentReporter(onPercent))
	body.stop()
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		fileutil.RemoveQuiet(partial)
		if services.IsCancelled(copyErr) {
			return "", copyErr
		}
		if errors.Is(context.Cause(reqCtx), errStalled) {
			return "", services.Wrap(services.ErrAcquisition, stageName, "http read",
				fmt.Sprintf("Download stalled: no data for %s", a.stall), errStalled)
		}
		return "", services.Wrap(services.ErrAcquisition, stageName, "http read", "Download interrupted", copyErr)
	}
	if written == 0 {
		fileutil.RemoveQuiet(partial)
		return "", services.Wrap(services.ErrAcquisition, stageName, "http read", "Downloaded file is empty", nil)
	}
	if looksLikeHTML(partial) {
		fileutil.RemoveQuiet(partial)
		return "", services.Wrap(services.ErrValidation, stageName, "sniff content", "Downloaded content is HTML, not video", nil)
	}
	if err := fileutil.Publish(partial, target); err != nil {
		return "", services.Wrap(services.ErrAcquisition, stageName, "store download", "Failed to store download", err)
	}
	return target, nil
}

func looksLikeHTML(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	trimmed := bytes.ToLower(bytes.TrimSpace(head[:n]))
	return bytes.HasPrefix(trimmed, []byte("<!doctype")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// percentReporter adapts a percentage callback to the Reporter expected by
// copyWithProgress.
type percentReporter func(float64)

func (p percentReporter) Progress(percent int) {
	if p != nil {
		p(float64(percent))
	}
}

func (percentReporter) Event(string, string, string, map[string]any) {}

func (percentReporter) Publish(state.Patch) {}
