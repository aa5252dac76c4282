package acquisition

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"bibwatch/internal/logging"
	"bibwatch/internal/media/ffmpeg"
	"bibwatch/internal/media/ffprobe"
	"bibwatch/internal/services"
)

const stageName = "acquisition"

// EventType tags activity events emitted by this package.
const EventType = "process"

// ErrTooLarge marks uploads that exceeded the configured ceiling.
var ErrTooLarge = errors.New("upload exceeds size limit")

// File describes an acquired video.
type File struct {
	Path      string
	Name      string
	SizeBytes int64
}

// Options configures an Acquirer.
type Options struct {
	// UploadDir receives uploads and raw downloads.
	UploadDir string
	// WorkDir receives trimmed and remuxed derivatives.
	WorkDir    string
	Probe      ffprobe.Prober
	FFmpeg     *ffmpeg.Tool
	Downloader Downloader
	HTTPClient *http.Client
	// StallTimeout aborts a direct download that receives no bytes for this
	// long. Zero selects two minutes.
	StallTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Acquirer implements upload ingestion and URL fetching.
type Acquirer struct {
	uploadDir  string
	workDir    string
	probe      ffprobe.Prober
	ffmpeg     *ffmpeg.Tool
	downloader Downloader
	client     *http.Client
	stall      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New builds an Acquirer. A nil Downloader disables the yt-dlp path.
func New(opts Options) *Acquirer {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = NewHTTPClient()
	}
	stall := opts.StallTimeout
	if stall <= 0 {
		stall = 2 * time.Minute
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = opts.UploadDir
	}
	tool := opts.FFmpeg
	if tool == nil {
		tool = ffmpeg.New("")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Acquirer{
		uploadDir:  opts.UploadDir,
		workDir:    workDir,
		probe:      opts.Probe,
		ffmpeg:     tool,
		downloader: opts.Downloader,
		client:     client,
		stall:      stall,
		logger:     logger.With(logging.String(logging.FieldComponent, "acquisition")),
		now:        now,
	}
}

// validate probes path and reports an unreadable or video-less file as a
// validation error.
func (a *Acquirer) validate(ctx context.Context, path string) error {
	if a.probe == nil {
		return nil
	}
	result, err := a.probe.Inspect(ctx, path)
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		if ctx.Err() != nil {
			return services.Cancelled(stageName)
		}
		return services.Wrap(services.ErrValidation, stageName, "validate video",
			"File is not a readable video: "+filepath.Base(path), err)
	}
	return nil
}

func detailsFile(path string) map[string]any {
	return map[string]any{"file": filepath.Base(path)}
}
