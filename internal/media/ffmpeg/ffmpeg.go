package ffmpeg

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Tool runs ffmpeg operations against a configured binary.
type Tool struct {
	binary string
	exec   Executor
}

// Option configures the tool.
type Option func(*Tool)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(t *Tool) {
		if exec != nil {
			t.exec = exec
		}
	}
}

// New constructs a Tool. An empty binary defaults to "ffmpeg".
func New(binary string, opts ...Option) *Tool {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	t := &Tool{binary: binary, exec: CommandExecutor{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Binary returns the configured executable.
func (t *Tool) Binary() string {
	return t.binary
}

// TranscodeArgs builds the browser-compatible H.264/AAC transcode command.
func TranscodeArgs(src, dst string) []string {
	return []string{
		"-hide_banner", "-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-movflags", "+faststart",
		"-c:a", "aac",
		"-f", "mp4",
		dst,
	}
}

// Transcode re-encodes src into dst, reporting elapsed media seconds parsed
// from ffmpeg's progress output.
func (t *Tool) Transcode(ctx context.Context, src, dst string, onElapsed func(seconds float64)) error {
	return t.exec.Run(ctx, t.binary, TranscodeArgs(src, dst), func(line string) {
		if onElapsed == nil {
			return
		}
		if secs, ok := ParseProgress(line); ok {
			onElapsed(secs)
		}
	})
}

// Trim re-encodes the [start, end] second range of src into dst.
func (t *Tool) Trim(ctx context.Context, src, dst string, start, end int) error {
	if end <= start {
		return errors.New("invalid trim range")
	}
	args := []string{
		"-hide_banner", "-y",
		"-ss", strconv.Itoa(start),
		"-to", strconv.Itoa(end),
		"-i", src,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-movflags", "+faststart",
		"-c:a", "aac",
		"-f", "mp4",
		dst,
	}
	return t.exec.Run(ctx, t.binary, args, nil)
}

// Remux copies the streams of src into a fresh MP4 container.
func (t *Tool) Remux(ctx context.Context, src, dst string) error {
	args := []string{
		"-hide_banner", "-y",
		"-i", src,
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		dst,
	}
	return t.exec.Run(ctx, t.binary, args, nil)
}

// ExtractFrame writes the frame at atSec to dst as a PNG.
func (t *Tool) ExtractFrame(ctx context.Context, src string, atSec float64, dst string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", strconv.FormatFloat(atSec, 'f', 3, 64),
		"-i", src,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "png",
		dst,
	}
	return t.exec.Run(ctx, t.binary, args, nil)
}

var progressPattern = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseProgress extracts the elapsed media time from an ffmpeg status line.
func ParseProgress(line string) (float64, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(hours*3600+minutes*60) + seconds, true
}
