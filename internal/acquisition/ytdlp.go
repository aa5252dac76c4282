package acquisition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"bibwatch/internal/media/ffmpeg"
)

// Downloader fetches a remote video into dir and returns the local path.
type Downloader interface {
	Download(ctx context.Context, req FetchRequest, dir string, onPercent func(float64)) (string, error)
}

// YTDLPFormat prefers a 720p-or-smaller MP4 so conversion is usually skipped.
const YTDLPFormat = "best[ext=mp4][height<=720]/best[ext=mp4]/best"

// YTDLP runs the yt-dlp command line tool.
type YTDLP struct {
	binary string
	exec   ffmpeg.Executor
}

// NewYTDLP builds a yt-dlp downloader. A nil executor runs real subprocesses.
func NewYTDLP(binary string, exec ffmpeg.Executor) *YTDLP {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "yt-dlp"
	}
	if exec == nil {
		exec = ffmpeg.CommandExecutor{}
	}
	return &YTDLP{binary: binary, exec: exec}
}

// Binary returns the configured executable.
func (y *YTDLP) Binary() string {
	return y.binary
}

// Args builds the yt-dlp invocation for req.
func (y *YTDLP) Args(req FetchRequest, dir string) []string {
	args := []string{
		"--newline",
		"--progress",
		"--no-playlist",
		"--no-warnings",
		"--restrict-filenames",
		"--force-overwrites",
		"-f", YTDLPFormat,
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
	}
	if req.HasRange() {
		args = append(args,
			"--download-sections", fmt.Sprintf("*%d-%d", *req.Start, *req.End),
			"--force-keyframes-at-cuts",
		)
	}
	return append(args, req.URL)
}

var ytdlpProgressPattern = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)

// ParseYTDLPProgress extracts the percentage from a "[download]  42.0% of ..." line.
func ParseYTDLPProgress(line string) (float64, bool) {
	m := ytdlpProgressPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// Download implements Downloader.
func (y *YTDLP) Download(ctx context.Context, req FetchRequest, dir string, onPercent func(float64)) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	var produced string
	err = y.exec.Run(ctx, y.binary, y.Args(req, root), func(line string) {
		if pct, ok := ParseYTDLPProgress(line); ok {
			if onPercent != nil {
				onPercent(pct)
			}
			return
		}
		candidate := strings.TrimSpace(line)
		if filepath.IsAbs(candidate) && filepath.Dir(candidate) == root {
			produced = candidate
		}
	})
	if err != nil {
		return "", err
	}
	if produced == "" {
		return "", fmt.Errorf("yt-dlp did not report an output file")
	}
	if info, statErr := os.Stat(produced); statErr != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("yt-dlp did not produce a local file")
	}
	return produced, nil
}
