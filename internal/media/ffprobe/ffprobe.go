package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

var (
	ErrNoVideoStream = errors.New("no video stream")
	ErrNoDuration    = errors.New("unreadable duration")
)

// probeEntries limits ffprobe output to the fields the pipeline reads.
const probeEntries = "format=duration,format_name:stream=index,codec_type,codec_name,width,height"

// Result is the subset of ffprobe JSON output the pipeline needs.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes one stream in the container.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Format is container-level metadata.
type Format struct {
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

// Prober inspects media files. Binary is the production implementation;
// tests substitute fakes.
type Prober interface {
	Inspect(ctx context.Context, path string) (Result, error)
}

// Binary runs the named ffprobe executable.
type Binary string

// Inspect implements Prober.
func (b Binary) Inspect(ctx context.Context, path string) (Result, error) {
	return Inspect(ctx, string(b), path)
}

// Inspect runs ffprobe on path and decodes its JSON output.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner",
		"-show_entries", probeEntries, "-of", "json", "--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return Parse(output)
}

// Parse decodes ffprobe JSON output.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

func (r Result) video() (Stream, bool) {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "video") {
			return stream, true
		}
	}
	return Stream{}, false
}

// PrimaryVideoCodec returns the lowercased codec name of the first video
// stream, or "" when there is none.
func (r Result) PrimaryVideoCodec() string {
	stream, ok := r.video()
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(stream.CodecName))
}

// Validate reports whether the result describes a decodable video: at least
// one video stream and a finite positive duration.
func (r Result) Validate() error {
	if _, ok := r.video(); !ok {
		return ErrNoVideoStream
	}
	duration := r.DurationSeconds()
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration <= 0 {
		return fmt.Errorf("%w: %q", ErrNoDuration, r.Format.Duration)
	}
	return nil
}

// DurationSeconds returns the container duration, 0 when absent, or NaN when
// ffprobe reported something unparseable such as "N/A".
func (r Result) DurationSeconds() float64 {
	cleaned := strings.TrimSpace(r.Format.Duration)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
