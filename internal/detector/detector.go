// Package detector runs bib recognition through an external command.
//
// Each sampled frame is downscaled, written to a temporary JPEG, and passed
// as the last argument to the configured command, which prints a JSON array
// of {"text": "...", "box": [x1, y1, x2, y2]} objects on stdout. Boxes are in
// the pixel space of the image it was given and are scaled back to the
// original frame.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"bibwatch/internal/analysis"
	"bibwatch/internal/fileutil"
)

// Runner executes the recognition command and returns its stdout.
type Runner interface {
	Output(ctx context.Context, command string, args []string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, command string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// Options configures a Command detector.
type Options struct {
	Command       string
	Args          []string
	Timeout       time.Duration
	MaxFrameWidth int
	ScratchDir    string
	Runner        Runner
}

// Command implements analysis.Detector.
type Command struct {
	command  string
	args     []string
	timeout  time.Duration
	maxWidth int
	scratch  string
	runner   Runner
	lookPath func(string) (string, error)
}

// New builds a command detector.
func New(opts Options) *Command {
	runner := opts.Runner
	if runner == nil {
		runner = execRunner{}
	}
	return &Command{
		command:  strings.TrimSpace(opts.Command),
		args:     append([]string(nil), opts.Args...),
		timeout:  opts.Timeout,
		maxWidth: opts.MaxFrameWidth,
		scratch:  opts.ScratchDir,
		runner:   runner,
		lookPath: exec.LookPath,
	}
}

// Ready reports analysis.ErrDetectorUnavailable when no command is configured
// or the command cannot be found.
func (c *Command) Ready(context.Context) error {
	if c.command == "" {
		return fmt.Errorf("%w: detector.command is not configured", analysis.ErrDetectorUnavailable)
	}
	if _, err := c.lookPath(c.command); err != nil {
		return fmt.Errorf("%w: %s: %v", analysis.ErrDetectorUnavailable, c.command, err)
	}
	return nil
}

// Detect implements analysis.Detector.
func (c *Command) Detect(ctx context.Context, frame analysis.Frame) ([]analysis.RawDetection, error) {
	if frame.Image == nil {
		return nil, nil
	}
	img := frame.Image
	scale := 1.0
	if width, _ := frame.Bounds(); c.maxWidth > 0 && width > c.maxWidth {
		img = imaging.Resize(img, c.maxWidth, 0, imaging.Lanczos)
		scale = float64(width) / float64(c.maxWidth)
	}

	tmp, err := os.CreateTemp(c.scratch, "detect-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create detector input: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer fileutil.RemoveQuiet(path)
	if err := imaging.Save(img, path, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode detector input: %w", err)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	args := append(append([]string(nil), c.args...), path)
	out, err := c.runner.Output(runCtx, c.command, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("detector at %.2fs: %w", frame.Seconds, err)
	}
	return Decode(out, scale)
}

// Decode parses detector output and scales boxes by factor.
func Decode(out []byte, factor float64) ([]analysis.RawDetection, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var detections []analysis.RawDetection
	if err := json.Unmarshal(out, &detections); err != nil {
		return nil, fmt.Errorf("decode detector output: %w", err)
	}
	filtered := detections[:0]
	for _, d := range detections {
		d.Text = strings.TrimSpace(d.Text)
		if d.Text == "" {
			continue
		}
		for i := range d.Box {
			d.Box[i] *= factor
		}
		filtered = append(filtered, d)
	}
	return filtered, nil
}
