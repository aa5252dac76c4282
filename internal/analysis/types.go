package analysis

import (
	"context"
	"errors"
	"image"
)

// ErrDetectorUnavailable marks a detector that cannot serve requests at all.
// It is job-fatal; other detection errors only skip the affected frame.
var ErrDetectorUnavailable = errors.New("detector unavailable")

// Frame is one sampled video frame.
type Frame struct {
	Index   int
	Seconds float64
	Image   image.Image
}

// Bounds returns the pixel size of the frame.
func (f Frame) Bounds() (width, height int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}

// RawDetection is recognized text with its pixel rectangle (x1,y1)-(x2,y2)
// in frame coordinates.
type RawDetection struct {
	Text string     `json:"text"`
	Box  [4]float64 `json:"box"`
}

// Detector recognizes bib text on frames.
type Detector interface {
	// Ready reports ErrDetectorUnavailable when the detector cannot run.
	Ready(ctx context.Context) error
	Detect(ctx context.Context, frame Frame) ([]RawDetection, error)
}

// Matcher maps recognized text onto roster participants.
type Matcher interface {
	Lookup(raw string) (bib, name string, ok bool)
	Len() int
}

// FrameSource extracts single frames from a video.
type FrameSource interface {
	Frame(ctx context.Context, video string, atSec float64) (image.Image, error)
}
