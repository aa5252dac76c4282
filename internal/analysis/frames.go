package analysis

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"

	"bibwatch/internal/fileutil"
	"bibwatch/internal/media/ffmpeg"
)

// FFmpegFrames extracts frames with ffmpeg into a scratch PNG and decodes it.
type FFmpegFrames struct {
	tool    *ffmpeg.Tool
	scratch string
}

// NewFFmpegFrames builds a FrameSource. scratchDir holds the temporary PNG
// files; empty uses the system temp dir.
func NewFFmpegFrames(tool *ffmpeg.Tool, scratchDir string) *FFmpegFrames {
	return &FFmpegFrames{tool: tool, scratch: scratchDir}
}

// Frame implements FrameSource.
func (f *FFmpegFrames) Frame(ctx context.Context, video string, atSec float64) (image.Image, error) {
	tmp, err := os.CreateTemp(f.scratch, "frame-*.png")
	if err != nil {
		return nil, fmt.Errorf("create frame file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer fileutil.RemoveQuiet(path)

	if err := f.tool.ExtractFrame(ctx, video, atSec, path); err != nil {
		return nil, err
	}
	if _, ok := fileutil.NonEmptyFile(path); !ok {
		return nil, fmt.Errorf("no frame at %.2fs", atSec)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}
