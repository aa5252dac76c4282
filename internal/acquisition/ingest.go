package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"bibwatch/internal/fileutil"
	"bibwatch/internal/logging"
	"bibwatch/internal/services"
	"bibwatch/internal/stage"
	"bibwatch/internal/state"
	"bibwatch/internal/textutil"
)

const copyChunk = 1 << 20

// Ingest streams r into the upload directory under a sanitized form of name.
// limit caps the stored size in bytes; zero or negative disables the cap.
// expected, when positive, drives progress reporting.
func (a *Acquirer) Ingest(ctx context.Context, r io.Reader, name string, limit, expected int64, rep stage.Reporter) (File, error) {
	if rep == nil {
		rep = stage.Nop{}
	}
	logger := logging.WithContext(ctx, a.logger)

	fileName := textutil.EnsureExt(textutil.SafeFileName(name, fmt.Sprintf("upload-%d.mp4", a.now().Unix())), ".mp4")
	if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
		return File{}, services.Wrap(services.ErrConfiguration, stageName, "create upload dir", "Failed to create upload directory", err)
	}
	target, err := fileutil.Contained(a.uploadDir, fileName)
	if err != nil {
		return File{}, services.Wrap(services.ErrValidation, stageName, "resolve upload path", "Invalid upload file name", err)
	}

	partial := fileutil.PartialPath(target)
	out, err := os.Create(partial)
	if err != nil {
		return File{}, services.Wrap(services.ErrAcquisition, stageName, "create upload file", "Failed to store upload", err)
	}

	written, copyErr := copyWithProgress(ctx, out, r, limit, expected, rep)
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		fileutil.RemoveQuiet(partial)
		switch {
		case services.IsCancelled(copyErr):
			return File{}, copyErr
		case errors.Is(copyErr, ErrTooLarge):
			logger.Warn("upload rejected",
				logging.String(logging.FieldEventType, "upload_too_large"),
				logging.Int64("limit_bytes", limit),
				logging.String(logging.FieldErrorHint, "raise job.max_upload_mib or upload a shorter clip"),
			)
			return File{}, services.Wrap(services.ErrValidation, stageName, "store upload",
				fmt.Sprintf("Upload exceeds %d MiB limit", limit>>20), copyErr)
		default:
			return File{}, services.Wrap(services.ErrAcquisition, stageName, "store upload", "Failed to store upload", copyErr)
		}
	}
	if written == 0 {
		fileutil.RemoveQuiet(partial)
		return File{}, services.Wrap(services.ErrValidation, stageName, "store upload", "Uploaded file is empty", nil)
	}
	if err := fileutil.Publish(partial, target); err != nil {
		return File{}, services.Wrap(services.ErrAcquisition, stageName, "store upload", "Failed to store upload", err)
	}
	if err := a.validate(ctx, target); err != nil {
		fileutil.RemoveQuiet(target)
		return File{}, err
	}

	rep.Progress(100)
	rep.Event(state.LevelInfo, EventType, "Upload complete", detailsFile(target))
	logger.Info("upload stored",
		logging.String(logging.FieldEventType, "upload_complete"),
		logging.String("file", fileName),
		logging.Int64("bytes", written),
	)
	return File{Path: target, Name: fileName, SizeBytes: written}, nil
}

// copyWithProgress copies src to dst in chunks, checking ctx between chunks
// and failing with ErrTooLarge once more than limit bytes arrive.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, limit, expected int64, rep stage.Reporter) (int64, error) {
	buf := make([]byte, copyChunk)
	var written int64
	last := -1
	for {
		if err := services.CheckCancelled(ctx, stageName); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if limit > 0 && written+int64(n) > limit {
				return written, ErrTooLarge
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if expected > 0 {
				percent := min(int(written*100/expected), 99)
				if percent > last {
					last = percent
					rep.Progress(percent)
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, services.Cancelled(stageName)
			}
			return written, readErr
		}
	}
}
