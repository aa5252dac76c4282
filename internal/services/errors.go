package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

var (
	ErrAcquisition   = errors.New("acquisition error")
	ErrConversion    = errors.New("conversion error")
	ErrProcessing    = errors.New("processing error")
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrCancelled     = errors.New("cancelled")
	ErrConflict      = errors.New("job already running")
	ErrNoActiveJob   = errors.New("no active job")
	ErrTransient     = errors.New("transient failure")
)

// Kind is the coarse failure category surfaced to clients and used to pick
// the terminal phase of a job.
type Kind string

const (
	KindCancelled   Kind = "cancelled"
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindAcquisition Kind = "acquisition"
	KindConversion  Kind = "conversion"
	KindProcessing  Kind = "processing"
	KindUnexpected  Kind = "unexpected"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error onto its failure kind. Cancellation wins over every
// other marker so a cancelled job never lands in the error phase.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return KindValidation
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNoActiveJob):
		return KindConflict
	case errors.Is(err, ErrAcquisition):
		return KindAcquisition
	case errors.Is(err, ErrConversion):
		return KindConversion
	case errors.Is(err, ErrProcessing):
		return KindProcessing
	default:
		return KindUnexpected
	}
}

// IsCancelled reports whether err represents a cooperative cancellation.
func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

// Cancelled returns a cancellation error annotated with the stage that observed it.
func Cancelled(stage string) error {
	return Wrap(ErrCancelled, stage, "", "cancelled by request", nil)
}

// CheckCancelled converts a done context into the cancellation marker so
// stages can poll between units of work.
func CheckCancelled(ctx context.Context, stage string) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	return Cancelled(stage)
}

// Message returns the human readable form of err without the leading marker
// when the marker adds no information for operators.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if errors.Is(err, ErrTransient) {
		msg = strings.TrimPrefix(msg, ErrTransient.Error()+": ")
	}
	return msg
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
