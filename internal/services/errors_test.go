package services_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"bibwatch/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "conversion", "transcode", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"conversion", "transcode", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Kind
	}{
		{"nil", nil, ""},
		{"cancelled", services.Cancelled("analysis"), services.KindCancelled},
		{"context cancelled", fmt.Errorf("wait: %w", context.Canceled), services.KindCancelled},
		{"cancel beats conversion", services.Wrap(services.ErrConversion, "conversion", "transcode", "stopped", services.Cancelled("conversion")), services.KindCancelled},
		{"missing file", fmt.Errorf("open: %w", os.ErrNotExist), services.KindNotFound},
		{"validation", services.Wrap(services.ErrValidation, "acquisition", "ingest", "too large", nil), services.KindValidation},
		{"conflict", services.ErrConflict, services.KindConflict},
		{"acquisition", services.Wrap(services.ErrAcquisition, "acquisition", "fetch", "http 500", nil), services.KindAcquisition},
		{"conversion", services.Wrap(services.ErrConversion, "conversion", "", "ffmpeg failed", nil), services.KindConversion},
		{"processing", services.Wrap(services.ErrProcessing, "analysis", "", "detector", nil), services.KindProcessing},
		{"unexpected", errors.New("panic"), services.KindUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := services.CheckCancelled(ctx, "analysis"); err != nil {
		t.Fatalf("expected nil before cancel, got %v", err)
	}
	cancel()
	err := services.CheckCancelled(ctx, "analysis")
	if !services.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestMessageStripsTransientMarker(t *testing.T) {
	err := services.Wrap(nil, "analysis", "", "worker exited", nil)
	if got := services.Message(err); got != "analysis: worker exited" {
		t.Fatalf("unexpected message %q", got)
	}
}
