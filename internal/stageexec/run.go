// Package stageexec wraps a single pipeline stage with the phase transition,
// logging, and failure bookkeeping shared by every stage.
package stageexec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bibwatch/internal/logging"
	"bibwatch/internal/services"
	"bibwatch/internal/stage"
	"bibwatch/internal/state"
)

// Options controls stage execution.
type Options struct {
	Logger    *slog.Logger
	Reporter  stage.Reporter
	StageName string
	Phase     state.Phase
	// Announce is the activity event emitted when the stage starts. Empty
	// suppresses the event.
	Announce string
	Execute  func(ctx context.Context, logger *slog.Logger) error
}

// Run moves the job into opts.Phase, executes the stage, and logs the outcome.
// The stage error is returned unchanged so callers can classify it.
func Run(ctx context.Context, opts Options) error {
	if opts.Execute == nil {
		return fmt.Errorf("stage handler unavailable: %s", opts.StageName)
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = stage.Nop{}
	}

	stageCtx := services.WithStage(ctx, opts.StageName)
	stageLogger := logging.WithContext(stageCtx, opts.Logger)

	if err := services.CheckCancelled(stageCtx, opts.StageName); err != nil {
		return err
	}

	stageLogger.Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("phase", string(opts.Phase)),
	)
	reporter.Publish(state.Patch{
		Phase:    state.Ptr(opts.Phase),
		Progress: state.Ptr(0),
	})
	if msg := strings.TrimSpace(opts.Announce); msg != "" {
		reporter.Event(state.LevelInfo, opts.StageName, msg, nil)
	}

	started := time.Now()
	if err := opts.Execute(stageCtx, stageLogger); err != nil {
		if services.IsCancelled(err) {
			stageLogger.Info(
				"stage cancelled",
				logging.String(logging.FieldEventType, "stage_cancelled"),
				logging.Duration("elapsed", time.Since(started)),
			)
			return err
		}
		stageLogger.Error(
			"stage failed",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.String("failure_kind", string(services.Classify(err))),
			logging.Duration("elapsed", time.Since(started)),
			logging.Error(err),
		)
		return err
	}

	stageLogger.Info(
		"stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("elapsed", time.Since(started)),
	)
	return nil
}
