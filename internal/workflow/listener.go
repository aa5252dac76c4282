package workflow

import (
	"context"
	"log/slog"
	"time"

	"bibwatch/internal/conversion"
	"bibwatch/internal/logging"
	"bibwatch/internal/metrics"
	"bibwatch/internal/notifications"
	"bibwatch/internal/services"
	"bibwatch/internal/state"
)

// listen merges one worker's messages into the store until the worker exits.
func (c *Coordinator) listen(s *slot) {
	defer c.wg.Done()
	sawFinal := false
	for msg := range s.handle.Messages() {
		switch msg.Kind {
		case KindPatch:
			if msg.Patch != nil {
				c.applyPatch(s, *msg.Patch)
			}
		case KindEvent:
			if msg.Event != nil {
				c.applyEvent(s, *msg.Event)
			}
		case KindFinal:
			sawFinal = true
		}
	}
	<-s.handle.Done()
	c.finish(s, sawFinal)
}

// applyPatch merges a worker patch. A patch that leaves the active phases
// retires the slot under the coordinator lock, so a client that observes the
// terminal phase can start the next job immediately.
func (c *Coordinator) applyPatch(s *slot, p state.Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleLocked(s) {
		return
	}
	// The cancel flag belongs to the coordinator; only the terminal patch
	// may clear it.
	terminal := p.Phase != nil && !p.Phase.Active()
	if !terminal {
		p.CancelRequested = nil
	}
	c.store.Patch(p)
	if terminal && s.status == slotLive {
		s.status = slotRetired
		s.outcome = outcomeFor(*p.Phase)
	}
}

func (c *Coordinator) applyEvent(s *slot, e state.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleLocked(s) {
		return
	}
	c.store.AppendEvent(e.Message, e.Level, e.Type, e.Details)
	observeEvent(e)
}

// staleLocked reports whether messages from s must no longer reach the
// store: the worker was abandoned, or a newer job now owns the slot.
// Callers hold c.mu.
func (c *Coordinator) staleLocked(s *slot) bool {
	return s.status == slotAbandoned || c.active != s
}

// finish releases the slot once the worker has exited. While a forced stop
// is in flight the slot stays occupied and Cancel settles it.
func (c *Coordinator) finish(s *slot, sawFinal bool) {
	c.mu.Lock()
	s.exited = true
	if !s.forcing {
		c.settleLocked(s, sawFinal)
		c.releaseLocked(s)
	}
	record := c.markRecordedLocked(s)
	c.mu.Unlock()
	if record {
		c.recordFinish(s)
	}
}

// settleLocked reports a worker that exited without a terminal patch as
// failed, or as cancelled when a cancel was pending. Callers hold c.mu.
func (c *Coordinator) settleLocked(s *slot, sawFinal bool) {
	if s.status != slotLive {
		return
	}
	patch := state.Patch{
		Processing:      state.Ptr(false),
		CancelRequested: state.Ptr(false),
	}
	message, level := "Pipeline failed: worker exited unexpectedly", state.LevelError
	details := map[string]any{"kind": string(services.KindUnexpected)}
	if s.cancelRequested {
		patch.Phase = state.Ptr(state.PhaseIdle)
		patch.Progress = state.Ptr(0)
		message, level, details = "Pipeline cancelled", state.LevelWarning, nil
		s.outcome = "cancelled"
	} else {
		patch.Phase = state.Ptr(state.PhaseError)
		s.outcome = "error"
	}
	if !c.staleLocked(s) {
		c.store.PatchWithEvent(patch, message, level, EventType, details)
	}
	s.status = slotRetired
	logger := logging.WithContext(services.WithJobID(c.baseCtx, s.spec.ID), c.logger)
	logging.WarnWithContext(logger, "worker exited without terminal status", "worker_exit_unexpected",
		logging.Bool("saw_final", sawFinal),
		logging.String(logging.FieldErrorHint, "check worker stderr output"),
		logging.String(logging.FieldImpact, "job marked "+s.outcome),
	)
}

// releaseLocked frees the job slot. Callers hold c.mu.
func (c *Coordinator) releaseLocked(s *slot) {
	if c.active == s {
		c.active = nil
		metrics.JobActive.Set(0)
	}
}

// markRecordedLocked reports whether the finished job still needs its
// metrics recorded, and marks it recorded. Callers hold c.mu.
func (c *Coordinator) markRecordedLocked(s *slot) bool {
	if !s.exited || s.outcome == "" || s.recorded {
		return false
	}
	s.recorded = true
	return true
}

func (c *Coordinator) recordFinish(s *slot) {
	elapsed := time.Since(s.started)
	metrics.JobsFinishedTotal.WithLabelValues(string(s.spec.Kind), s.outcome).Inc()
	metrics.JobDuration.WithLabelValues(string(s.spec.Kind)).Observe(elapsed.Seconds())
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "job_finished"),
		logging.String("outcome", s.outcome),
		logging.Duration("elapsed", elapsed),
	}
	if exit, ok := s.handle.(interface{ ExitErr() error }); ok && exit.ExitErr() != nil {
		attrs = append(attrs, logging.String("worker_exit", exit.ExitErr().Error()))
	}
	logger := logging.WithContext(services.WithJobID(c.baseCtx, s.spec.ID), c.logger)
	logger.Info("job finished", logging.Args(attrs...)...)
	c.notify(s, elapsed, logger)
}

// notify publishes the job outcome in the background. Shutdown aborts
// deliveries still in flight.
func (c *Coordinator) notify(s *slot, elapsed time.Duration, logger *slog.Logger) {
	if c.notifier == nil {
		return
	}
	event, payload := finishNotice(s, elapsed, c.store.Get())
	go func() {
		ctx, cancel := context.WithTimeout(c.baseCtx, notifyTimeout)
		defer cancel()
		if err := c.notifier.Publish(ctx, event, payload); err != nil {
			logging.WarnWithContext(logger, "job notification failed", "notification_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "no push sent for this job"),
			)
		}
	}()
}

const notifyTimeout = 15 * time.Second

func finishNotice(s *slot, elapsed time.Duration, snap state.Snapshot) (notifications.Event, notifications.Payload) {
	switch s.outcome {
	case "done":
		if s.spec.Kind == JobDownload {
			return notifications.EventDownloadCompleted, notifications.Payload{"video": snap.Video}
		}
		return notifications.EventJobCompleted, notifications.Payload{
			"confirmed": len(snap.Timestamps),
			"elapsed":   elapsed.Round(time.Second).String(),
		}
	case "cancelled":
		return notifications.EventJobCancelled, nil
	default:
		payload := notifications.Payload{"context": string(s.spec.Kind)}
		for i := len(snap.Events) - 1; i >= 0; i-- {
			if snap.Events[i].Level == state.LevelError {
				payload["error"] = snap.Events[i].Message
				break
			}
		}
		return notifications.EventError, payload
	}
}

func outcomeFor(phase state.Phase) string {
	switch phase {
	case state.PhaseDone:
		return "done"
	case state.PhaseIdle:
		return "cancelled"
	default:
		return "error"
	}
}

// observeEvent derives stage metrics from worker events, which is the only
// channel that crosses the process boundary.
func observeEvent(e state.Event) {
	switch e.Type {
	case conversion.EventType:
		if outcome, ok := e.Details["outcome"].(string); ok && outcome != "" {
			metrics.ConversionsTotal.WithLabelValues(outcome).Inc()
		}
	case "confirmation":
		metrics.ConfirmationsTotal.Inc()
	}
}
