package state

import (
	"context"
	"time"

	"bibwatch/internal/logging"
)

// Mirror persists snapshots outside the process.
type Mirror interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// RunMirror copies the latest snapshot into m whenever it changes, saving at
// most once per interval. It blocks until ctx ends, then performs a final
// save. Failures are logged and otherwise ignored.
func (s *Store) RunMirror(ctx context.Context, m Mirror, interval time.Duration) {
	if m == nil {
		return
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	var saved uint64
	save := func(saveCtx context.Context) {
		snap := s.Get()
		if snap.Version == saved {
			return
		}
		if err := m.SaveSnapshot(saveCtx, snap); err != nil {
			s.logger.Warn("state mirror save failed",
				logging.Error(err),
				logging.Uint64("version", snap.Version),
				logging.String(logging.FieldEventType, "state_mirror_failed"),
				logging.String(logging.FieldErrorHint, "state remains authoritative in memory; check data_dir permissions"),
			)
			return
		}
		saved = snap.Version
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			save(flushCtx)
			cancel()
			return
		case <-s.dirty:
			save(ctx)
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
}
