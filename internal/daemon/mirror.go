package daemon

import (
	"context"
	"sync/atomic"

	"bibwatch/internal/metrics"
	"bibwatch/internal/state"
)

// countingMirror records mirror failures and remembers the latest one for
// health reporting. The store logs them.
type countingMirror struct {
	inner state.Mirror
	last  *atomic.Pointer[string]
}

func (m countingMirror) SaveSnapshot(ctx context.Context, snap state.Snapshot) error {
	err := m.inner.SaveSnapshot(ctx, snap)
	if err != nil {
		metrics.StateMirrorFailuresTotal.Inc()
		msg := err.Error()
		m.last.Store(&msg)
		return err
	}
	m.last.Store(nil)
	return nil
}

// ObserveState exports the snapshot version. Pass it to state.WithObserver.
func ObserveState(snap state.Snapshot) {
	metrics.StateVersion.Set(float64(snap.Version))
}
