package state

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bibwatch/internal/logging"
)

// Store is the single source of truth for the job snapshot.
type Store struct {
	mu       sync.Mutex
	cond     *sync.Cond
	snap     Snapshot
	capacity int
	now      func() time.Time
	logger   *slog.Logger
	dirty    chan struct{}
	onChange func(Snapshot)
}

// Option customizes a Store.
type Option func(*Store)

// WithEventCapacity bounds the event ring (default 300).
func WithEventCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver registers a callback invoked after every mutation, outside the
// store lock. Used for metrics.
func WithObserver(fn func(Snapshot)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// New constructs a store holding the idle snapshot.
func New(opts ...Option) *Store {
	s := &Store{
		snap:     initialSnapshot(),
		capacity: DefaultEventCapacity,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.NewNop(),
		dirty:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Get returns a consistent copy of the current snapshot.
func (s *Store) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Version returns the current snapshot version.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Version
}

// Patch applies p atomically and returns the resulting snapshot.
func (s *Store) Patch(p Patch) Snapshot {
	return s.mutate(func(snap *Snapshot, now time.Time) {
		p.apply(snap, now)
	})
}

// AppendEvent records an activity log entry, evicting the oldest entries
// beyond the ring capacity.
func (s *Store) AppendEvent(message, level, eventType string, details map[string]any) Snapshot {
	message = strings.TrimSpace(message)
	level = normalizeLevel(level)
	return s.mutate(func(snap *Snapshot, now time.Time) {
		snap.Events = append(snap.Events, Event{
			Timestamp: now,
			Level:     level,
			Type:      eventType,
			Message:   message,
			Details:   details,
		})
		if over := len(snap.Events) - s.capacity; over > 0 {
			snap.Events = append([]Event{}, snap.Events[over:]...)
		}
	})
}

// PatchWithEvent applies p and appends an event under a single version bump.
func (s *Store) PatchWithEvent(p Patch, message, level, eventType string, details map[string]any) Snapshot {
	message = strings.TrimSpace(message)
	level = normalizeLevel(level)
	return s.mutate(func(snap *Snapshot, now time.Time) {
		p.apply(snap, now)
		snap.Events = append(snap.Events, Event{Timestamp: now, Level: level, Type: eventType, Message: message, Details: details})
		if over := len(snap.Events) - s.capacity; over > 0 {
			snap.Events = append([]Event{}, snap.Events[over:]...)
		}
	})
}

// WaitForVersion blocks until the version exceeds since, the timeout elapses,
// or ctx ends, then returns the current snapshot.
func (s *Store) WaitForVersion(ctx context.Context, since uint64, timeout time.Duration) Snapshot {
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.snap.Version <= since && ctx.Err() == nil {
		s.cond.Wait()
	}
	return s.snap.Clone()
}

// Restore loads persisted lightweight fields. Volatile job fields are reset
// because no worker survives a restart.
func (s *Store) Restore(saved Snapshot) Snapshot {
	return s.mutate(func(snap *Snapshot, now time.Time) {
		restored := initialSnapshot()
		restored.Video = saved.Video
		restored.VideoBytes = saved.VideoBytes
		restored.Converted = saved.Converted
		restored.ConvertedBytes = saved.ConvertedBytes
		restored.ProtocolRef = saved.ProtocolRef
		restored.Settings = saved.Settings.Clamp()
		if saved.Events != nil {
			restored.Events = append([]Event{}, saved.Events...)
			if over := len(restored.Events) - s.capacity; over > 0 {
				restored.Events = restored.Events[over:]
			}
		}
		restored.Version = snap.Version
		*snap = restored
	})
}

// Reset returns the snapshot to idle, dropping media references and results.
// Settings survive; events survive unless clearEvents is set.
func (s *Store) Reset(clearEvents bool) Snapshot {
	return s.mutate(func(snap *Snapshot, now time.Time) {
		fresh := initialSnapshot()
		fresh.Settings = snap.Settings
		if !clearEvents {
			fresh.Events = snap.Events
		}
		fresh.Version = snap.Version
		ts := now
		fresh.PhaseStartedAt = &ts
		*snap = fresh
	})
}

func (s *Store) mutate(fn func(*Snapshot, time.Time)) Snapshot {
	s.mu.Lock()
	now := s.now()
	fn(&s.snap, now)
	s.snap.Version++
	s.snap.UpdatedAt = now
	out := s.snap.Clone()
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case s.dirty <- struct{}{}:
	default:
	}
	if s.onChange != nil {
		s.onChange(out)
	}
	return out
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warn", LevelWarning:
		return LevelWarning
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}
