package workflow

import (
	"context"
	"errors"
	"sync"
)

// ErrForceUnsupported is returned by ForceStop on workers that share the
// coordinator's process.
var ErrForceUnsupported = errors.New("force stop not supported for in-process worker")

// Handle is the coordinator's view of a running worker.
type Handle interface {
	// IsAlive reports whether the worker has not yet exited.
	IsAlive() bool
	// RequestCancel signals cooperative cancellation. Idempotent.
	RequestCancel()
	// ForceStop terminates the worker and waits for it to exit, bounded by ctx.
	ForceStop(ctx context.Context) error
	// Messages is closed after the worker's last message.
	Messages() <-chan Message
	// Done is closed once the worker has fully exited.
	Done() <-chan struct{}
}

// LaunchFunc starts a worker for spec.
type LaunchFunc func(ctx context.Context, spec JobSpec) (Handle, error)

// JobRunner is what a worker executes.
type JobRunner interface {
	Execute(ctx context.Context, spec JobSpec, emit func(Message))
}

const messageBuffer = 256

type goroutineHandle struct {
	cancel   context.CancelFunc
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

// GoroutineLauncher runs jobs on a goroutine inside the current process.
func GoroutineLauncher(runner JobRunner) LaunchFunc {
	return func(ctx context.Context, spec JobSpec) (Handle, error) {
		runCtx, cancel := context.WithCancel(ctx)
		h := &goroutineHandle{
			cancel:   cancel,
			messages: make(chan Message, messageBuffer),
			done:     make(chan struct{}),
		}
		go func() {
			defer close(h.done)
			defer cancel()
			defer close(h.messages)
			runner.Execute(runCtx, spec, func(m Message) { h.messages <- m })
		}()
		return h, nil
	}
}

func (h *goroutineHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *goroutineHandle) RequestCancel() {
	h.once.Do(h.cancel)
}

func (h *goroutineHandle) ForceStop(context.Context) error {
	return ErrForceUnsupported
}

func (h *goroutineHandle) Messages() <-chan Message { return h.messages }

func (h *goroutineHandle) Done() <-chan struct{} { return h.done }
