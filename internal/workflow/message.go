package workflow

import (
	"time"

	"bibwatch/internal/state"
)

// MessageKind discriminates worker messages.
type MessageKind string

const (
	KindPatch MessageKind = "patch"
	KindEvent MessageKind = "event"
	// KindFinal is always the last message a worker sends.
	KindFinal MessageKind = "final"
)

// Message is one entry of the ordered worker-to-coordinator stream.
type Message struct {
	Kind  MessageKind  `json:"kind"`
	Patch *state.Patch `json:"patch,omitempty"`
	Event *state.Event `json:"event,omitempty"`
}

// messageReporter adapts stage.Reporter onto a message sink.
type messageReporter struct {
	emit func(Message)
	now  func() time.Time
}

func newMessageReporter(emit func(Message)) *messageReporter {
	return &messageReporter{emit: emit, now: func() time.Time { return time.Now().UTC() }}
}

func (r *messageReporter) Progress(percent int) {
	r.emit(Message{Kind: KindPatch, Patch: &state.Patch{Progress: state.Ptr(percent)}})
}

func (r *messageReporter) Event(level, eventType, message string, details map[string]any) {
	r.emit(Message{Kind: KindEvent, Event: &state.Event{
		Timestamp: r.now(),
		Level:     level,
		Type:      eventType,
		Message:   message,
		Details:   details,
	}})
}

func (r *messageReporter) Publish(patch state.Patch) {
	if patch.Empty() {
		return
	}
	r.emit(Message{Kind: KindPatch, Patch: &patch})
}

// storeReporter applies reports straight to the store. Used for uploads,
// which run on the request goroutine rather than a worker.
type storeReporter struct {
	store *state.Store
}

func (r storeReporter) Progress(percent int) {
	r.store.Patch(state.Patch{Progress: state.Ptr(percent)})
}

func (r storeReporter) Event(level, eventType, message string, details map[string]any) {
	r.store.AppendEvent(message, level, eventType, details)
}

func (r storeReporter) Publish(patch state.Patch) {
	if !patch.Empty() {
		r.store.Patch(patch)
	}
}
