// Package stage defines the contract between pipeline stages and whoever
// runs them.
//
// Stages never touch the shared state store directly. They report progress,
// activity events, and partial results through a Reporter, which the worker
// forwards to the coordinator either over a channel or a pipe.
package stage

import (
	"sync"

	"bibwatch/internal/state"
)

// Reporter receives stage output.
type Reporter interface {
	// Progress reports completion of the current phase as 0..100.
	Progress(percent int)
	// Event appends a human-readable activity entry.
	Event(level, eventType, message string, details map[string]any)
	// Publish applies a partial state update, such as interim results.
	Publish(patch state.Patch)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Progress(int) {}
func (Nop) Event(string, string, string, map[string]any) {}
func (Nop) Publish(state.Patch) {}

// Recorder captures reported output in memory. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	Percents []int
	Events   []state.Event
	Patches  []state.Patch
}

func (r *Recorder) Progress(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Percents = append(r.Percents, percent)
}

func (r *Recorder) Event(level, eventType, message string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, state.Event{Level: level, Type: eventType, Message: message, Details: details})
}

func (r *Recorder) Publish(patch state.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Patches = append(r.Patches, patch)
}

// LastPercent returns the most recent progress value, or -1.
func (r *Recorder) LastPercent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Percents) == 0 {
		return -1
	}
	return r.Percents[len(r.Percents)-1]
}

// HasEvent reports whether an event with the given message was recorded.
func (r *Recorder) HasEvent(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.Events {
		if ev.Message == message {
			return true
		}
	}
	return false
}
