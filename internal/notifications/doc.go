// Package notifications pushes job milestones to ntfy.
//
// NewService returns a no-op Service when no topic is configured, so callers
// never need to check whether notifications are enabled.
package notifications
