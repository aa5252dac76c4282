// Package workflow runs jobs.
//
// The Coordinator enforces that at most one job (or upload) is active,
// launches the job worker either as a goroutine or as an isolated
// "bibwatch worker" child process, and merges the worker's ordered message
// stream into the state store. Cancellation is two-tier: the first request
// is cooperative, a second request while the worker is still alive kills an
// isolated worker outright and resets state to idle.
//
// The Pipeline is the worker body: acquisition, conversion, and analysis run
// in order, and every outcome ends in exactly one terminal patch, one
// terminal event, and a final sentinel message.
package workflow
