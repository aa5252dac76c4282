// Package state owns the shared job snapshot observed by every client.
//
// The Store keeps one in-memory Snapshot guarded by a mutex. Every mutation
// bumps a monotonic version and wakes long-poll waiters blocked in
// WaitForVersion. An optional Mirror receives coalesced copies of the
// snapshot for best-effort persistence; mirror failures are logged and never
// reach callers.
package state
