// Package daemon coordinates the long-running bibwatch process.
//
// It wires configuration, the state store and its SQLite mirror, and the job
// coordinator into a single lifecycle with flock-based locking to prevent
// multiple instances. The daemon restores durable state at startup, runs
// preflight checks, and serves the HTTP command surface; the ipc package
// exposes the same commands to the CLI over a Unix socket.
//
// Keep orchestration logic here: job semantics live in workflow while the
// daemon focuses on startup, shutdown, and request translation.
package daemon
