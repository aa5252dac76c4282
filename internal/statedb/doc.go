// Package statedb mirrors the durable part of the job snapshot into SQLite.
//
// Only lightweight fields survive a restart: tuning settings, the current
// video and roster references with their sizes, and the event log. Analysis
// results and volatile job fields are never written. The in-memory state
// store stays authoritative; this package is a write-behind copy that the
// daemon reads once at startup.
package statedb
