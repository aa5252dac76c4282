// Package logs reads the daemon's JSON log file for `bibwatch logs`.
//
// Tail returns the last lines and an offset to resume from; Follow keeps
// polling from that offset until the context ends. Filters match on the
// structured fields the daemon writes, so lines can be narrowed to one job or
// component without a running daemon.
package logs
