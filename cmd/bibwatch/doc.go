// Command bibwatch runs the bib-number race-video daemon and talks to it.
//
// `bibwatch serve` runs the daemon in the foreground (HTTP API, IPC socket,
// state mirror); `start` and `stop` manage it in the background, and `logs`
// reads its log file directly.
// The remaining commands are thin IPC clients: start and cancel jobs, load
// videos and rosters, follow progress, and print confirmed results. The
// hidden `worker` command is what the daemon executes for process-isolated
// jobs.
package main
