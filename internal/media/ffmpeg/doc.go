// Package ffmpeg runs ffmpeg subprocesses for transcoding, trimming,
// remuxing, and frame extraction.
//
// Commands execute through an Executor so tests can substitute a stub. The
// production executor places each child in its own process group and kills
// the whole group when the context is cancelled, so encoder helper processes
// never outlive a cancelled job.
package ffmpeg
