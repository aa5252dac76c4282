// Package acquisition brings source videos onto local disk.
//
// Uploads are streamed with a byte ceiling. URLs go through yt-dlp first and
// fall back to a plain HTTP fetch, which is trimmed with ffmpeg when a time
// range was requested and remuxed once if the container turns out to be
// unreadable. Every file is validated with ffprobe before it is handed on.
package acquisition
