// Package ffprobe runs ffprobe and decodes the fields bibwatch checks before
// it accepts a video: stream codecs and container duration.
package ffprobe
