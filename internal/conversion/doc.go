// Package conversion makes source videos playable in a browser.
//
// Sources already in a browser-friendly container and codec are used as-is.
// Everything else is transcoded to H.264/AAC MP4 once and kept in a cache
// keyed by the content hash of the source, so repeated runs on the same file
// reuse the earlier output.
package conversion
