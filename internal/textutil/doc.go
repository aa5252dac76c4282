// Package textutil provides filename sanitization helpers.
//
// Client-supplied names (upload filenames, URL path segments) pass through
// SafeFileName before touching the filesystem, and SanitizeToken derives
// stable lowercase tokens for cache file names.
package textutil
