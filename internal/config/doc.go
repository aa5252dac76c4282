// Package config loads, normalizes, and validates bibwatch configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// BIBWATCH_API_TOKEN. The Config type centralizes every knob the daemon, the
// worker subprocess, and the CLI need so media directories, external tool
// binaries, and job defaults are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
