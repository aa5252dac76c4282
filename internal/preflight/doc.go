// Package preflight provides readiness checks for the external tools and
// filesystem paths bibwatch depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs each failure with a hint,
//     then serves the same results from /health.
//   - The CLI "bibwatch status" command renders CheckSystemDeps and RunAll
//     as tables.
//
// Failures never stop the daemon: uploads and roster management work
// without ffmpeg or a detector, and jobs fail fast with a clear message.
package preflight
