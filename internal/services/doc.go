// Package services defines shared utilities consumed by the pipeline stages
// and the job coordinator.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified into acquisition, conversion, processing, validation, and
//     cancellation outcomes.
//
// Use these helpers when wiring new stage logic so error handling and
// observability stay uniform across the pipeline.
package services
