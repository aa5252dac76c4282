// Package confirm turns noisy per-frame bib sightings into a stable list of
// finish-line crossings.
//
// A bib becomes confirmed once it has been sighted in a configurable number of
// frames. Candidates that disappear for longer than the phantom timeout are
// discarded, and a confirmed bib is ignored until the session timeout has
// elapsed so a runner lingering in frame is recorded once.
//
// The Engine is single-threaded by design; callers own synchronization.
package confirm
