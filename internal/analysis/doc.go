// Package analysis samples frames from a video, runs bib recognition on each
// sampled frame, and feeds matched bibs into the confirmation engine.
//
// Recognition and roster lookup are external collaborators reached through
// the Detector and Matcher interfaces.
package analysis
