package state

import "strings"

// Phase is the lifecycle position of the current job.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseUploading   Phase = "uploading"
	PhaseDownloading Phase = "downloading"
	PhaseConverting  Phase = "converting"
	PhaseProcessing  Phase = "processing"
	PhaseDone        Phase = "done"
	PhaseError       Phase = "error"
)

var phases = []Phase{
	PhaseIdle,
	PhaseUploading,
	PhaseDownloading,
	PhaseConverting,
	PhaseProcessing,
	PhaseDone,
	PhaseError,
}

// Active reports whether a worker is expected to be running in this phase.
func (p Phase) Active() bool {
	switch p {
	case PhaseUploading, PhaseDownloading, PhaseConverting, PhaseProcessing:
		return true
	default:
		return false
	}
}

// Terminal reports whether the phase ends a job.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseError, PhaseIdle:
		return true
	default:
		return false
	}
}

// ParsePhase normalizes raw into a known phase.
func ParsePhase(raw string) (Phase, bool) {
	norm := Phase(strings.ToLower(strings.TrimSpace(raw)))
	for _, p := range phases {
		if p == norm {
			return p, true
		}
	}
	return "", false
}
