package workflow

import (
	"strings"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/services"
	"bibwatch/internal/settings"
	"bibwatch/internal/state"
)

// JobKind selects the pipeline stages a job runs.
type JobKind string

const (
	// JobDownload fetches a URL and stops.
	JobDownload JobKind = "download"
	// JobProcess runs conversion and analysis, fetching first when a URL is given.
	JobProcess JobKind = "process"
)

// JobSpec is the immutable description of one job. It crosses the process
// boundary as JSON.
type JobSpec struct {
	ID       string            `json:"id"`
	Kind     JobKind           `json:"kind"`
	Source   string            `json:"source,omitempty"`
	URL      string            `json:"url,omitempty"`
	Start    *int              `json:"start,omitempty"`
	End      *int              `json:"end,omitempty"`
	Settings settings.Settings `json:"settings"`
	Roster   string            `json:"roster,omitempty"`
}

// Validate checks that the job spec names what its kind needs.
func (s JobSpec) Validate() error {
	switch s.Kind {
	case JobDownload:
		if strings.TrimSpace(s.URL) == "" {
			return services.Wrap(services.ErrValidation, "workflow", "validate job", "Download job needs a URL", nil)
		}
	case JobProcess:
		if strings.TrimSpace(s.URL) == "" && strings.TrimSpace(s.Source) == "" {
			return services.Wrap(services.ErrValidation, "workflow", "validate job", "No video to process; upload or download one first", nil)
		}
		if strings.TrimSpace(s.Roster) == "" {
			return services.Wrap(services.ErrValidation, "workflow", "validate job", "No roster loaded; upload a roster CSV first", nil)
		}
	default:
		return services.Wrap(services.ErrValidation, "workflow", "validate job", "Unknown job kind: "+string(s.Kind), nil)
	}
	if s.URL != "" {
		return s.Fetch().Validate()
	}
	return nil
}

// Fetch returns the download request for a job that starts from a URL.
func (s JobSpec) Fetch() acquisition.FetchRequest {
	return acquisition.FetchRequest{URL: s.URL, Start: s.Start, End: s.End}
}

// FirstPhase is the phase the job enters when it starts.
func (s JobSpec) FirstPhase() state.Phase {
	if s.URL != "" {
		return state.PhaseDownloading
	}
	return state.PhaseConverting
}
