package state

import (
	"time"

	"bibwatch/internal/confirm"
	"bibwatch/internal/settings"
)

// Event levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// DefaultEventCapacity bounds the event ring.
const DefaultEventCapacity = 300

// BBox is a normalized detection rectangle on the most recent frame.
type BBox struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Label string  `json:"label"`
}

// Event is one entry of the human-readable activity log.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Type      string         `json:"type,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Snapshot is the full observable state of the system.
type Snapshot struct {
	Phase           Phase             `json:"phase"`
	Progress        int               `json:"progress"`
	Processing      bool              `json:"processing"`
	CancelRequested bool              `json:"cancel_requested"`
	JobID           string            `json:"job_id,omitempty"`
	PhaseStartedAt  *time.Time        `json:"phase_started_at,omitempty"`
	Video           string            `json:"video,omitempty"`
	VideoBytes      int64             `json:"video_bytes,omitempty"`
	Converted       string            `json:"converted,omitempty"`
	ConvertedBytes  int64             `json:"converted_bytes,omitempty"`
	ProtocolRef     string            `json:"protocol_csv,omitempty"`
	BBoxes          []BBox            `json:"bboxes"`
	Timestamps      []confirm.Entry   `json:"timestamps"`
	ResultsText     string            `json:"results_text"`
	Events          []Event           `json:"events"`
	Settings        settings.Settings `json:"settings"`
	Version         uint64            `json:"version"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func initialSnapshot() Snapshot {
	return Snapshot{
		Phase:      PhaseIdle,
		BBoxes:     []BBox{},
		Timestamps: []confirm.Entry{},
		Events:     []Event{},
		Settings:   settings.Default(),
	}
}

// Clone returns a deep copy that shares no slices with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.BBoxes = append([]BBox{}, s.BBoxes...)
	out.Timestamps = append([]confirm.Entry{}, s.Timestamps...)
	out.Events = append([]Event{}, s.Events...)
	if s.PhaseStartedAt != nil {
		ts := *s.PhaseStartedAt
		out.PhaseStartedAt = &ts
	}
	return out
}

// Patch is a partial update. Nil fields are left untouched; non-nil fields
// replace the current value wholesale.
type Patch struct {
	Phase           *Phase             `json:"phase,omitempty"`
	Progress        *int               `json:"progress,omitempty"`
	Processing      *bool              `json:"processing,omitempty"`
	CancelRequested *bool              `json:"cancel_requested,omitempty"`
	JobID           *string            `json:"job_id,omitempty"`
	Video           *string            `json:"video,omitempty"`
	VideoBytes      *int64             `json:"video_bytes,omitempty"`
	Converted       *string            `json:"converted,omitempty"`
	ConvertedBytes  *int64             `json:"converted_bytes,omitempty"`
	ProtocolRef     *string            `json:"protocol_csv,omitempty"`
	BBoxes          *[]BBox            `json:"bboxes,omitempty"`
	Timestamps      *[]confirm.Entry   `json:"timestamps,omitempty"`
	ResultsText     *string            `json:"results_text,omitempty"`
	Settings        *settings.Settings `json:"settings,omitempty"`
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T {
	return &v
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

func (p Patch) apply(s *Snapshot, now time.Time) {
	if p.Phase != nil {
		if *p.Phase != s.Phase {
			ts := now
			s.PhaseStartedAt = &ts
		}
		s.Phase = *p.Phase
	}
	if p.Progress != nil {
		s.Progress = clampProgress(*p.Progress)
	}
	if p.Processing != nil {
		s.Processing = *p.Processing
	}
	if p.CancelRequested != nil {
		s.CancelRequested = *p.CancelRequested
	}
	if p.JobID != nil {
		s.JobID = *p.JobID
	}
	if p.Video != nil {
		s.Video = *p.Video
	}
	if p.VideoBytes != nil {
		s.VideoBytes = *p.VideoBytes
	}
	if p.Converted != nil {
		s.Converted = *p.Converted
	}
	if p.ConvertedBytes != nil {
		s.ConvertedBytes = *p.ConvertedBytes
	}
	if p.ProtocolRef != nil {
		s.ProtocolRef = *p.ProtocolRef
	}
	if p.BBoxes != nil {
		s.BBoxes = append([]BBox{}, (*p.BBoxes)...)
	}
	if p.Timestamps != nil {
		s.Timestamps = append([]confirm.Entry{}, (*p.Timestamps)...)
	}
	if p.ResultsText != nil {
		s.ResultsText = *p.ResultsText
	}
	if p.Settings != nil {
		s.Settings = *p.Settings
	}
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
