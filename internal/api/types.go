package api

import (
	"bibwatch/internal/deps"
	"bibwatch/internal/stage"
	"bibwatch/internal/workflow"
)

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// ComponentHealth mirrors readiness reporting for a daemon component.
type ComponentHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	Version      string             `json:"version,omitempty"`
	Phase        string             `json:"phase"`
	JobID        string             `json:"jobId,omitempty"`
	Progress     int                `json:"progress"`
	Busy         bool               `json:"busy"`
	APIAddress   string             `json:"apiAddress,omitempty"`
	DatabasePath string             `json:"databasePath,omitempty"`
	LockFilePath string             `json:"lockFilePath"`
	Health       []ComponentHealth  `json:"health"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// HealthResponse is the payload of the health endpoint.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// StartJobResponse reports the launched job.
type StartJobResponse struct {
	JobID string           `json:"jobId"`
	Kind  workflow.JobKind `json:"kind"`
	URL   string           `json:"url,omitempty"`
}

// CancelResponse reports what a cancel request did.
type CancelResponse struct {
	Outcome workflow.CancelOutcome `json:"outcome"`
}

// UploadResponse reports a stored video.
type UploadResponse struct {
	File      string `json:"file"`
	SizeBytes int64  `json:"sizeBytes"`
}

// RosterResponse reports a stored roster.
type RosterResponse struct {
	File         string `json:"file"`
	Participants int    `json:"participants"`
}

// ResultsRequest replaces the results text.
type ResultsRequest struct {
	Text string `json:"text"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// FromDependencies converts dependency checks for transport.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, dep := range statuses {
		out = append(out, DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		})
	}
	return out
}

// FromHealth converts component health for transport.
func FromHealth(health []stage.Health) []ComponentHealth {
	out := make([]ComponentHealth, 0, len(health))
	for _, h := range health {
		out = append(out, ComponentHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// Healthy reports whether every component is ready.
func Healthy(components []ComponentHealth) bool {
	for _, c := range components {
		if !c.Ready {
			return false
		}
	}
	return true
}
