package ipc

import (
	"bibwatch/internal/api"
	"bibwatch/internal/state"
	"bibwatch/internal/workflow"
)

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon and job status information.
type StatusResponse = api.DaemonStatus

// StartJobRequest launches a job.
type StartJobRequest = workflow.JobRequest

// StartJobResponse reports the launched job.
type StartJobResponse = api.StartJobResponse

// CancelJobRequest cancels the active job or upload.
type CancelJobRequest struct{}

// CancelJobResponse reports what the cancel did.
type CancelJobResponse = api.CancelResponse

// StateRequest fetches the current snapshot.
type StateRequest struct{}

// WaitStateRequest long-polls for a snapshot newer than Since.
type WaitStateRequest struct {
	Since          uint64  `json:"since"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// StateResponse carries a snapshot.
type StateResponse struct {
	Snapshot state.Snapshot `json:"snapshot"`
}

// ResetRequest clears media references and results.
type ResetRequest struct {
	ClearEvents bool `json:"clear_events"`
}

// ClearRequest targets the current video or roster.
type ClearRequest struct{}

// ResultsRequest replaces the results text.
type ResultsRequest = api.ResultsRequest

// PathRequest names a local file for the daemon to read.
type PathRequest struct {
	Path string `json:"path"`
}

// UploadResponse reports a stored video.
type UploadResponse = api.UploadResponse

// RosterResponse reports a stored roster.
type RosterResponse = api.RosterResponse
