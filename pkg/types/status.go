package types

import "time"

// StatusResponse is served by GET /status while a training run is alive.
type StatusResponse struct {
	// Run identifier, also recorded in the artifact.
	// example: 0f8fad5b-d9cb-469f-a165-70867728950e
	RunID string `json:"run_id"`
	// Trainer state.
	// example: running
	State string `json:"state"`
	// When the status server started tracking the run.
	StartedAt time.Time `json:"started_at"`
	// Most recent progress event, if any.
	Latest *ProgressEvent `json:"latest,omitempty"`
	// Number of progress events published so far.
	// example: 12
	Events int `json:"events"`
	// Set once the artifact is written.
	// example: /runs/chat/final_model
	FinalModelPath string `json:"final_model_path,omitempty"`
	// Set when the run failed.
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the JSON body of a non-2xx status endpoint reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
