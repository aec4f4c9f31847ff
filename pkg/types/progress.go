package types

import (
	"encoding/json"
	"math"
	"strings"
)

// FinalModelPathPrefix starts the last stdout line of a successful training run.
const FinalModelPathPrefix = "FINAL_MODEL_PATH:"

// ProgressEvent is one line of training progress.
type ProgressEvent struct {
	// Percent complete, 0..100. 100 appears only on the terminal event.
	// example: 42
	Progress int `json:"progress"`
	// Whole epochs completed.
	// example: 1
	CurrentEpoch int `json:"currentEpoch"`
	// Mean loss since the previous event, rounded to 4 decimals.
	// example: 2.3126
	Loss float64 `json:"loss"`
	// Human-readable status.
	// example: Epoch 1 in progress...
	Status string `json:"status"`
}

// MarshalJSON writes a non-finite loss as null; JSON has no NaN or Inf.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	type plain ProgressEvent
	if !math.IsNaN(e.Loss) && !math.IsInf(e.Loss, 0) {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		Progress     int      `json:"progress"`
		CurrentEpoch int      `json:"currentEpoch"`
		Loss         *float64 `json:"loss"`
		Status       string   `json:"status"`
	}{e.Progress, e.CurrentEpoch, nil, e.Status})
}

// RoundLoss rounds to 4 decimal places.
func RoundLoss(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return math.Round(v*1e4) / 1e4
}

// ParseFinalModelPath extracts the path from a FINAL_MODEL_PATH line.
func ParseFinalModelPath(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, FinalModelPathPrefix) {
		return "", false
	}
	p := strings.TrimPrefix(line, FinalModelPathPrefix)
	return p, p != ""
}
