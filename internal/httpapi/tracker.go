package httpapi

import (
	"sync"
	"time"

	"loratune/pkg/types"
)

// Tracker remembers what a training run has reported. It is a progress sink
// for the trainer and the data source of the status endpoints; the trainer
// writes from its goroutine while handlers read from theirs.
type Tracker struct {
	mu        sync.RWMutex
	runID     string
	state     string
	started   time.Time
	events    []types.ProgressEvent
	finalPath string
	err       string
}

func NewTracker(runID string) *Tracker {
	return &Tracker{runID: runID, state: "initializing", started: time.Now().UTC()}
}

func (t *Tracker) Publish(e types.ProgressEvent) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

func (t *Tracker) SetState(s string) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Finish records the outcome of the run.
func (t *Tracker) Finish(finalPath string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.err = err.Error()
		return
	}
	t.finalPath = finalPath
}

func (t *Tracker) Status() types.StatusResponse {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := types.StatusResponse{
		RunID:          t.runID,
		State:          t.state,
		StartedAt:      t.started,
		Events:         len(t.events),
		FinalModelPath: t.finalPath,
		Error:          t.err,
	}
	if n := len(t.events); n > 0 {
		latest := t.events[n-1]
		st.Latest = &latest
	}
	return st
}

// Events returns the events published after the first since.
func (t *Tracker) Events(since int) []types.ProgressEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if since < 0 {
		since = 0
	}
	if since >= len(t.events) {
		return []types.ProgressEvent{}
	}
	return append([]types.ProgressEvent(nil), t.events[since:]...)
}

// Ready is true once the training loop has started and the run has not failed.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state != "initializing" && t.state != "failed"
}
