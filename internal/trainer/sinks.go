package trainer

import (
	"encoding/json"
	"io"
	"sync"

	"loratune/pkg/types"
)

// ProgressSink receives progress events. Publish must not block for long.
type ProgressSink interface {
	Publish(types.ProgressEvent)
}

type noopSink struct{}

func (noopSink) Publish(types.ProgressEvent) {}

// MemorySink stores events in-memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []types.ProgressEvent
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Publish(e types.ProgressEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *MemorySink) Events() []types.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ProgressEvent, len(s.events))
	copy(out, s.events)
	return out
}

type flusher interface{ Flush() error }

type syncer interface{ Sync() error }

// JSONLinesSink writes one JSON object per line and flushes after each.
type JSONLinesSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLinesSink(w io.Writer) *JSONLinesSink { return &JSONLinesSink{w: w} }

func (s *JSONLinesSink) Publish(e types.ProgressEvent) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(b, '\n'))
	switch f := s.w.(type) {
	case flusher:
		_ = f.Flush()
	case syncer:
		_ = f.Sync()
	}
}

// MultiSink fans events out in order.
type MultiSink []ProgressSink

func (m MultiSink) Publish(e types.ProgressEvent) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}
