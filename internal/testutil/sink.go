package testutil

import (
	"sync"

	"github.com/sgrastar/authrim-sub004/internal/model"
)

var _ model.EventSink = (*CaptureSink)(nil)

// CaptureSink records emitted events for assertions.
type CaptureSink struct {
	mu     sync.Mutex
	events []model.Event
}

func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (s *CaptureSink) Emit(event model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything emitted so far.
func (s *CaptureSink) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Kinds returns the emitted event kinds in order.
func (s *CaptureSink) Kinds() []model.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}
