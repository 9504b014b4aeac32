// Package audit delivers theft-detection and revocation events to the
// notification sink as fire-and-forget messages.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
)

const eventsTable = "audit_events"

var _ model.EventSink = (*Sink)(nil)

// Sink buffers events and persists them to cold storage on a consumer
// goroutine. Emit never blocks; events are dropped (and counted) when the
// buffer is full, since audit delivery must not back-pressure the hot path.
type Sink struct {
	cold model.ColdStore
	log  *logger.Logger

	events chan model.Event
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	dropped int64
}

// NewSink starts the consumer. cold may be nil, in which case events are
// only logged.
func NewSink(cold model.ColdStore, log *logger.Logger, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		cold:   cold,
		log:    log,
		events: make(chan model.Event, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.consume()
	return s
}

// Emit queues one event without blocking.
func (s *Sink) Emit(event model.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.log.Warn("audit buffer full, event dropped", "kind", event.Kind, "dropped_total", n)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains queued events and stops the consumer.
func (s *Sink) Close() {
	close(s.stop)
	<-s.done
}

func (s *Sink) consume() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.deliver(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.events:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) deliver(ev model.Event) {
	s.log.Info("audit event", "kind", ev.Kind, "subject", ev.Subject)
	if s.cold == nil {
		return
	}
	row, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("failed to encode audit event", "kind", ev.Kind, "error", err)
		return
	}
	key := fmt.Sprintf("%d_%s", ev.OccurredAt.UnixNano(), uuid.NewString())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cold.Write(ctx, eventsTable, key, row); err != nil {
		s.log.Error("failed to persist audit event", "kind", ev.Kind, "error", err)
	}
}
