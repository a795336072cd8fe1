package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Sink persists audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Record(ctx context.Context, event *Event) error
	Close() error
}

// MultiSink fans events out to every child sink.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

// Record writes to all children and joins their errors.
func (m *MultiSink) Record(ctx context.Context, event *Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps the most recent events in a bounded ring.
type MemorySink struct {
	mu       sync.Mutex
	events   []*Event
	next     int
	full     bool
	capacity int
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemorySink{events: make([]*Event, capacity), capacity: capacity}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Record(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = event
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 returns everything held.
func (m *MemorySink) Recent(limit int) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = m.capacity
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + m.capacity) % m.capacity
		out = append(out, m.events[idx])
	}
	return out
}

// Find returns held events of the given type, oldest first.
func (m *MemorySink) Find(eventType EventType) []*Event {
	all := m.Recent(0)
	slices.Reverse(all)
	var out []*Event
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemorySink) Close() error { return nil }
