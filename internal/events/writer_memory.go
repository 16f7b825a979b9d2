package events

import (
	"context"
	"encoding/json"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// MemoryWriter keeps the events it receives, for tests that assert on emitted events.
type MemoryWriter struct {
	mu     sync.Mutex
	events []cloudevents.Event
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (m *MemoryWriter) Write(_ context.Context, _ string, e cloudevents.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryWriter) Close(_ context.Context) error {
	return nil
}

func (m *MemoryWriter) Events() []cloudevents.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cloudevents.Event{}, m.events...)
}

// TaskKinds returns the kinds of the task events received so far, in order.
func (m *MemoryWriter) TaskKinds() []string {
	kinds := []string{}
	for _, e := range m.Events() {
		if e.Type() != TaskMessageKind {
			continue
		}
		var te TaskEvent
		if err := json.Unmarshal(e.Data(), &te); err == nil {
			kinds = append(kinds, te.Kind)
		}
	}
	return kinds
}

// JobKinds returns the kinds of the job events received so far, in order.
func (m *MemoryWriter) JobKinds() []string {
	kinds := []string{}
	for _, e := range m.Events() {
		if e.Type() != JobMessageKind {
			continue
		}
		var je JobEvent
		if err := json.Unmarshal(e.Data(), &je); err == nil {
			kinds = append(kinds, je.Kind)
		}
	}
	return kinds
}
