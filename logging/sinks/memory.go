package sinks

import (
	"context"
	"sync"

	"gloomvault/server/logging"
)

// Memory retains events in order. Intended for tests.
type Memory struct {
	mu     sync.Mutex
	events []logging.Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Write(event logging.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logging.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Reset clears the buffer.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

func (m *Memory) Close(context.Context) error { return nil }
