// Package logging is the fire-and-forget analytics/event pipeline for the
// sync engine. Components publish structured events; the router fans them out
// to sinks without ever blocking the caller.
package logging

import (
	"context"
	"time"
)

// EventType names a sync lifecycle event.
type EventType string

// Severity orders events for sink filtering.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one recorded occurrence inside a session.
type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	SessionID string         `json:"sessionId,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	Role      string         `json:"role,omitempty"`
	RoomID    int            `json:"roomId,omitempty"`
	Severity  Severity       `json:"severity"`
	Payload   any            `json:"payload,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// WithExtra attaches one key to the event copy and returns it.
func (e Event) WithExtra(key string, value any) Event {
	if e.Extra == nil {
		e.Extra = make(map[string]any, 1)
	}
	e.Extra[key] = value
	return e
}

// Publisher records events. Implementations must never block the caller and
// must tolerate silent failure; the engine treats the whole pipeline as
// best-effort.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// NopPublisher discards everything.
func NopPublisher() Publisher {
	return nopPublisher{}
}

// WithFields decorates a publisher so every event carries the given extras
// unless the event already set them.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return PublisherFunc(func(ctx context.Context, event Event) {
		cloned := event
		if event.Extra != nil {
			extra := make(map[string]any, len(event.Extra)+len(copied))
			for k, v := range event.Extra {
				extra[k] = v
			}
			cloned.Extra = extra
		}
		for k, v := range copied {
			if cloned.Extra == nil {
				cloned.Extra = make(map[string]any, len(copied))
			}
			if _, exists := cloned.Extra[k]; !exists {
				cloned.Extra[k] = v
			}
		}
		p.Publish(ctx, cloned)
	})
}
