// Package transport abstracts the real-time channel between session peers.
// Both backends expose the same five logical event channels; the stub backend
// keeps a session fully usable with zero network dependency, and the
// websocket backend degrades to the stub rather than failing the session.
package transport

import (
	"log"
	"sync"
	"time"

	"gloomvault/server/internal/net/proto"
)

// Mode names the backing implementation behind an adapter.
type Mode string

const (
	ModeStub     Mode = "stub"
	ModeRealtime Mode = "realtime"
)

const (
	// DefaultConnectTimeout bounds the websocket handshake before the
	// adapter falls back to stub mode.
	DefaultConnectTimeout = 4 * time.Second
	// DefaultPatchMinInterval is the minimum spacing between state_patch
	// broadcasts; faster patches are dropped, not queued.
	DefaultPatchMinInterval = 300 * time.Millisecond
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
	// heartbeatInterval paces liveness frames to the relay.
	heartbeatInterval = 2 * time.Second
)

// Handler consumes envelopes delivered on a subscribed channel.
type Handler func(env proto.Envelope)

// Telemetry is the slice of the metrics collector the transport feeds.
type Telemetry interface {
	RecordRateSkip()
	RecordTransportFallback()
}

// Adapter is the uniform event surface over either backend. Broadcasts are
// fire-and-forget: network failures are logged and swallowed, never surfaced
// per-call. Every outbound broadcast is mirrored to local subscribers
// immediately, tagged with the sender id so the engine can skip its own echo.
type Adapter interface {
	Broadcast(channel string, payload any) error
	On(channel string, fn Handler) int
	Off(channel string, id int)
	Mode() Mode
	ClientID() string
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// URL of the relay websocket endpoint. Empty selects stub mode.
	URL       string
	SessionID string
	ClientID  string

	ConnectTimeout   time.Duration
	PatchMinInterval time.Duration

	Telemetry Telemetry
	Logger    *log.Logger

	// Now is injectable for throttle tests; defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PatchMinInterval <= 0 {
		c.PatchMinInterval = DefaultPatchMinInterval
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Dial builds an adapter for the config. It never fails: any realtime
// connection problem downgrades to stub mode so multiplayer becomes
// local-only instead of unusable.
func Dial(cfg Config) Adapter {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return NewStub(cfg)
	}
	adapter, err := dialWebsocket(cfg)
	if err != nil {
		cfg.Logger.Printf("transport: realtime connect failed, falling back to stub: %v", err)
		if cfg.Telemetry != nil {
			cfg.Telemetry.RecordTransportFallback()
		}
		return NewStub(cfg)
	}
	return adapter
}

// bus is the shared subscription registry. Handlers run outside the lock so
// they may re-enter the adapter.
type bus struct {
	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
}

func newBus() bus {
	return bus{handlers: make(map[string]map[int]Handler)}
}

func (b *bus) on(channel string, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[int]Handler)
	}
	b.handlers[channel][id] = fn
	return id
}

func (b *bus) off(channel string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[channel], id)
}

func (b *bus) dispatch(env proto.Envelope) {
	b.mu.Lock()
	registered := b.handlers[env.Channel]
	fns := make([]Handler, 0, len(registered))
	for _, fn := range registered {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(env)
		}
	}
}

// patchThrottle enforces the at-most-one-per-interval policy on state_patch
// broadcasts.
type patchThrottle struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	now         func() time.Time
}

func (t *patchThrottle) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.minInterval {
		return false
	}
	t.last = now
	return true
}
