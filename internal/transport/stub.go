package transport

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"gloomvault/server/internal/net/proto"
)

// StubTransport is the purely local backend: broadcasts re-emit synchronously
// to local subscribers with zero latency, simulating a single-peer session.
// It is both the offline mode and the degraded form of the realtime backend.
type StubTransport struct {
	bus      bus
	cfg      Config
	seq      atomic.Uint64
	throttle patchThrottle
	closed   atomic.Bool
}

// NewStub constructs a local-only adapter.
func NewStub(cfg Config) *StubTransport {
	cfg = cfg.withDefaults()
	return &StubTransport{
		bus: newBus(),
		cfg: cfg,
		throttle: patchThrottle{
			minInterval: cfg.PatchMinInterval,
			now:         cfg.Now,
		},
	}
}

// Broadcast emits an envelope to local subscribers. state_patch traffic is
// rate limited; skipped patches are counted and dropped, never queued.
func (s *StubTransport) Broadcast(channel string, payload any) error {
	if s.closed.Load() {
		return nil
	}
	if channel == proto.ChannelStatePatch && !s.throttle.allow() {
		if s.cfg.Telemetry != nil {
			s.cfg.Telemetry.RecordRateSkip()
		}
		return nil
	}
	env, err := s.envelope(channel, payload)
	if err != nil {
		return err
	}
	s.bus.dispatch(env)
	return nil
}

// Inject delivers an envelope as if it arrived from a remote peer. Tests and
// replay tooling use it to simulate traffic without a relay.
func (s *StubTransport) Inject(env proto.Envelope) {
	if s.closed.Load() {
		return
	}
	s.bus.dispatch(env)
}

func (s *StubTransport) envelope(channel string, payload any) (proto.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	return proto.Envelope{
		Ver:       proto.Version,
		Channel:   channel,
		SessionID: s.cfg.SessionID,
		SenderID:  s.cfg.ClientID,
		Seq:       s.seq.Add(1),
		SentAt:    s.cfg.Now().UnixMilli(),
		Payload:   data,
	}, nil
}

// On subscribes a handler to a channel.
func (s *StubTransport) On(channel string, fn Handler) int {
	return s.bus.on(channel, fn)
}

// Off detaches a handler registered with On.
func (s *StubTransport) Off(channel string, id int) {
	s.bus.off(channel, id)
}

// Mode reports ModeStub.
func (s *StubTransport) Mode() Mode { return ModeStub }

// ClientID reports the local sender id stamped on broadcasts.
func (s *StubTransport) ClientID() string { return s.cfg.ClientID }

// Close makes further broadcasts no-ops.
func (s *StubTransport) Close() error {
	s.closed.Store(true)
	return nil
}
