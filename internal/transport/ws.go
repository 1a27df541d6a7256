package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gloomvault/server/internal/net/proto"
)

// WebsocketTransport bridges the five logical channels onto a relay
// websocket. Outbound broadcasts mirror to local subscribers before touching
// the network so the sender's own UI never waits on a round trip.
type WebsocketTransport struct {
	bus      bus
	cfg      Config
	conn     *websocket.Conn
	writeMu  sync.Mutex
	seq      atomic.Uint64
	throttle patchThrottle
	done     chan struct{}
	once     sync.Once
}

func dialWebsocket(cfg Config) (*WebsocketTransport, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	query := endpoint.Query()
	query.Set("session", cfg.SessionID)
	query.Set("id", cfg.ClientID)
	endpoint.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, _, err := dialer.Dial(endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	t := &WebsocketTransport{
		bus:  newBus(),
		cfg:  cfg,
		conn: conn,
		throttle: patchThrottle{
			minInterval: cfg.PatchMinInterval,
			now:         cfg.Now,
		},
		done: make(chan struct{}),
	}
	go t.readPump()
	go t.heartbeatLoop()

	// A fresh connection knows nothing; ask any authoritative peer for a
	// full snapshot before live patches start making sense.
	if err := t.Broadcast(proto.ChannelSyncRequest, proto.SyncRequestPayload{Reason: proto.SyncReasonJoin}); err != nil {
		t.cfg.Logger.Printf("transport: initial sync request failed: %v", err)
	}
	return t, nil
}

// Broadcast mirrors the envelope locally, then ships it to the relay. A write
// failure is logged and dropped; the session continues on local echo alone.
func (t *WebsocketTransport) Broadcast(channel string, payload any) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	if channel == proto.ChannelStatePatch && !t.throttle.allow() {
		if t.cfg.Telemetry != nil {
			t.cfg.Telemetry.RecordRateSkip()
		}
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	env := proto.Envelope{
		Ver:       proto.Version,
		Channel:   channel,
		SessionID: t.cfg.SessionID,
		SenderID:  t.cfg.ClientID,
		Seq:       t.seq.Add(1),
		SentAt:    t.cfg.Now().UnixMilli(),
		Payload:   data,
	}
	if channel != proto.ChannelHeartbeat {
		t.bus.dispatch(env)
	}

	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	werr := t.conn.WriteMessage(websocket.TextMessage, frame)
	t.writeMu.Unlock()
	if werr != nil {
		t.cfg.Logger.Printf("transport: dropped %s frame: %v", channel, werr)
	}
	return nil
}

func (t *WebsocketTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.cfg.Logger.Printf("transport: relay read failed, continuing local-only: %v", err)
				t.Close()
			}
			return
		}
		env, err := proto.DecodeEnvelope(data)
		if err != nil {
			t.cfg.Logger.Printf("transport: discarding frame: %v", err)
			continue
		}
		// The relay excludes the sender from fan-out, but a guard here keeps
		// a misbehaving relay from double-applying our own echo.
		if env.SenderID == t.cfg.ClientID {
			continue
		}
		t.bus.dispatch(env)
	}
}

func (t *WebsocketTransport) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			payload := proto.HeartbeatPayload{ClientTime: t.cfg.Now().UnixMilli()}
			if err := t.Broadcast(proto.ChannelHeartbeat, payload); err != nil {
				t.cfg.Logger.Printf("transport: heartbeat failed: %v", err)
			}
		}
	}
}

// On subscribes a handler to a channel.
func (t *WebsocketTransport) On(channel string, fn Handler) int {
	return t.bus.on(channel, fn)
}

// Off detaches a handler registered with On.
func (t *WebsocketTransport) Off(channel string, id int) {
	t.bus.off(channel, id)
}

// Mode reports ModeRealtime.
func (t *WebsocketTransport) Mode() Mode { return ModeRealtime }

// ClientID reports the local sender id stamped on broadcasts.
func (t *WebsocketTransport) ClientID() string { return t.cfg.ClientID }

// Close tears the connection down. Safe to call more than once.
func (t *WebsocketTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		t.conn.WriteMessage(websocket.CloseMessage, message)
		t.writeMu.Unlock()
		t.conn.Close()
	})
	return nil
}
