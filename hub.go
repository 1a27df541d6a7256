package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/session"
	"gloomvault/server/logging"
)

const hubWriteWait = 10 * time.Second

// peerConn is the slice of *websocket.Conn the hub needs. Tests substitute a
// recording fake.
type peerConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// subscriber is one connected peer. Writes serialize on the per-subscriber
// mutex so the broadcast loop and direct replies never interleave frames.
type subscriber struct {
	id       string
	conn     peerConn
	mu       sync.Mutex
	joinedAt time.Time
	lastSeen time.Time
}

func (s *subscriber) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wc, ok := s.conn.(*websocket.Conn); ok {
		wc.SetWriteDeadline(time.Now().Add(hubWriteWait))
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// liveSession is the relay-side view of one session: its peers, the chat
// replay buffer for late joiners, and the lock coordinator acting as the
// cross-client arbiter.
type liveSession struct {
	id          string
	subscribers map[string]*subscriber
	replay      *session.ReplayBuffer
	locks       *session.LockCoordinator
}

// Hub owns every live session. It relays envelopes verbatim — no game state —
// except for lock requests, which it arbitrates, and sync requests, which it
// routes to a single authoritative peer to avoid a reply storm.
type Hub struct {
	mu        sync.Mutex
	config    Config
	sessions  map[string]*liveSession
	publisher logging.Publisher
	logger    *log.Logger
	now       func() time.Time
}

// NewHub constructs a hub for the configured sessions.
func NewHub(cfg Config, publisher logging.Publisher, logger *log.Logger) *Hub {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		config:    cfg,
		sessions:  make(map[string]*liveSession),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Config exposes the active relay configuration.
func (h *Hub) Config() Config { return h.config }

// Subscribe attaches a peer to a session and replays the buffered chat
// history to it. The session must be declared in the configuration.
func (h *Hub) Subscribe(sessionID, clientID string, conn peerConn) error {
	if _, ok := h.config.Session(sessionID); !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	now := h.now()

	h.mu.Lock()
	live, ok := h.sessions[sessionID]
	if !ok {
		live = &liveSession{
			id:          sessionID,
			subscribers: make(map[string]*subscriber),
			replay:      session.NewReplayBuffer(h.config.ReplayEntries),
			locks:       session.NewLockCoordinator(),
		}
		h.sessions[sessionID] = live
	}
	if prev, exists := live.subscribers[clientID]; exists {
		prev.conn.Close()
	}
	sub := &subscriber{id: clientID, conn: conn, joinedAt: now, lastSeen: now}
	live.subscribers[clientID] = sub
	history := live.replay.History()
	h.mu.Unlock()

	h.publisher.Publish(context.Background(), logging.ClientJoined(sessionID, clientID))

	for _, msg := range history {
		env := proto.Envelope{
			Ver:       proto.Version,
			Channel:   proto.ChannelChat,
			SessionID: sessionID,
			SenderID:  msg.Role,
			SentAt:    msg.Timestamp.UnixMilli(),
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		env.Payload = payload
		frame, err := proto.EncodeEnvelope(env)
		if err != nil {
			continue
		}
		if err := sub.send(frame); err != nil {
			h.logger.Printf("hub: replay to %s failed: %v", clientID, err)
			break
		}
	}
	return nil
}

// Unsubscribe detaches a peer and closes its connection.
func (h *Hub) Unsubscribe(sessionID, clientID string) {
	h.mu.Lock()
	live, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub, exists := live.subscribers[clientID]
	if exists {
		delete(live.subscribers, clientID)
	}
	h.mu.Unlock()
	if exists {
		sub.conn.Close()
	}
}

// HandleEnvelope routes one inbound frame. Heartbeats refresh liveness, lock
// updates are arbitrated, sync requests go to one peer, everything else fans
// out to every peer except the sender.
func (h *Hub) HandleEnvelope(env proto.Envelope) {
	if !proto.KnownChannel(env.Channel) {
		h.logger.Printf("hub: dropping frame on unknown channel %q", env.Channel)
		return
	}
	h.touch(env.SessionID, env.SenderID)

	switch env.Channel {
	case proto.ChannelHeartbeat:
		return
	case proto.ChannelLockUpdate:
		h.arbitrateLock(env)
	case proto.ChannelSyncRequest:
		h.routeSyncRequest(env)
	case proto.ChannelChat:
		h.bufferChat(env)
		h.fanOut(env)
	default:
		h.fanOut(env)
	}
}

func (h *Hub) touch(sessionID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	live, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if sub, exists := live.subscribers[clientID]; exists {
		sub.lastSeen = h.now()
	}
}

func (h *Hub) bufferChat(env proto.Envelope) {
	var msg session.ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		h.logger.Printf("hub: discarding malformed chat payload: %v", err)
		return
	}
	h.mu.Lock()
	live, ok := h.sessions[env.SessionID]
	h.mu.Unlock()
	if ok {
		live.replay.Append(msg)
	}
}

// fanOut delivers the envelope to every subscriber in the session except the
// sender. Failed writes drop the peer; the heartbeat sweep finishes the job.
func (h *Hub) fanOut(env proto.Envelope) {
	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		h.logger.Printf("hub: encode for fan-out failed: %v", err)
		return
	}
	h.mu.Lock()
	live, ok := h.sessions[env.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(live.subscribers))
	for id, sub := range live.subscribers {
		if id == env.SenderID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if err := sub.send(frame); err != nil {
			h.logger.Printf("hub: write to %s failed: %v", sub.id, err)
		}
	}
}

// arbitrateLock answers a lock request authoritatively using the relay's own
// coordinator and mirrors the request to the other peers so their local views
// follow.
func (h *Hub) arbitrateLock(env proto.Envelope) {
	var req proto.LockRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		h.logger.Printf("hub: discarding malformed lock request: %v", err)
		return
	}
	h.mu.Lock()
	live, ok := h.sessions[env.SessionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	live.locks.SweepExpired()
	var granted bool
	switch req.Action {
	case proto.LockActionAcquire:
		granted = live.locks.Acquire(req.RoomID, req.Role)
	case proto.LockActionRelease:
		granted = live.locks.Release(req.RoomID, req.Role)
	default:
		h.logger.Printf("hub: unknown lock action %q", req.Action)
		return
	}
	holder, _ := live.locks.Holder(req.RoomID)

	result := proto.LockResult{
		RoomID:  req.RoomID,
		Role:    req.Role,
		Action:  req.Action,
		Granted: granted,
		Holder:  holder,
	}
	h.broadcastFromRelay(env.SessionID, proto.ChannelLockResult, result)
	if granted {
		// Mirror the accepted transition so peer coordinators track it.
		h.fanOut(env)
	}
}

// routeSyncRequest forwards a full-sync request to the longest-connected
// other peer instead of everyone; one authoritative answer is enough.
func (h *Hub) routeSyncRequest(env proto.Envelope) {
	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		return
	}
	h.mu.Lock()
	live, ok := h.sessions[env.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	candidates := make([]*subscriber, 0, len(live.subscribers))
	for id, sub := range live.subscribers {
		if id == env.SenderID {
			continue
		}
		candidates = append(candidates, sub)
	}
	h.mu.Unlock()

	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].joinedAt.Before(candidates[j].joinedAt)
	})
	if err := candidates[0].send(frame); err != nil {
		h.logger.Printf("hub: sync request to %s failed: %v", candidates[0].id, err)
	}
}

// broadcastFromRelay emits a relay-authored envelope to every subscriber in
// the session.
func (h *Hub) broadcastFromRelay(sessionID, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("hub: marshal relay payload failed: %v", err)
		return
	}
	env := proto.Envelope{
		Ver:       proto.Version,
		Channel:   channel,
		SessionID: sessionID,
		SenderID:  "relay",
		SentAt:    h.now().UnixMilli(),
		Payload:   data,
	}
	h.fanOut(env)
}

// Run evicts silent peers until stop closes. The sweep interval follows the
// configured heartbeat cadence.
func (h *Hub) Run(stop <-chan struct{}) {
	interval := h.config.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.evictSilent()
		}
	}
}

func (h *Hub) evictSilent() {
	cutoff := h.now().Add(-h.config.EvictAfter.Std())

	type eviction struct {
		sessionID string
		sub       *subscriber
	}
	var evicted []eviction

	h.mu.Lock()
	for sessionID, live := range h.sessions {
		for id, sub := range live.subscribers {
			if sub.lastSeen.Before(cutoff) {
				delete(live.subscribers, id)
				evicted = append(evicted, eviction{sessionID: sessionID, sub: sub})
			}
		}
	}
	h.mu.Unlock()

	for _, ev := range evicted {
		ev.sub.conn.Close()
		h.publisher.Publish(context.Background(), logging.ClientEvicted(ev.sessionID, ev.sub.id))
		h.logger.Printf("hub: evicted silent peer %s from %s", ev.sub.id, ev.sessionID)
	}
}

// SubscriberCount reports the number of live peers in a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	live, ok := h.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(live.subscribers)
}
