package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/session"
)

// fakeConn records frames written to one subscriber.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []proto.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	envs := make([]proto.Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		env, err := proto.DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("recorded frame does not decode: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(DefaultConfig(), nil, nil)
	return hub
}

func chatEnvelope(sender, content string, seq uint64) proto.Envelope {
	msg := session.NewChatMessage(session.ChatKindPlayer, sender, content, time.Now())
	payload, _ := json.Marshal(msg)
	return proto.Envelope{
		Ver:       proto.Version,
		Channel:   proto.ChannelChat,
		SessionID: "demo",
		SenderID:  sender,
		Seq:       seq,
		SentAt:    time.Now().UnixMilli(),
		Payload:   payload,
	}
}

func TestHubFanOutExcludesSender(t *testing.T) {
	hub := newTestHub(t)
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	for id, conn := range map[string]*fakeConn{"a": a, "b": b, "c": c} {
		if err := hub.Subscribe("demo", id, conn); err != nil {
			t.Fatalf("subscribe %s: %v", id, err)
		}
	}

	hub.HandleEnvelope(chatEnvelope("a", "hello", 1))

	if got := len(a.envelopes(t)); got != 0 {
		t.Fatalf("sender received its own frame back: %d frames", got)
	}
	for name, conn := range map[string]*fakeConn{"b": b, "c": c} {
		envs := conn.envelopes(t)
		if len(envs) != 1 {
			t.Fatalf("peer %s got %d frames, want 1", name, len(envs))
		}
		if envs[0].SenderID != "a" {
			t.Fatalf("peer %s saw wrong sender: %s", name, envs[0].SenderID)
		}
	}
}

func TestHubRejectsUnknownSession(t *testing.T) {
	hub := newTestHub(t)
	if err := hub.Subscribe("nope", "a", &fakeConn{}); err == nil {
		t.Fatalf("subscribe to an undeclared session succeeded")
	}
}

func TestHubDropsUnknownChannels(t *testing.T) {
	hub := newTestHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	hub.Subscribe("demo", "a", a)
	hub.Subscribe("demo", "b", b)

	env := chatEnvelope("a", "x", 1)
	env.Channel = "teleport"
	hub.HandleEnvelope(env)

	if len(b.envelopes(t)) != 0 {
		t.Fatalf("unknown channel was relayed")
	}
}

func TestHubReplaysChatToLateJoiner(t *testing.T) {
	hub := newTestHub(t)
	a := &fakeConn{}
	hub.Subscribe("demo", "a", a)

	hub.HandleEnvelope(chatEnvelope("a", "first", 1))
	hub.HandleEnvelope(chatEnvelope("a", "second", 2))

	late := &fakeConn{}
	hub.Subscribe("demo", "late", late)

	envs := late.envelopes(t)
	if len(envs) != 2 {
		t.Fatalf("late joiner got %d replayed frames, want 2", len(envs))
	}
	var first session.ChatMessage
	if err := json.Unmarshal(envs[0].Payload, &first); err != nil {
		t.Fatalf("replayed payload: %v", err)
	}
	if first.Content != "first" {
		t.Fatalf("replay out of order: %s", first.Content)
	}
}

func lockEnvelope(sender string, roomID int, action string, seq uint64) proto.Envelope {
	payload, _ := json.Marshal(proto.LockRequest{RoomID: roomID, Role: sender, Action: action})
	return proto.Envelope{
		Ver:       proto.Version,
		Channel:   proto.ChannelLockUpdate,
		SessionID: "demo",
		SenderID:  sender,
		Seq:       seq,
		SentAt:    time.Now().UnixMilli(),
		Payload:   payload,
	}
}

func lockResults(t *testing.T, conn *fakeConn) []proto.LockResult {
	t.Helper()
	var results []proto.LockResult
	for _, env := range conn.envelopes(t) {
		if env.Channel != proto.ChannelLockResult {
			continue
		}
		var result proto.LockResult
		if err := json.Unmarshal(env.Payload, &result); err != nil {
			t.Fatalf("lock result payload: %v", err)
		}
		results = append(results, result)
	}
	return results
}

func TestHubArbitratesLocks(t *testing.T) {
	hub := newTestHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	hub.Subscribe("demo", "a", a)
	hub.Subscribe("demo", "b", b)

	hub.HandleEnvelope(lockEnvelope("a", 1, proto.LockActionAcquire, 1))
	hub.HandleEnvelope(lockEnvelope("b", 1, proto.LockActionAcquire, 1))

	// Both peers see both verdicts; the relay broadcasts results to everyone.
	resultsAtB := lockResults(t, b)
	if len(resultsAtB) != 2 {
		t.Fatalf("peer b saw %d lock results, want 2", len(resultsAtB))
	}
	if !resultsAtB[0].Granted || resultsAtB[0].Role != "a" {
		t.Fatalf("first acquire should be granted to a: %+v", resultsAtB[0])
	}
	if resultsAtB[1].Granted || resultsAtB[1].Holder != "a" {
		t.Fatalf("contended acquire should be denied with holder a: %+v", resultsAtB[1])
	}
}

func TestHubMirrorsGrantedLockUpdates(t *testing.T) {
	hub := newTestHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	hub.Subscribe("demo", "a", a)
	hub.Subscribe("demo", "b", b)

	hub.HandleEnvelope(lockEnvelope("a", 1, proto.LockActionAcquire, 1))

	sawUpdate := false
	for _, env := range b.envelopes(t) {
		if env.Channel == proto.ChannelLockUpdate && env.SenderID == "a" {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Fatalf("granted lock update was not mirrored to peers")
	}
}

func TestHubRoutesSyncRequestToOldestPeer(t *testing.T) {
	hub := newTestHub(t)
	oldest, middle, requester := &fakeConn{}, &fakeConn{}, &fakeConn{}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)}
	idx := 0
	hub.now = func() time.Time { t := times[idx]; idx++; return t }

	hub.Subscribe("demo", "oldest", oldest)
	hub.Subscribe("demo", "middle", middle)
	hub.Subscribe("demo", "requester", requester)
	hub.now = time.Now

	payload, _ := json.Marshal(proto.SyncRequestPayload{Reason: proto.SyncReasonJoin})
	hub.HandleEnvelope(proto.Envelope{
		Ver:       proto.Version,
		Channel:   proto.ChannelSyncRequest,
		SessionID: "demo",
		SenderID:  "requester",
		Seq:       1,
		SentAt:    time.Now().UnixMilli(),
		Payload:   payload,
	})

	if got := len(oldest.envelopes(t)); got != 1 {
		t.Fatalf("oldest peer got %d frames, want exactly the sync request", got)
	}
	if got := len(middle.envelopes(t)); got != 0 {
		t.Fatalf("sync request fanned out beyond one peer: middle got %d", got)
	}
	if got := len(requester.envelopes(t)); got != 0 {
		t.Fatalf("requester received its own sync request: %d", got)
	}
}

func TestHubEvictsSilentPeers(t *testing.T) {
	hub := newTestHub(t)
	quiet, chatty := &fakeConn{}, &fakeConn{}
	hub.Subscribe("demo", "quiet", quiet)
	hub.Subscribe("demo", "chatty", chatty)

	later := time.Now().Add(time.Minute)
	hub.now = func() time.Time { return later }

	// Only chatty heartbeats after the clock jump.
	hub.HandleEnvelope(proto.Envelope{
		Ver:       proto.Version,
		Channel:   proto.ChannelHeartbeat,
		SessionID: "demo",
		SenderID:  "chatty",
	})
	hub.evictSilent()

	if !quiet.isClosed() {
		t.Fatalf("silent peer survived eviction")
	}
	if chatty.isClosed() {
		t.Fatalf("live peer was evicted")
	}
	if count := hub.SubscriberCount("demo"); count != 1 {
		t.Fatalf("subscriber count = %d, want 1", count)
	}
}

func TestHubHeartbeatIsNotRelayed(t *testing.T) {
	hub := newTestHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	hub.Subscribe("demo", "a", a)
	hub.Subscribe("demo", "b", b)

	hub.HandleEnvelope(proto.Envelope{
		Ver:       proto.Version,
		Channel:   proto.ChannelHeartbeat,
		SessionID: "demo",
		SenderID:  "a",
	})
	if got := len(b.envelopes(t)); got != 0 {
		t.Fatalf("heartbeat reached a peer: %d frames", got)
	}
}
