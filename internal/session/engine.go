package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/transport"
	"gloomvault/server/logging"
)

// ErrLeaderLockNotHeld reports a CompleteRoom call without the leader lease.
var ErrLeaderLockNotHeld = errors.New("leader lock not held for room")

const (
	// DefaultFullSyncInterval paces unsolicited full-snapshot broadcasts. The
	// periodic full heals any patch the rate limiter dropped.
	DefaultFullSyncInterval = 15 * time.Second
)

// SnapshotCache persists the latest sealed snapshot per session so a restarted
// client can warm-start instead of waiting for a full sync.
type SnapshotCache interface {
	Save(ctx context.Context, sessionID string, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, error)
}

// EngineConfig wires an engine to its collaborators. Transport and Store are
// required; everything else has a working default.
type EngineConfig struct {
	SessionID string
	// Role is this client's team role; it doubles as the lock-holder identity.
	Role string

	Transport transport.Adapter
	Store     *Store

	Telemetry *Telemetry
	Publisher logging.Publisher
	Cache     SnapshotCache
	Logger    *log.Logger

	FullSyncInterval time.Duration
	Now              func() time.Time
}

// Engine is the per-client sync façade: it owns the outbound diff stream,
// applies inbound traffic to the store, and runs the reconciliation and
// leader-lock machinery. All exported methods are safe for concurrent use.
type Engine struct {
	cfg       EngineConfig
	store     *Store
	differ    *Differ
	policy    *ReconcilePolicy
	locks     *LockCoordinator
	telemetry *Telemetry
	transport transport.Adapter
	publisher logging.Publisher
	cache     SnapshotCache
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	shared   Snapshot
	lastSeq  map[string]uint64
	seenChat map[string]struct{}
	subs     []subscription

	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	channel string
	id      int
}

// NewEngine builds and starts an engine: handlers attach to the transport, a
// cached snapshot (if any) warm-starts the store, and the background tickers
// begin. Close releases everything.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("engine requires a transport adapter")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = NewTelemetry()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.FullSyncInterval <= 0 {
		cfg.FullSyncInterval = DefaultFullSyncInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		store:     cfg.Store,
		differ:    NewDiffer(cfg.Telemetry),
		policy:    NewReconcilePolicy(),
		locks:     NewLockCoordinator(),
		telemetry: cfg.Telemetry,
		transport: cfg.Transport,
		publisher: cfg.Publisher,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		now:       cfg.Now,
		lastSeq:   make(map[string]uint64),
		seenChat:  make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	e.warmStart()
	e.subscribe()
	go e.runTickers()
	return e, nil
}

func (e *Engine) warmStart() {
	if e.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := e.cache.Load(ctx, e.cfg.SessionID)
	if err != nil {
		return
	}
	if !VerifySnapshot(snap) {
		e.logger.Printf("engine: discarding corrupt cached snapshot for %s", e.cfg.SessionID)
		return
	}
	migrated, _ := MigrateSnapshot(snap)
	e.store.ApplySnapshot(migrated)
	e.mu.Lock()
	e.shared = migrated
	for _, msg := range migrated.RecentChat {
		e.seenChat[msg.ID] = struct{}{}
	}
	e.mu.Unlock()
	e.differ.ForceFull()
}

func (e *Engine) subscribe() {
	handlers := map[string]transport.Handler{
		proto.ChannelChat:          e.onChat,
		proto.ChannelTeamInput:     e.onTeamInput,
		proto.ChannelRoomCompleted: e.onRoomCompleted,
		proto.ChannelStatePatch:    e.onStatePatch,
		proto.ChannelLockUpdate:    e.onLockUpdate,
		proto.ChannelLockResult:    e.onLockResult,
		proto.ChannelSyncRequest:   e.onSyncRequest,
	}
	for channel, fn := range handlers {
		id := e.transport.On(channel, fn)
		e.subs = append(e.subs, subscription{channel: channel, id: id})
	}
}

func (e *Engine) runTickers() {
	fullSync := time.NewTicker(e.cfg.FullSyncInterval)
	sweep := time.NewTicker(lockSweepInterval)
	defer fullSync.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-fullSync.C:
			e.broadcastFull(context.Background())
		case <-sweep.C:
			e.sweepLocks(context.Background())
		}
	}
}

func (e *Engine) sweepLocks(ctx context.Context) {
	for _, lease := range e.locks.SweepExpired() {
		e.publisher.Publish(ctx, logging.LockExpired(e.cfg.SessionID, lease.RoomID, lease.Holder))
	}
}

// SendChat appends a chat message locally and broadcasts it. The message is
// returned so the caller's UI can echo it immediately.
func (e *Engine) SendChat(ctx context.Context, content string) ChatMessage {
	msg := NewChatMessage(ChatKindPlayer, e.cfg.Role, content, e.now())
	e.markSeen(msg.ID)
	e.store.Chat().Append(msg)
	if err := e.transport.Broadcast(proto.ChannelChat, msg); err != nil {
		e.logger.Printf("engine: chat broadcast failed: %v", err)
	}
	return msg
}

// SubmitTeamInput records a puzzle input, mirrors it into the chat history,
// and broadcasts both the input and the resulting state change.
func (e *Engine) SubmitTeamInput(ctx context.Context, roomID int, key string, data json.RawMessage) error {
	if err := e.store.SubmitInput(roomID, key, data, e.cfg.Role); err != nil {
		return err
	}
	entry := NewChatMessage(ChatKindTeamInput, e.cfg.Role, "provided "+key, e.now())
	e.markSeen(entry.ID)
	e.store.Chat().Append(entry)

	payload := proto.TeamInputPayload{RoomID: roomID, Key: key, Data: data, Role: e.cfg.Role}
	if err := e.transport.Broadcast(proto.ChannelTeamInput, payload); err != nil {
		e.logger.Printf("engine: team input broadcast failed: %v", err)
	}
	if err := e.transport.Broadcast(proto.ChannelChat, entry); err != nil {
		e.logger.Printf("engine: chat broadcast failed: %v", err)
	}
	e.broadcastState(ctx)
	return nil
}

// AcquireLeaderLock takes the leader lease for a room in the local view and
// announces it. In realtime mode the relay arbitrates; an overruling denial
// arrives later on the lock result channel.
func (e *Engine) AcquireLeaderLock(ctx context.Context, roomID int) bool {
	e.sweepLocks(ctx)
	granted := e.locks.Acquire(roomID, e.cfg.Role)
	if !granted {
		holder, _ := e.locks.Holder(roomID)
		e.publisher.Publish(ctx, logging.LockDenied(e.cfg.SessionID, e.cfg.Role, roomID, holder))
		return false
	}
	e.publisher.Publish(ctx, logging.LockAcquired(e.cfg.SessionID, e.cfg.Role, roomID))
	req := proto.LockRequest{RoomID: roomID, Role: e.cfg.Role, Action: proto.LockActionAcquire}
	if err := e.transport.Broadcast(proto.ChannelLockUpdate, req); err != nil {
		e.logger.Printf("engine: lock update broadcast failed: %v", err)
	}
	return true
}

// ReleaseLeaderLock gives the lease back. Only the holder may release.
func (e *Engine) ReleaseLeaderLock(ctx context.Context, roomID int) bool {
	if !e.locks.Release(roomID, e.cfg.Role) {
		return false
	}
	e.publisher.Publish(ctx, logging.LockReleased(e.cfg.SessionID, e.cfg.Role, roomID))
	req := proto.LockRequest{RoomID: roomID, Role: e.cfg.Role, Action: proto.LockActionRelease}
	if err := e.transport.Broadcast(proto.ChannelLockUpdate, req); err != nil {
		e.logger.Printf("engine: lock update broadcast failed: %v", err)
	}
	return true
}

// CompleteRoom finalizes a room. The caller must hold the room's leader lease;
// the lease is released automatically on success.
func (e *Engine) CompleteRoom(ctx context.Context, roomID int) error {
	if holder, held := e.locks.Holder(roomID); !held || holder != e.cfg.Role {
		return ErrLeaderLockNotHeld
	}
	if err := e.store.CompleteRoom(roomID); err != nil {
		return err
	}
	e.publisher.Publish(ctx, logging.RoomCompleted(e.cfg.SessionID, e.cfg.Role, roomID))

	note := NewChatMessage(ChatKindSystem, e.cfg.Role, "room completed", e.now())
	e.markSeen(note.ID)
	e.store.Chat().Append(note)

	payload := proto.RoomCompletedPayload{RoomID: roomID, Role: e.cfg.Role}
	if err := e.transport.Broadcast(proto.ChannelRoomCompleted, payload); err != nil {
		e.logger.Printf("engine: room completed broadcast failed: %v", err)
	}
	if err := e.transport.Broadcast(proto.ChannelChat, note); err != nil {
		e.logger.Printf("engine: chat broadcast failed: %v", err)
	}
	e.broadcastState(ctx)
	e.ReleaseLeaderLock(ctx, roomID)
	return nil
}

// SetPhase transitions the session lifecycle and syncs the change.
func (e *Engine) SetPhase(ctx context.Context, phase Phase) {
	e.store.SetPhase(phase)
	e.broadcastState(ctx)
}

// SetTimeRemaining updates the countdown and syncs the change.
func (e *Engine) SetTimeRemaining(ctx context.Context, seconds int) {
	e.store.SetTimeRemaining(seconds)
	e.broadcastState(ctx)
}

// SnapshotNow seals a snapshot of the current local state.
func (e *Engine) SnapshotNow() Snapshot {
	return e.store.SnapshotNow()
}

// ChatHistory returns the buffered chat log for UI replay.
func (e *Engine) ChatHistory() []ChatMessage {
	return e.store.Chat().History()
}

// LockHolder reports the current leader lease holder for a room.
func (e *Engine) LockHolder(roomID int) (string, bool) {
	return e.locks.Holder(roomID)
}

// TelemetrySnapshot merges the sync counters with the lock statistics.
func (e *Engine) TelemetrySnapshot() TelemetrySnapshot {
	snap := e.telemetry.Snapshot()
	snap.Lock = e.locks.Stats()
	return snap
}

// TransportMode reports whether the session runs realtime or stub.
func (e *Engine) TransportMode() transport.Mode {
	return e.transport.Mode()
}

// Close detaches handlers, stops the tickers, and closes the transport.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		for _, sub := range e.subs {
			e.transport.Off(sub.channel, sub.id)
		}
	})
	return e.transport.Close()
}

// broadcastState ships the state delta since the last broadcast. When
// cumulative patch traffic has outgrown a full snapshot, a full is sent
// instead and the window restarts.
func (e *Engine) broadcastState(ctx context.Context) {
	snap := e.store.SnapshotNow()
	patch := e.differ.BuildPatch(snap)
	if patch == nil {
		return
	}
	if patch.Kind == PatchPartial && e.differ.ConsumeResyncHint() {
		e.publisher.Publish(ctx, logging.PatchOverrun(e.cfg.SessionID, e.transport.ClientID()))
		patch = e.differ.BuildFull(snap)
	}
	e.setShared(snap)
	if err := e.transport.Broadcast(proto.ChannelStatePatch, patch); err != nil {
		e.logger.Printf("engine: state patch broadcast failed: %v", err)
	}
	if patch.Kind == PatchFull {
		e.saveToCache(ctx, snap)
	}
}

func (e *Engine) broadcastFull(ctx context.Context) {
	snap := e.store.SnapshotNow()
	patch := e.differ.BuildFull(snap)
	e.setShared(snap)
	if err := e.transport.Broadcast(proto.ChannelStatePatch, patch); err != nil {
		e.logger.Printf("engine: full snapshot broadcast failed: %v", err)
	}
	e.saveToCache(ctx, snap)
}

func (e *Engine) saveToCache(ctx context.Context, snap Snapshot) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Save(ctx, e.cfg.SessionID, snap); err != nil {
		e.logger.Printf("engine: snapshot cache save failed: %v", err)
	}
}

func (e *Engine) setShared(snap Snapshot) {
	e.mu.Lock()
	e.shared = snap
	e.mu.Unlock()
}

func (e *Engine) sharedView() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shared.Clone()
}

func (e *Engine) markSeen(id string) {
	e.mu.Lock()
	e.seenChat[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) appendChatIfNew(msg ChatMessage) {
	e.mu.Lock()
	if _, seen := e.seenChat[msg.ID]; seen {
		e.mu.Unlock()
		return
	}
	e.seenChat[msg.ID] = struct{}{}
	e.mu.Unlock()
	e.store.Chat().Append(msg)
}

// isStale registers the sender's sequence number and reports whether the
// envelope arrived out of order. Stale state patches are dropped outright;
// the next in-order patch or periodic full supersedes them anyway.
func (e *Engine) isStale(sender string, seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastSeq[sender]; ok && seq <= last {
		return true
	}
	e.lastSeq[sender] = seq
	return false
}

func (e *Engine) isOwn(env proto.Envelope) bool {
	return env.SenderID == e.transport.ClientID()
}

func (e *Engine) onChat(env proto.Envelope) {
	if e.isOwn(env) {
		return
	}
	var msg ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		e.logger.Printf("engine: discarding chat payload: %v", err)
		return
	}
	e.appendChatIfNew(msg)
}

func (e *Engine) onTeamInput(env proto.Envelope) {
	if e.isOwn(env) {
		return
	}
	var payload proto.TeamInputPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		e.logger.Printf("engine: discarding team input payload: %v", err)
		return
	}
	if err := e.store.SubmitInput(payload.RoomID, payload.Key, payload.Data, payload.Role); err != nil {
		// A rejected remote input means the peer's view has drifted from
		// ours; the checksum machinery will catch it on the next patch.
		e.logger.Printf("engine: remote input rejected: %v", err)
	}
}

func (e *Engine) onRoomCompleted(env proto.Envelope) {
	if e.isOwn(env) {
		return
	}
	var payload proto.RoomCompletedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		e.logger.Printf("engine: discarding room completed payload: %v", err)
		return
	}
	if err := e.store.CompleteRoom(payload.RoomID); err != nil {
		e.logger.Printf("engine: remote completion rejected: %v", err)
		return
	}
	ctx := context.Background()
	e.publisher.Publish(ctx, logging.RoomCompleted(e.cfg.SessionID, payload.Role, payload.RoomID))
}

func (e *Engine) onLockUpdate(env proto.Envelope) {
	if e.isOwn(env) {
		return
	}
	var req proto.LockRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		e.logger.Printf("engine: discarding lock update payload: %v", err)
		return
	}
	switch req.Action {
	case proto.LockActionAcquire:
		if !e.locks.Acquire(req.RoomID, req.Role) {
			holder, _ := e.locks.Holder(req.RoomID)
			e.logger.Printf("engine: lock view conflict on room %d: %s vs %s", req.RoomID, req.Role, holder)
		}
	case proto.LockActionRelease:
		e.locks.Release(req.RoomID, req.Role)
	}
}

func (e *Engine) onLockResult(env proto.Envelope) {
	var result proto.LockResult
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		e.logger.Printf("engine: discarding lock result payload: %v", err)
		return
	}
	if result.Role != e.cfg.Role {
		return
	}
	if result.Action == proto.LockActionAcquire && !result.Granted {
		// The arbiter overruled our optimistic local grant.
		e.locks.Release(result.RoomID, e.cfg.Role)
		e.publisher.Publish(context.Background(),
			logging.LockDenied(e.cfg.SessionID, e.cfg.Role, result.RoomID, result.Holder))
	}
}

func (e *Engine) onSyncRequest(env proto.Envelope) {
	if e.isOwn(env) {
		return
	}
	e.broadcastFull(context.Background())
}

func (e *Engine) onStatePatch(env proto.Envelope) {
	if e.isOwn(env) {
		return
	}
	if e.isStale(env.SenderID, env.Seq) {
		e.telemetry.RecordStaleDropped()
		return
	}
	var patch DiffPatch
	if err := json.Unmarshal(env.Payload, &patch); err != nil {
		e.logger.Printf("engine: discarding state patch payload: %v", err)
		return
	}
	ctx := context.Background()
	switch patch.Kind {
	case PatchFull:
		if patch.Snapshot == nil {
			return
		}
		e.applyRemoteFull(ctx, *patch.Snapshot, env.SenderID)
	case PatchPartial:
		e.applyRemotePartial(ctx, patch, env.SenderID)
	}
}

func (e *Engine) applyRemoteFull(ctx context.Context, snap Snapshot, from string) {
	if !VerifySnapshot(snap) {
		e.noteMismatch(ctx, from)
		return
	}
	if snap.SchemaVersion != SchemaVersion {
		e.telemetry.RecordSchemaSkew()
		e.publisher.Publish(ctx, logging.SchemaSkew(e.cfg.SessionID, from, snap.SchemaVersion))
	}
	migrated, _ := MigrateSnapshot(snap)
	e.store.ApplySnapshot(migrated)
	e.setShared(migrated)
	for _, msg := range migrated.RecentChat {
		e.appendChatIfNew(msg)
	}
	e.differ.ForceFull()
	e.policy.NoteFullSnapshotApplied()
	e.telemetry.RecordFullApplied()
	e.publisher.Publish(ctx, logging.FullSnapshotApplied(e.cfg.SessionID, e.transport.ClientID(), from))
	e.saveToCache(ctx, migrated)
}

func (e *Engine) applyRemotePartial(ctx context.Context, patch DiffPatch, from string) {
	merged := ApplyPatch(e.sharedView(), patch)
	if patch.ExpectedHash != "" && merged.IntegrityHash != patch.ExpectedHash {
		e.noteMismatch(ctx, from)
	}
	// Merge optimistically even on a mismatch: last-write-wins keeps the
	// session moving while reconciliation converges the views.
	e.store.MergePatchFields(patch.Fields)
	e.setShared(merged)
	for _, msg := range patch.Fields.RecentChat {
		e.appendChatIfNew(msg)
	}
	e.telemetry.RecordPatchApplied()
}

func (e *Engine) noteMismatch(ctx context.Context, from string) {
	e.telemetry.RecordChecksumMismatch(e.now().UnixMilli())
	e.policy.NoteMismatch()
	count, _ := e.policy.Mismatches()
	e.publisher.Publish(ctx, logging.ChecksumMismatch(e.cfg.SessionID, e.transport.ClientID(), count))
	e.maybeRequestResync(ctx, proto.SyncReasonChecksumDrift)
}

func (e *Engine) maybeRequestResync(ctx context.Context, reason string) {
	if !e.policy.ShouldRequestFullSync() {
		return
	}
	e.policy.NoteAutoRequestPerformed()
	e.telemetry.RecordResyncRequest()
	e.publisher.Publish(ctx, logging.ResyncRequested(e.cfg.SessionID, e.transport.ClientID(), reason))
	payload := proto.SyncRequestPayload{Reason: reason}
	if err := e.transport.Broadcast(proto.ChannelSyncRequest, payload); err != nil {
		e.logger.Printf("engine: sync request broadcast failed: %v", err)
	}
}
