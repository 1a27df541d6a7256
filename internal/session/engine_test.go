package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/transport"
)

type engineFixture struct {
	engine    *Engine
	stub      *transport.StubTransport
	store     *Store
	telemetry *Telemetry
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := NewStore(map[int][]string{1: {"sigil"}, 2: nil}, nil)
	require.NoError(t, err)

	telemetry := NewTelemetry()
	stub := transport.NewStub(transport.Config{
		SessionID: "test-session",
		ClientID:  "client-1",
		Telemetry: telemetry,
	})
	engine, err := NewEngine(EngineConfig{
		SessionID: "test-session",
		Role:      "navigator",
		Transport: stub,
		Store:     store,
		Telemetry: telemetry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return &engineFixture{engine: engine, stub: stub, store: store, telemetry: telemetry}
}

func (f *engineFixture) inject(t *testing.T, channel, sender string, seq uint64, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.stub.Inject(proto.Envelope{
		Ver:       proto.Version,
		Channel:   channel,
		SessionID: "test-session",
		SenderID:  sender,
		Seq:       seq,
		SentAt:    time.Now().UnixMilli(),
		Payload:   data,
	})
}

func TestEngineSubmitTeamInputUpdatesStoreAndChat(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	err := f.engine.SubmitTeamInput(ctx, 1, "sigil", json.RawMessage(`"raven"`))
	require.NoError(t, err)

	view := f.store.CurrentView()
	require.True(t, view.Rooms[1].LeaderReady, "all required inputs present, leader should be ready")
	require.Contains(t, view.Rooms[1].TeamInputs, "sigil")

	history := f.engine.ChatHistory()
	require.Len(t, history, 1)
	require.Equal(t, ChatKindTeamInput, history[0].Kind)
}

func TestEngineRejectsUnknownInputKey(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.SubmitTeamInput(context.Background(), 1, "bogus", json.RawMessage(`1`))
	require.ErrorIs(t, err, ErrMissingInputKey)
}

func TestEngineCompleteRoomRequiresLeaderLock(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.SubmitTeamInput(ctx, 1, "sigil", json.RawMessage(`"raven"`)))

	err := f.engine.CompleteRoom(ctx, 1)
	require.ErrorIs(t, err, ErrLeaderLockNotHeld)

	require.True(t, f.engine.AcquireLeaderLock(ctx, 1))
	require.NoError(t, f.engine.CompleteRoom(ctx, 1))

	view := f.store.CurrentView()
	require.True(t, view.Rooms[1].Completed)
	require.True(t, view.Rooms[2].Unlocked)

	// The lease releases automatically after completion.
	_, held := f.engine.LockHolder(1)
	require.False(t, held)
}

func TestEngineAppliesRemoteFullSnapshot(t *testing.T) {
	f := newEngineFixture(t)

	remote := SealSnapshot(Snapshot{
		SchemaVersion:    SchemaVersion,
		CreatedAt:        time.Now(),
		Phase:            PhaseInProgress,
		ActiveRoomID:     2,
		TimeRemainingSec: 1200,
		Rooms: map[int]RoomState{
			1: {Unlocked: true, Completed: true, LeaderReady: true},
			2: {Unlocked: true},
		},
	})
	patch := DiffPatch{Kind: PatchFull, Snapshot: &remote, ExpectedHash: remote.IntegrityHash, SentAt: time.Now()}
	f.inject(t, proto.ChannelStatePatch, "peer-2", 1, patch)

	view := f.store.CurrentView()
	require.Equal(t, PhaseInProgress, view.Phase)
	require.Equal(t, 2, view.ActiveRoomID)
	require.True(t, view.Rooms[1].Completed)
	require.EqualValues(t, 1, f.telemetry.Snapshot().FullSnapshotsApplied)
}

func TestEngineDropsStalePatches(t *testing.T) {
	f := newEngineFixture(t)

	remote := SealSnapshot(Snapshot{
		SchemaVersion: SchemaVersion,
		Phase:         PhaseInProgress,
		ActiveRoomID:  1,
		Rooms:         map[int]RoomState{1: {Unlocked: true}},
	})
	patch := DiffPatch{Kind: PatchFull, Snapshot: &remote, SentAt: time.Now()}

	f.inject(t, proto.ChannelStatePatch, "peer-2", 5, patch)
	f.inject(t, proto.ChannelStatePatch, "peer-2", 4, patch)
	f.inject(t, proto.ChannelStatePatch, "peer-2", 5, patch)

	snap := f.telemetry.Snapshot()
	require.EqualValues(t, 2, snap.StaleDropped)
	require.EqualValues(t, 1, snap.FullSnapshotsApplied)
}

func TestEngineReconcilesAfterRepeatedMismatches(t *testing.T) {
	f := newEngineFixture(t)

	corrupt := SealSnapshot(Snapshot{
		SchemaVersion: SchemaVersion,
		Phase:         PhaseInProgress,
		ActiveRoomID:  1,
		Rooms:         map[int]RoomState{1: {Unlocked: true}},
	})
	corrupt.IntegrityHash = "deadbeefdeadbeef"
	patch := DiffPatch{Kind: PatchFull, Snapshot: &corrupt, SentAt: time.Now()}

	f.inject(t, proto.ChannelStatePatch, "peer-2", 1, patch)
	snap := f.telemetry.Snapshot()
	require.EqualValues(t, 1, snap.ChecksumMismatches)
	require.EqualValues(t, 0, snap.ResyncRequests, "one mismatch is below the threshold")

	f.inject(t, proto.ChannelStatePatch, "peer-2", 2, patch)
	snap = f.telemetry.Snapshot()
	require.EqualValues(t, 2, snap.ChecksumMismatches)
	require.EqualValues(t, 1, snap.ResyncRequests, "threshold reached, one auto request expected")

	// More mismatches inside the backoff window stay quiet.
	f.inject(t, proto.ChannelStatePatch, "peer-2", 3, patch)
	f.inject(t, proto.ChannelStatePatch, "peer-2", 4, patch)
	require.EqualValues(t, 1, f.telemetry.Snapshot().ResyncRequests)
}

func TestEngineAnswersSyncRequests(t *testing.T) {
	f := newEngineFixture(t)

	f.inject(t, proto.ChannelSyncRequest, "peer-2", 1, proto.SyncRequestPayload{Reason: proto.SyncReasonJoin})
	require.EqualValues(t, 1, f.telemetry.Snapshot().FullSnapshotsSent)
}

func TestEngineHonorsArbiterDenial(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.True(t, f.engine.AcquireLeaderLock(ctx, 1))
	f.inject(t, proto.ChannelLockResult, "relay", 1, proto.LockResult{
		RoomID:  1,
		Role:    "navigator",
		Action:  proto.LockActionAcquire,
		Granted: false,
		Holder:  "scribe",
	})

	_, held := f.engine.LockHolder(1)
	require.False(t, held, "arbiter denial should clear the optimistic local lease")
}

func TestEngineMirrorsRemoteLockUpdates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.inject(t, proto.ChannelLockUpdate, "peer-2", 1, proto.LockRequest{
		RoomID: 1,
		Role:   "scribe",
		Action: proto.LockActionAcquire,
	})
	require.False(t, f.engine.AcquireLeaderLock(ctx, 1), "room should be held by the remote role")

	f.inject(t, proto.ChannelLockUpdate, "peer-2", 2, proto.LockRequest{
		RoomID: 1,
		Role:   "scribe",
		Action: proto.LockActionRelease,
	})
	require.True(t, f.engine.AcquireLeaderLock(ctx, 1))
}

func TestEngineMergesRemoteChatWithoutDuplicates(t *testing.T) {
	f := newEngineFixture(t)

	msg := NewChatMessage(ChatKindPlayer, "scribe", "found the sigil", time.Now())
	f.inject(t, proto.ChannelChat, "peer-2", 1, msg)
	f.inject(t, proto.ChannelChat, "peer-2", 2, msg)

	history := f.engine.ChatHistory()
	require.Len(t, history, 1)
	require.Equal(t, "found the sigil", history[0].Content)
}

func TestEngineOwnEchoIsSkipped(t *testing.T) {
	f := newEngineFixture(t)

	// SendChat broadcasts through the stub, which mirrors the envelope back
	// tagged with our own sender id; the handler must not append it twice.
	f.engine.SendChat(context.Background(), "hello team")
	require.Len(t, f.engine.ChatHistory(), 1)
}
