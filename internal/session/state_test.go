package session

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewStoreRequiresRooms(t *testing.T) {
	if _, err := NewStore(nil, nil); !errors.Is(err, ErrEmptyRoomConfig) {
		t.Fatalf("expected ErrEmptyRoomConfig, got %v", err)
	}
}

func TestNewStoreUnlocksLowestRoom(t *testing.T) {
	store, err := NewStore(map[int][]string{3: nil, 1: {"key"}, 2: nil}, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	view := store.CurrentView()
	if !view.Rooms[1].Unlocked || view.Rooms[2].Unlocked || view.Rooms[3].Unlocked {
		t.Fatalf("only the lowest room should start unlocked: %+v", view.Rooms)
	}
	if view.ActiveRoomID != 1 {
		t.Fatalf("active room = %d, want 1", view.ActiveRoomID)
	}
}

func TestLeaderReadyVacuousWithoutRequiredKeys(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: nil}, nil)
	if !store.CurrentView().Rooms[1].LeaderReady {
		t.Fatalf("room with no required keys should be leader-ready immediately")
	}
}

func TestSubmitInputGatesCompletion(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: {"a", "b"}}, nil)

	if err := store.CompleteRoom(1); !errors.Is(err, ErrLeaderNotReady) {
		t.Fatalf("completion without inputs should fail leader-ready: %v", err)
	}
	if err := store.SubmitInput(1, "a", json.RawMessage(`1`), "navigator"); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if store.CurrentView().Rooms[1].LeaderReady {
		t.Fatalf("leader-ready with one of two keys")
	}
	if err := store.SubmitInput(1, "b", json.RawMessage(`2`), "scribe"); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if !store.CurrentView().Rooms[1].LeaderReady {
		t.Fatalf("leader should be ready with all keys present")
	}
	if err := store.CompleteRoom(1); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestSubmitInputErrors(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: {"a"}, 2: {"x"}}, nil)

	if err := store.SubmitInput(9, "a", nil, "r"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("unknown room: %v", err)
	}
	if err := store.SubmitInput(2, "x", nil, "r"); !errors.Is(err, ErrRoomLocked) {
		t.Fatalf("locked room: %v", err)
	}
	if err := store.SubmitInput(1, "nope", nil, "r"); !errors.Is(err, ErrMissingInputKey) {
		t.Fatalf("undeclared key: %v", err)
	}

	if err := store.SubmitInput(1, "a", json.RawMessage(`1`), "r"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := store.CompleteRoom(1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.SubmitInput(1, "a", json.RawMessage(`2`), "r"); !errors.Is(err, ErrRoomCompleted) {
		t.Fatalf("completed room accepted input: %v", err)
	}
}

func TestCompleteRoomProgression(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: nil, 2: nil, 3: nil}, nil)

	if err := store.CompleteRoom(2); !errors.Is(err, ErrRoomLocked) {
		t.Fatalf("locked room completed: %v", err)
	}
	if err := store.CompleteRoom(1); err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if err := store.CompleteRoom(1); !errors.Is(err, ErrRoomCompleted) {
		t.Fatalf("double completion accepted: %v", err)
	}

	view := store.CurrentView()
	if !view.Rooms[2].Unlocked || view.ActiveRoomID != 2 {
		t.Fatalf("next room not unlocked: %+v", view)
	}

	store.CompleteRoom(2)
	store.CompleteRoom(3)
	if store.CurrentView().Phase != PhaseDebrief {
		t.Fatalf("session should debrief after the last room")
	}
}

func TestStoreListeners(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: nil}, nil)

	fired := 0
	id := store.Subscribe(func() { fired++ })
	store.SetTimeRemaining(100)
	if fired != 1 {
		t.Fatalf("listener fired %d times, want 1", fired)
	}
	store.Unsubscribe(id)
	store.SetTimeRemaining(99)
	if fired != 1 {
		t.Fatalf("unsubscribed listener still fired")
	}
}

func TestApplySnapshotReplacesState(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: nil, 2: nil}, nil)

	remote := SealSnapshot(Snapshot{
		SchemaVersion:    SchemaVersion,
		Phase:            PhaseDebrief,
		ActiveRoomID:     2,
		TimeRemainingSec: 5,
		Rooms: map[int]RoomState{
			1: {Unlocked: true, Completed: true, LeaderReady: true},
			2: {Unlocked: true, Completed: true, LeaderReady: true},
		},
	})
	store.ApplySnapshot(remote)

	view := store.CurrentView()
	if view.Phase != PhaseDebrief || view.TimeRemainingSec != 5 {
		t.Fatalf("snapshot not applied: %+v", view)
	}
	if !view.Rooms[2].Completed {
		t.Fatalf("room states not replaced: %+v", view.Rooms)
	}
}

func TestMergePatchFieldsIgnoresUnknownRooms(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: nil}, nil)

	completed := true
	store.MergePatchFields(PatchFields{
		Rooms: map[int]RoomPatch{42: {Completed: &completed}},
	})
	if _, invented := store.CurrentView().Rooms[42]; invented {
		t.Fatalf("merge invented a room")
	}
}

func TestMergePatchFieldsIsIdempotent(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: nil, 2: nil}, nil)

	phase := PhaseInProgress
	secs := 50
	unlocked := true
	fields := PatchFields{
		Phase:            &phase,
		TimeRemainingSec: &secs,
		Rooms:            map[int]RoomPatch{2: {Unlocked: &unlocked}},
	}
	store.MergePatchFields(fields)
	first := store.SnapshotNow()
	store.MergePatchFields(fields)
	second := store.SnapshotNow()
	if first.IntegrityHash != second.IntegrityHash {
		t.Fatalf("double merge changed state: %s vs %s", first.IntegrityHash, second.IntegrityHash)
	}
}

func TestSnapshotDoesNotAliasStoreState(t *testing.T) {
	store, _ := NewStore(map[int][]string{1: {"a"}}, nil)
	store.SubmitInput(1, "a", json.RawMessage(`"v"`), "r")

	snap := store.SnapshotNow()
	room := snap.Rooms[1]
	room.TeamInputs["a"] = InputRecord{Data: json.RawMessage(`"mutated"`)}

	fresh := store.CurrentView()
	if string(fresh.Rooms[1].TeamInputs["a"].Data) != `"v"` {
		t.Fatalf("snapshot mutation leaked into the store")
	}
}
