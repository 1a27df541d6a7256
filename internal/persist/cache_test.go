package persist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gloomvault/server/internal/session"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func sealedSnapshot() session.Snapshot {
	return session.SealSnapshot(session.Snapshot{
		SchemaVersion:    session.SchemaVersion,
		CreatedAt:        time.Now().UTC(),
		Phase:            session.PhaseInProgress,
		ActiveRoomID:     2,
		TimeRemainingSec: 600,
		Rooms: map[int]session.RoomState{
			1: {Unlocked: true, Completed: true, LeaderReady: true},
			2: {Unlocked: true},
		},
	})
}

func TestCacheSaveLoadRoundTrip(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	snap := sealedSnapshot()

	if err := cache.Save(ctx, "s1", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := cache.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.IntegrityHash != snap.IntegrityHash {
		t.Fatalf("hash lost in round trip: %s vs %s", loaded.IntegrityHash, snap.IntegrityHash)
	}
	if !session.VerifySnapshot(loaded) {
		t.Fatalf("loaded snapshot failed verification")
	}
	if loaded.ActiveRoomID != 2 || !loaded.Rooms[1].Completed {
		t.Fatalf("fields lost in round trip: %+v", loaded)
	}
}

func TestCacheSaveOverwrites(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	first := sealedSnapshot()
	if err := cache.Save(ctx, "s1", first); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := first.Clone()
	second.TimeRemainingSec = 30
	second = session.SealSnapshot(second)
	if err := cache.Save(ctx, "s1", second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	loaded, err := cache.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.TimeRemainingSec != 30 {
		t.Fatalf("stale snapshot survived the overwrite: %+v", loaded)
	}
}

func TestCacheLoadMiss(t *testing.T) {
	cache := openTestCache(t)
	_, err := cache.Load(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCachePrune(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	if err := cache.Save(ctx, "s1", sealedSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A generous age keeps the fresh row.
	kept, err := cache.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if kept != 0 {
		t.Fatalf("fresh row pruned")
	}

	// A negative age puts the cutoff in the future and clears everything.
	pruned, err := cache.Prune(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected one pruned row, got %d", pruned)
	}
	if _, err := cache.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned row still loads: %v", err)
	}
}
