package session

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// PatchKind identifies the type of diff entry.
type PatchKind string

const (
	// PatchFull carries a whole snapshot and establishes a new baseline.
	PatchFull PatchKind = "full"
	// PatchPartial carries only the top-level fields that changed since the
	// last patch was built.
	PatchPartial PatchKind = "partial"
)

// RoomPatch is a shallow per-room merge. Nil pointers mean "unchanged";
// TeamInputs carries only new or rewritten keys.
type RoomPatch struct {
	Unlocked    *bool                  `json:"unlocked,omitempty"`
	Completed   *bool                  `json:"completed,omitempty"`
	LeaderReady *bool                  `json:"leaderReady,omitempty"`
	TeamInputs  map[string]InputRecord `json:"teamInputs,omitempty"`
}

// PatchFields is the partial-snapshot payload. Scalar fields use pointers so
// absence and zero values stay distinguishable on the wire.
type PatchFields struct {
	Phase            *Phase            `json:"phase,omitempty"`
	ActiveRoomID     *int              `json:"activeRoomId,omitempty"`
	TimeRemainingSec *int              `json:"timeRemainingSec,omitempty"`
	Rooms            map[int]RoomPatch `json:"rooms,omitempty"`
	RecentChat       []ChatMessage     `json:"recentChat,omitempty"`
}

func (f PatchFields) empty() bool {
	return f.Phase == nil && f.ActiveRoomID == nil && f.TimeRemainingSec == nil &&
		len(f.Rooms) == 0 && f.RecentChat == nil
}

// DiffPatch is the unit of state traffic between peers. ExpectedHash is the
// integrity hash of the sender's post-patch snapshot; a receiver whose merged
// result hashes differently has drifted.
type DiffPatch struct {
	Kind         PatchKind   `json:"kind"`
	Fields       PatchFields `json:"fields,omitempty"`
	Snapshot     *Snapshot   `json:"snapshot,omitempty"`
	ExpectedHash string      `json:"expectedHash,omitempty"`
	SentAt       time.Time   `json:"sentAt"`
}

// resyncSuggestRatio is the cumulative partial-bytes to full-snapshot-bytes
// ratio beyond which diffing stops paying for itself.
const resyncSuggestRatio = 0.6

// Differ computes minimal key-level patches against the last snapshot it
// shipped. The baseline belongs to the differ alone; nothing else mutates it.
// Patches are cumulative: each build folds the merged view into the baseline.
type Differ struct {
	mu         sync.Mutex
	lastSent   *Snapshot
	fullBytes  int
	patchBytes int
	suggested  bool
	telemetry  *Telemetry
}

// NewDiffer constructs a differ. The telemetry collector may be nil.
func NewDiffer(tel *Telemetry) *Differ {
	return &Differ{telemetry: tel}
}

// BuildPatch diffs the current snapshot against the last one sent. The first
// call returns a Full patch and resets byte accounting. Later calls return a
// Partial patch of changed fields, or nil when nothing changed — empty
// patches are never emitted.
func (d *Differ) BuildPatch(current Snapshot) *DiffPatch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastSent == nil {
		return d.buildFullLocked(current)
	}

	fields := diffFields(*d.lastSent, current)
	if fields.empty() {
		return nil
	}

	patch := &DiffPatch{
		Kind:         PatchPartial,
		Fields:       fields,
		ExpectedHash: current.IntegrityHash,
		SentAt:       current.CreatedAt,
	}
	if encoded, err := json.Marshal(patch); err == nil {
		d.patchBytes += len(encoded)
		if d.telemetry != nil {
			d.telemetry.RecordPatchSent(len(encoded))
		}
	}
	baseline := current.Clone()
	d.lastSent = &baseline
	return patch
}

// ForceFull makes the next patch a Full snapshot regardless of the baseline.
func (d *Differ) ForceFull() {
	d.mu.Lock()
	d.lastSent = nil
	d.mu.Unlock()
}

// BuildFull seals the current snapshot into a Full patch and rebases.
func (d *Differ) BuildFull(current Snapshot) *DiffPatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildFullLocked(current)
}

func (d *Differ) buildFullLocked(current Snapshot) *DiffPatch {
	baseline := current.Clone()
	d.lastSent = &baseline
	d.patchBytes = 0
	d.suggested = false

	snap := current.Clone()
	patch := &DiffPatch{
		Kind:         PatchFull,
		Snapshot:     &snap,
		ExpectedHash: current.IntegrityHash,
		SentAt:       current.CreatedAt,
	}
	if encoded, err := json.Marshal(patch); err == nil {
		d.fullBytes = len(encoded)
		if d.telemetry != nil {
			d.telemetry.RecordFullSent(len(encoded))
		}
	}
	return patch
}

// ConsumeResyncHint reports, at most once per full-snapshot window, that
// cumulative patch traffic has outgrown the last full snapshot and a full
// resync would be cheaper. The decision stays with the caller.
func (d *Differ) ConsumeResyncHint() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.suggested || d.fullBytes == 0 {
		return false
	}
	if float64(d.patchBytes) < resyncSuggestRatio*float64(d.fullBytes) {
		return false
	}
	d.suggested = true
	return true
}

// diffFields compares top-level fields by serialized equality and collects
// the changed ones.
func diffFields(last, current Snapshot) PatchFields {
	var fields PatchFields
	if last.Phase != current.Phase {
		phase := current.Phase
		fields.Phase = &phase
	}
	if last.ActiveRoomID != current.ActiveRoomID {
		id := current.ActiveRoomID
		fields.ActiveRoomID = &id
	}
	if last.TimeRemainingSec != current.TimeRemainingSec {
		secs := current.TimeRemainingSec
		fields.TimeRemainingSec = &secs
	}
	if rooms := diffRooms(last.Rooms, current.Rooms); len(rooms) > 0 {
		fields.Rooms = rooms
	}
	if !jsonEqual(last.RecentChat, current.RecentChat) {
		fields.RecentChat = append([]ChatMessage(nil), current.RecentChat...)
	}
	return fields
}

func diffRooms(last, current map[int]RoomState) map[int]RoomPatch {
	patches := make(map[int]RoomPatch)
	for id, room := range current {
		prev, ok := last[id]
		if !ok {
			// A room the baseline never saw still travels as a partial merge;
			// receivers that don't know the id ignore it until a full sync.
			patches[id] = roomAsPatch(room)
			continue
		}
		if patch, changed := diffRoom(prev, room); changed {
			patches[id] = patch
		}
	}
	if len(patches) == 0 {
		return nil
	}
	return patches
}

func diffRoom(prev, current RoomState) (RoomPatch, bool) {
	var patch RoomPatch
	changed := false
	if prev.Unlocked != current.Unlocked {
		v := current.Unlocked
		patch.Unlocked = &v
		changed = true
	}
	if prev.Completed != current.Completed {
		v := current.Completed
		patch.Completed = &v
		changed = true
	}
	if prev.LeaderReady != current.LeaderReady {
		v := current.LeaderReady
		patch.LeaderReady = &v
		changed = true
	}
	for key, rec := range current.TeamInputs {
		prevRec, ok := prev.TeamInputs[key]
		if ok && jsonEqual(prevRec, rec) {
			continue
		}
		if patch.TeamInputs == nil {
			patch.TeamInputs = make(map[string]InputRecord)
		}
		patch.TeamInputs[key] = rec
		changed = true
	}
	return patch, changed
}

func roomAsPatch(room RoomState) RoomPatch {
	unlocked := room.Unlocked
	completed := room.Completed
	ready := room.LeaderReady
	patch := RoomPatch{Unlocked: &unlocked, Completed: &completed, LeaderReady: &ready}
	if len(room.TeamInputs) > 0 {
		patch.TeamInputs = make(map[string]InputRecord, len(room.TeamInputs))
		for key, rec := range room.TeamInputs {
			patch.TeamInputs[key] = rec
		}
	}
	return patch
}

// ApplyPatch merges a patch into a snapshot copy and reseals it. Full patches
// replace the watched fields wholesale; partial patches merge field-by-field
// with per-room shallow merges. Room ids absent locally are ignored — rooms
// are created by full sync only. The merge is idempotent.
func ApplyPatch(local Snapshot, patch DiffPatch) Snapshot {
	switch patch.Kind {
	case PatchFull:
		if patch.Snapshot == nil {
			return local
		}
		return patch.Snapshot.Clone()
	case PatchPartial:
		next := local.Clone()
		fields := patch.Fields
		if fields.Phase != nil {
			next.Phase = *fields.Phase
		}
		if fields.ActiveRoomID != nil {
			next.ActiveRoomID = *fields.ActiveRoomID
		}
		if fields.TimeRemainingSec != nil {
			next.TimeRemainingSec = *fields.TimeRemainingSec
		}
		for id, roomPatch := range fields.Rooms {
			room, ok := next.Rooms[id]
			if !ok {
				continue
			}
			next.Rooms[id] = mergeRoomPatch(room, roomPatch)
		}
		if fields.RecentChat != nil {
			next.RecentChat = append([]ChatMessage(nil), fields.RecentChat...)
		}
		return SealSnapshot(next)
	default:
		return local
	}
}

func mergeRoomPatch(room RoomState, patch RoomPatch) RoomState {
	if patch.Unlocked != nil {
		room.Unlocked = *patch.Unlocked
	}
	if patch.Completed != nil {
		room.Completed = *patch.Completed
	}
	if patch.LeaderReady != nil {
		room.LeaderReady = *patch.LeaderReady
	}
	if len(patch.TeamInputs) > 0 {
		if room.TeamInputs == nil {
			room.TeamInputs = make(map[string]InputRecord, len(patch.TeamInputs))
		}
		for key, rec := range patch.TeamInputs {
			if len(rec.Data) > 0 {
				rec.Data = append(json.RawMessage(nil), rec.Data...)
			}
			room.TeamInputs[key] = rec
		}
	}
	return room
}

func jsonEqual(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(left, right)
}
