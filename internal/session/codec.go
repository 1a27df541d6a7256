package session

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// SchemaVersion tracks the snapshot layout revision expected by this build.
const SchemaVersion = 1

// snapshotChatTail bounds how many recent chat entries ride along in a
// snapshot. The full history stays in the replay buffer.
const snapshotChatTail = 50

// Phase identifies the coarse lifecycle stage of a session.
type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseInProgress Phase = "in_progress"
	PhaseDebrief    Phase = "debrief"
)

// InputRecord captures one team-supplied puzzle input. Records are treated as
// immutable once written; the protocol assumes each key is written once per
// room and tolerates last-write-wins otherwise.
type InputRecord struct {
	Data       json.RawMessage `json:"data"`
	ProvidedBy string          `json:"providedBy"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RoomState is the shared view of a single escape room.
//
// Invariants: Completed implies LeaderReady, and LeaderReady implies every
// required input key for the room is present in TeamInputs. The store is the
// only writer and enforces both.
type RoomState struct {
	Unlocked    bool                   `json:"unlocked"`
	Completed   bool                   `json:"completed"`
	LeaderReady bool                   `json:"leaderReady"`
	TeamInputs  map[string]InputRecord `json:"teamInputs,omitempty"`
}

// Clone returns a deep copy so snapshots never alias live store maps.
func (r RoomState) Clone() RoomState {
	cloned := r
	if len(r.TeamInputs) > 0 {
		inputs := make(map[string]InputRecord, len(r.TeamInputs))
		for key, rec := range r.TeamInputs {
			if len(rec.Data) > 0 {
				rec.Data = append(json.RawMessage(nil), rec.Data...)
			}
			inputs[key] = rec
		}
		cloned.TeamInputs = inputs
	}
	return cloned
}

// Snapshot is an immutable, versioned, checksummed capture of session state.
// IntegrityHash is a diagnostic hash, not a security boundary; it exists so
// peers can detect drift, never to authenticate anything.
type Snapshot struct {
	SchemaVersion    int               `json:"schemaVersion"`
	CreatedAt        time.Time         `json:"createdAt"`
	Phase            Phase             `json:"phase"`
	ActiveRoomID     int               `json:"activeRoomId"`
	TimeRemainingSec int               `json:"timeRemainingSec"`
	Rooms            map[int]RoomState `json:"rooms"`
	RecentChat       []ChatMessage     `json:"recentChat,omitempty"`
	IntegrityHash    string            `json:"integrityHash"`
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	cloned := s
	if len(s.Rooms) > 0 {
		rooms := make(map[int]RoomState, len(s.Rooms))
		for id, room := range s.Rooms {
			rooms[id] = room.Clone()
		}
		cloned.Rooms = rooms
	}
	if len(s.RecentChat) > 0 {
		cloned.RecentChat = append([]ChatMessage(nil), s.RecentChat...)
	}
	return cloned
}

// snapshotCore is the canonical serialization the integrity hash covers. It
// excludes IntegrityHash itself and CreatedAt so two snapshots with equal
// field values always hash identically regardless of when they were built.
type snapshotCore struct {
	SchemaVersion    int               `json:"schemaVersion"`
	Phase            Phase             `json:"phase"`
	ActiveRoomID     int               `json:"activeRoomId"`
	TimeRemainingSec int               `json:"timeRemainingSec"`
	Rooms            map[int]RoomState `json:"rooms"`
	RecentChat       []ChatMessage     `json:"recentChat,omitempty"`
}

// HashSnapshot computes the FNV-64a digest of the canonical serialization.
// encoding/json sorts map keys, which keeps the byte stream deterministic.
func HashSnapshot(s Snapshot) string {
	core := snapshotCore{
		SchemaVersion:    s.SchemaVersion,
		Phase:            s.Phase,
		ActiveRoomID:     s.ActiveRoomID,
		TimeRemainingSec: s.TimeRemainingSec,
		Rooms:            s.Rooms,
		RecentChat:       s.RecentChat,
	}
	data, err := json.Marshal(core)
	if err != nil {
		// Only unmarshalable payload bytes could land here; an empty hash
		// simply reads as a mismatch downstream.
		return ""
	}
	hasher := fnv.New64a()
	hasher.Write(data)
	return fmt.Sprintf("%016x", hasher.Sum64())
}

// SealSnapshot stamps the integrity hash onto the snapshot and returns it.
func SealSnapshot(s Snapshot) Snapshot {
	s.IntegrityHash = HashSnapshot(s)
	return s
}

// VerifySnapshot recomputes the hash and compares it to the embedded value.
// A failure is a signal for the reconciliation policy, never an error.
func VerifySnapshot(s Snapshot) bool {
	if s.IntegrityHash == "" {
		return false
	}
	return HashSnapshot(s) == s.IntegrityHash
}

// MigrationNote describes what MigrateSnapshot did with a foreign snapshot.
type MigrationNote int

const (
	// MigrationNone means the schema versions matched.
	MigrationNone MigrationNote = iota
	// MigrationNarrowed means the remote snapshot was older; unknown fields
	// were already dropped during decoding and known fields were kept.
	MigrationNarrowed
	// MigrationRemoteAhead means the remote peer runs a newer schema. The
	// snapshot is still applied field-by-field but the caller should surface
	// the skew.
	MigrationRemoteAhead
)

func (n MigrationNote) String() string {
	switch n {
	case MigrationNarrowed:
		return "narrowed"
	case MigrationRemoteAhead:
		return "remote_ahead"
	default:
		return "none"
	}
}

// MigrateSnapshot reconciles a snapshot produced under a different schema
// version with the local layout. It never fails: unknown keys were dropped by
// the JSON decoder, known keys are preserved, and the version is rewritten to
// the local constant so re-hashing stays consistent.
func MigrateSnapshot(s Snapshot) (Snapshot, MigrationNote) {
	switch {
	case s.SchemaVersion == SchemaVersion:
		return s, MigrationNone
	case s.SchemaVersion > SchemaVersion:
		s.SchemaVersion = SchemaVersion
		return SealSnapshot(s), MigrationRemoteAhead
	default:
		s.SchemaVersion = SchemaVersion
		return SealSnapshot(s), MigrationNarrowed
	}
}

// EncodeSnapshot serializes a snapshot for the wire or the local cache.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses snapshot bytes, tolerating unknown fields.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
