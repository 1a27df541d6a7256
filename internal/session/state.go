package session

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownRoom     = errors.New("unknown room")
	ErrRoomLocked      = errors.New("room is locked")
	ErrRoomCompleted   = errors.New("room already completed")
	ErrLeaderNotReady  = errors.New("room inputs incomplete")
	ErrSessionNotLive  = errors.New("session not in progress")
	ErrMissingInputKey = errors.New("input key not required by room")
	ErrEmptyRoomConfig = errors.New("session needs at least one room")
)

// Store exclusively owns the live session fields. Every mutation happens under
// its mutex; other components only ever see cloned snapshots. This is the
// single state-owning object the rest of the engine reconciles against.
type Store struct {
	mu               sync.Mutex
	phase            Phase
	activeRoomID     int
	timeRemainingSec int
	rooms            map[int]RoomState
	required         map[int][]string
	chat             *ReplayBuffer
	listeners        map[int]func()
	nextListener     int
	now              func() time.Time
}

// NewStore builds a store from the lobby-provided room configuration: the set
// of room ids and the input keys each room requires before its leader may
// finalize it. The lowest room id starts unlocked.
func NewStore(required map[int][]string, chat *ReplayBuffer) (*Store, error) {
	if len(required) == 0 {
		return nil, ErrEmptyRoomConfig
	}
	if chat == nil {
		chat = NewReplayBuffer(DefaultReplayCapacity)
	}
	ids := make([]int, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	rooms := make(map[int]RoomState, len(required))
	reqCopy := make(map[int][]string, len(required))
	for id, keys := range required {
		rooms[id] = RoomState{
			Unlocked:    id == ids[0],
			LeaderReady: len(keys) == 0,
		}
		reqCopy[id] = append([]string(nil), keys...)
	}

	return &Store{
		phase:        PhaseLobby,
		activeRoomID: ids[0],
		rooms:        rooms,
		required:     reqCopy,
		chat:         chat,
		listeners:    make(map[int]func()),
		now:          time.Now,
	}, nil
}

// Chat exposes the replay buffer backing this store.
func (s *Store) Chat() *ReplayBuffer { return s.chat }

// Subscribe registers a listener invoked after every mutation. The returned
// id detaches it via Unsubscribe. Listeners run outside the store lock.
func (s *Store) Subscribe(fn func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	return id
}

// Unsubscribe removes a listener registered with Subscribe.
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

func (s *Store) notifyLocked() []func() {
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func runListeners(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// SetPhase transitions the session lifecycle stage.
func (s *Store) SetPhase(phase Phase) {
	s.mu.Lock()
	s.phase = phase
	fns := s.notifyLocked()
	s.mu.Unlock()
	runListeners(fns)
}

// SetTimeRemaining records the countdown in whole seconds.
func (s *Store) SetTimeRemaining(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	s.mu.Lock()
	s.timeRemainingSec = seconds
	fns := s.notifyLocked()
	s.mu.Unlock()
	runListeners(fns)
}

// SubmitInput records a team-supplied input for a room and recomputes the
// room's leader-ready flag. Keys outside the room's required set are rejected
// so a drifting client cannot widen the room contract.
func (s *Store) SubmitInput(roomID int, key string, data json.RawMessage, role string) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownRoom
	}
	if !room.Unlocked {
		s.mu.Unlock()
		return ErrRoomLocked
	}
	if room.Completed {
		s.mu.Unlock()
		return ErrRoomCompleted
	}
	if !s.requiresKeyLocked(roomID, key) {
		s.mu.Unlock()
		return ErrMissingInputKey
	}
	if room.TeamInputs == nil {
		room.TeamInputs = make(map[string]InputRecord)
	}
	room.TeamInputs[key] = InputRecord{
		Data:       append(json.RawMessage(nil), data...),
		ProvidedBy: role,
		Timestamp:  s.now(),
	}
	room.LeaderReady = s.allRequiredPresentLocked(roomID, room)
	s.rooms[roomID] = room
	fns := s.notifyLocked()
	s.mu.Unlock()
	runListeners(fns)
	return nil
}

// CompleteRoom marks a room finished and unlocks the next one. The leader
// lock is enforced a layer up; the store enforces the state invariants: the
// room must be unlocked, not yet completed, and leader-ready.
func (s *Store) CompleteRoom(roomID int) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownRoom
	}
	if !room.Unlocked {
		s.mu.Unlock()
		return ErrRoomLocked
	}
	if room.Completed {
		s.mu.Unlock()
		return ErrRoomCompleted
	}
	if !room.LeaderReady {
		s.mu.Unlock()
		return ErrLeaderNotReady
	}
	room.Completed = true
	s.rooms[roomID] = room

	if next, ok := s.nextRoomLocked(roomID); ok {
		nextRoom := s.rooms[next]
		nextRoom.Unlocked = true
		s.rooms[next] = nextRoom
		s.activeRoomID = next
	} else if s.allCompletedLocked() {
		s.phase = PhaseDebrief
	}
	fns := s.notifyLocked()
	s.mu.Unlock()
	runListeners(fns)
	return nil
}

func (s *Store) requiresKeyLocked(roomID int, key string) bool {
	for _, required := range s.required[roomID] {
		if required == key {
			return true
		}
	}
	return false
}

func (s *Store) allRequiredPresentLocked(roomID int, room RoomState) bool {
	for _, key := range s.required[roomID] {
		if _, ok := room.TeamInputs[key]; !ok {
			return false
		}
	}
	return true
}

func (s *Store) nextRoomLocked(roomID int) (int, bool) {
	next := 0
	found := false
	for id := range s.rooms {
		if id <= roomID {
			continue
		}
		if !found || id < next {
			next = id
			found = true
		}
	}
	return next, found
}

func (s *Store) allCompletedLocked() bool {
	for _, room := range s.rooms {
		if !room.Completed {
			return false
		}
	}
	return true
}

// SnapshotNow seals a versioned snapshot of the current state including the
// recent chat tail.
func (s *Store) SnapshotNow() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		SchemaVersion:    SchemaVersion,
		CreatedAt:        s.now(),
		Phase:            s.phase,
		ActiveRoomID:     s.activeRoomID,
		TimeRemainingSec: s.timeRemainingSec,
		Rooms:            make(map[int]RoomState, len(s.rooms)),
	}
	for id, room := range s.rooms {
		snap.Rooms[id] = room.Clone()
	}
	s.mu.Unlock()
	snap.RecentChat = s.chat.Tail(snapshotChatTail)
	return SealSnapshot(snap)
}

// ApplySnapshot replaces the watched fields with an authoritative full
// snapshot. Room configuration (required keys) is lobby-owned and untouched.
func (s *Store) ApplySnapshot(snap Snapshot) {
	s.mu.Lock()
	s.phase = snap.Phase
	s.activeRoomID = snap.ActiveRoomID
	s.timeRemainingSec = snap.TimeRemainingSec
	s.rooms = make(map[int]RoomState, len(snap.Rooms))
	for id, room := range snap.Rooms {
		s.rooms[id] = room.Clone()
	}
	fns := s.notifyLocked()
	s.mu.Unlock()
	runListeners(fns)
}

// MergePatchFields applies a partial patch field-by-field. Rooms merge
// shallowly per id; room ids unknown to the local store are ignored because
// rooms are only ever created by a full sync, never invented by a diff.
// Applying the same patch twice is a no-op the second time.
func (s *Store) MergePatchFields(fields PatchFields) {
	s.mu.Lock()
	if fields.Phase != nil {
		s.phase = *fields.Phase
	}
	if fields.ActiveRoomID != nil {
		s.activeRoomID = *fields.ActiveRoomID
	}
	if fields.TimeRemainingSec != nil {
		s.timeRemainingSec = *fields.TimeRemainingSec
	}
	for id, patch := range fields.Rooms {
		room, ok := s.rooms[id]
		if !ok {
			continue
		}
		s.rooms[id] = mergeRoomPatch(room, patch)
	}
	fns := s.notifyLocked()
	s.mu.Unlock()
	runListeners(fns)
}

// View is a point-in-time copy of the scalar fields for read-only callers.
type View struct {
	Phase            Phase
	ActiveRoomID     int
	TimeRemainingSec int
	Rooms            map[int]RoomState
}

// CurrentView clones the live fields without sealing a snapshot.
func (s *Store) CurrentView() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := View{
		Phase:            s.phase,
		ActiveRoomID:     s.activeRoomID,
		TimeRemainingSec: s.timeRemainingSec,
		Rooms:            make(map[int]RoomState, len(s.rooms)),
	}
	for id, room := range s.rooms {
		view.Rooms[id] = room.Clone()
	}
	return view
}

// RequiredKeys returns the configured input keys for a room.
func (s *Store) RequiredKeys(roomID int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.required[roomID]...)
}
