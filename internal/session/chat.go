package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChatKind labels the origin of a replayed entry.
type ChatKind string

const (
	ChatKindSystem    ChatKind = "system"
	ChatKindTeamInput ChatKind = "team_input"
	ChatKindPlayer    ChatKind = "player"
)

// ChatMessage is a single chat or lifecycle entry. Entries are append-only;
// consumers deduplicate replayed history against live deliveries by ID.
type ChatMessage struct {
	ID        string    `json:"id"`
	Kind      ChatKind  `json:"kind"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewChatMessage stamps a fresh message with a unique id.
func NewChatMessage(kind ChatKind, role, content string, at time.Time) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Kind:      kind,
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
}

// DefaultReplayCapacity bounds the replay buffer; oldest entries drop first.
const DefaultReplayCapacity = 500

// ReplayBuffer keeps a bounded, ordered log of chat and lifecycle events so a
// late-joining client can reconstruct recent history before live events
// arrive. Eviction is strictly FIFO.
type ReplayBuffer struct {
	mu      sync.Mutex
	cap     int
	entries []ChatMessage
}

// NewReplayBuffer constructs a buffer with the provided capacity, falling back
// to DefaultReplayCapacity when the value is not positive.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayBuffer{
		cap:     capacity,
		entries: make([]ChatMessage, 0, capacity),
	}
}

// Append records a message, evicting the oldest entry when full.
func (b *ReplayBuffer) Append(msg ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == b.cap {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:b.cap-1]
	}
	b.entries = append(b.entries, msg)
}

// History returns a snapshot copy of the buffered entries in insertion order.
func (b *ReplayBuffer) History() []ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	history := make([]ChatMessage, len(b.entries))
	copy(history, b.entries)
	return history
}

// Tail returns up to n of the most recent entries in insertion order.
func (b *ReplayBuffer) Tail(n int) []ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.entries) == 0 {
		return nil
	}
	if n > len(b.entries) {
		n = len(b.entries)
	}
	tail := make([]ChatMessage, n)
	copy(tail, b.entries[len(b.entries)-n:])
	return tail
}

// Len reports the number of buffered entries.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
