package proto

import (
	"encoding/json"
	"fmt"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Logical channel names. The five public channels are the contract with
// clients; heartbeat is transport housekeeping and never reaches engine
// subscribers.
const (
	ChannelChat          = "chat"
	ChannelTeamInput     = "team_input"
	ChannelRoomCompleted = "room_completed"
	ChannelStatePatch    = "state_patch"
	ChannelLockUpdate    = "lock_update"
	ChannelLockResult    = "lock_result"
	ChannelSyncRequest   = "sync_request"
	ChannelHeartbeat     = "heartbeat"
)

// Channels lists every channel the relay will fan out.
func Channels() []string {
	return []string{
		ChannelChat,
		ChannelTeamInput,
		ChannelRoomCompleted,
		ChannelStatePatch,
		ChannelLockUpdate,
		ChannelLockResult,
		ChannelSyncRequest,
	}
}

// KnownChannel reports whether the relay should route the named channel.
func KnownChannel(name string) bool {
	switch name {
	case ChannelChat, ChannelTeamInput, ChannelRoomCompleted, ChannelStatePatch,
		ChannelLockUpdate, ChannelLockResult, ChannelSyncRequest, ChannelHeartbeat:
		return true
	default:
		return false
	}
}

// Envelope is the single frame shape on the wire. Seq increases monotonically
// per sender so receivers can drop stale state patches without a reorder
// buffer. Payload bytes are channel-specific.
type Envelope struct {
	Ver       int             `json:"ver"`
	Channel   string          `json:"channel"`
	SessionID string          `json:"sessionId"`
	SenderID  string          `json:"senderId"`
	Seq       uint64          `json:"seq"`
	SentAt    int64           `json:"sentAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EncodeEnvelope renders an envelope, stamping the protocol version.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	env.Ver = Version
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope, tolerating unknown fields. Frames with
// no channel are rejected; a newer Ver is accepted as-is since every payload
// decoder already drops unknown keys.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Channel == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing channel")
	}
	return env, nil
}

// Lock actions carried on ChannelLockUpdate.
const (
	LockActionAcquire = "acquire"
	LockActionRelease = "release"
)

// LockRequest asks the arbiter (relay or peer) for a lease transition.
type LockRequest struct {
	RoomID int    `json:"roomId"`
	Role   string `json:"role"`
	Action string `json:"action"`
}

// LockResult answers a LockRequest on ChannelLockResult. Holder reports the
// role owning the lease after the transition, empty when unheld.
type LockResult struct {
	RoomID  int    `json:"roomId"`
	Role    string `json:"role"`
	Action  string `json:"action"`
	Granted bool   `json:"granted"`
	Holder  string `json:"holder,omitempty"`
}

// TeamInputPayload carries one puzzle input on ChannelTeamInput.
type TeamInputPayload struct {
	RoomID int             `json:"roomId"`
	Key    string          `json:"key"`
	Data   json.RawMessage `json:"data"`
	Role   string          `json:"role"`
}

// RoomCompletedPayload announces a finalized room on ChannelRoomCompleted.
type RoomCompletedPayload struct {
	RoomID int    `json:"roomId"`
	Role   string `json:"role"`
}

// SyncRequestPayload asks any authoritative peer for a full snapshot.
type SyncRequestPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload keeps the relay's liveness tracking fed.
type HeartbeatPayload struct {
	ClientTime int64 `json:"clientTime"`
}

// Sync request reasons surfaced in diagnostics and analytics events.
const (
	SyncReasonJoin          = "join"
	SyncReasonChecksumDrift = "checksum_drift"
	SyncReasonSchemaSkew    = "schema_skew"
	SyncReasonPatchOverrun  = "patch_overrun"
)
