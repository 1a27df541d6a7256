package logging

// Event types emitted by the sync engine and the relay. Analytics consumers
// key dashboards off these names; treat them as a public contract.
const (
	EventResyncRequested   EventType = "sync.resync_requested"
	EventFullSnapshot      EventType = "sync.full_snapshot_applied"
	EventChecksumMismatch  EventType = "sync.checksum_mismatch"
	EventSchemaSkew        EventType = "sync.schema_skew"
	EventPatchOverrun      EventType = "sync.patch_overrun"
	EventTransportFallback EventType = "transport.fallback"
	EventClientJoined      EventType = "relay.client_joined"
	EventClientEvicted     EventType = "relay.client_evicted"
	EventLockAcquired      EventType = "lock.acquired"
	EventLockDenied        EventType = "lock.denied"
	EventLockReleased      EventType = "lock.released"
	EventLockExpired       EventType = "lock.expired"
	EventRoomCompleted     EventType = "room.completed"
)

// ResyncRequested reports an automatic full-sync request and its reason.
func ResyncRequested(sessionID, clientID, reason string) Event {
	return Event{
		Type:      EventResyncRequested,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityWarn,
		Payload:   map[string]any{"reason": reason},
	}
}

// FullSnapshotApplied reports that an authoritative snapshot replaced local
// state.
func FullSnapshotApplied(sessionID, clientID, fromID string) Event {
	return Event{
		Type:      EventFullSnapshot,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityInfo,
		Payload:   map[string]any{"from": fromID},
	}
}

// ChecksumMismatch reports an integrity verification failure against a peer
// snapshot or patch result.
func ChecksumMismatch(sessionID, clientID string, mismatches int) Event {
	return Event{
		Type:      EventChecksumMismatch,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityWarn,
		Payload:   map[string]any{"consecutive": mismatches},
	}
}

// SchemaSkew reports a snapshot that arrived under a foreign schema version.
func SchemaSkew(sessionID, clientID string, remoteVersion int) Event {
	return Event{
		Type:      EventSchemaSkew,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityWarn,
		Payload:   map[string]any{"remoteVersion": remoteVersion},
	}
}

// PatchOverrun reports that cumulative diff traffic outgrew the last full
// snapshot.
func PatchOverrun(sessionID, clientID string) Event {
	return Event{
		Type:      EventPatchOverrun,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityInfo,
	}
}

// TransportFallback reports a downgrade from realtime to stub mode.
func TransportFallback(sessionID, clientID string) Event {
	return Event{
		Type:      EventTransportFallback,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityWarn,
	}
}

// ClientJoined reports a relay subscription.
func ClientJoined(sessionID, clientID string) Event {
	return Event{
		Type:      EventClientJoined,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityInfo,
	}
}

// ClientEvicted reports a relay eviction after missed heartbeats.
func ClientEvicted(sessionID, clientID string) Event {
	return Event{
		Type:      EventClientEvicted,
		SessionID: sessionID,
		ClientID:  clientID,
		Severity:  SeverityInfo,
	}
}

// LockAcquired reports a granted leader lease.
func LockAcquired(sessionID, role string, roomID int) Event {
	return Event{
		Type:      EventLockAcquired,
		SessionID: sessionID,
		Role:      role,
		RoomID:    roomID,
		Severity:  SeverityInfo,
	}
}

// LockDenied reports a contended acquire.
func LockDenied(sessionID, role string, roomID int, holder string) Event {
	return Event{
		Type:      EventLockDenied,
		SessionID: sessionID,
		Role:      role,
		RoomID:    roomID,
		Severity:  SeverityInfo,
		Payload:   map[string]any{"holder": holder},
	}
}

// LockReleased reports a voluntary release.
func LockReleased(sessionID, role string, roomID int) Event {
	return Event{
		Type:      EventLockReleased,
		SessionID: sessionID,
		Role:      role,
		RoomID:    roomID,
		Severity:  SeverityInfo,
	}
}

// LockExpired reports a lease force-cleared by the TTL sweep.
func LockExpired(sessionID string, roomID int, holder string) Event {
	return Event{
		Type:      EventLockExpired,
		SessionID: sessionID,
		RoomID:    roomID,
		Severity:  SeverityWarn,
		Payload:   map[string]any{"holder": holder},
	}
}

// RoomCompleted reports a finalized room.
func RoomCompleted(sessionID, role string, roomID int) Event {
	return Event{
		Type:      EventRoomCompleted,
		SessionID: sessionID,
		Role:      role,
		RoomID:    roomID,
		Severity:  SeverityInfo,
	}
}
