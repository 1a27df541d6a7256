package session

import "sync/atomic"

// Telemetry tracks patch and snapshot traffic plus lock contention for a
// single client. Counters are diagnostic; the reconciliation policy and the
// diagnostics endpoint read them, nothing else depends on them.
type Telemetry struct {
	patchesSent          atomic.Uint64
	patchBytes           atomic.Uint64
	fullSnapshotsSent    atomic.Uint64
	fullSnapshotBytes    atomic.Uint64
	patchesApplied       atomic.Uint64
	fullsApplied         atomic.Uint64
	staleDropped         atomic.Uint64
	rateSkips            atomic.Uint64
	checksumMismatches   atomic.Uint64
	resyncRequests       atomic.Uint64
	transportFallbacks   atomic.Uint64
	lastMismatchUnixMs   atomic.Int64
	schemaSkewDetections atomic.Uint64
}

// TelemetrySnapshot is the JSON view served by the diagnostics endpoint.
type TelemetrySnapshot struct {
	PatchesSent          uint64    `json:"patchesSent"`
	PatchBytes           uint64    `json:"patchBytes"`
	FullSnapshotsSent    uint64    `json:"fullSnapshotsSent"`
	FullSnapshotBytes    uint64    `json:"fullSnapshotBytes"`
	PatchesApplied       uint64    `json:"patchesApplied"`
	FullSnapshotsApplied uint64    `json:"fullSnapshotsApplied"`
	StaleDropped         uint64    `json:"staleDropped"`
	RateSkips            uint64    `json:"rateSkips"`
	ChecksumMismatches   uint64    `json:"checksumMismatches"`
	ResyncRequests       uint64    `json:"resyncRequests"`
	TransportFallbacks   uint64    `json:"transportFallbacks"`
	LastMismatchUnixMs   int64     `json:"lastMismatchUnixMs"`
	SchemaSkewDetections uint64    `json:"schemaSkewDetections"`
	Lock                 LockStats `json:"lock"`
}

// NewTelemetry constructs an empty collector.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// RecordPatchSent accounts one outbound partial patch.
func (t *Telemetry) RecordPatchSent(bytes int) {
	if t == nil {
		return
	}
	if bytes < 0 {
		bytes = 0
	}
	t.patchesSent.Add(1)
	t.patchBytes.Add(uint64(bytes))
}

// RecordFullSent accounts one outbound full snapshot.
func (t *Telemetry) RecordFullSent(bytes int) {
	if t == nil {
		return
	}
	if bytes < 0 {
		bytes = 0
	}
	t.fullSnapshotsSent.Add(1)
	t.fullSnapshotBytes.Add(uint64(bytes))
}

// RecordPatchApplied accounts one inbound partial patch merge.
func (t *Telemetry) RecordPatchApplied() {
	if t == nil {
		return
	}
	t.patchesApplied.Add(1)
}

// RecordFullApplied accounts one inbound authoritative full snapshot.
func (t *Telemetry) RecordFullApplied() {
	if t == nil {
		return
	}
	t.fullsApplied.Add(1)
}

// RecordStaleDropped accounts a patch discarded for a stale sequence number.
func (t *Telemetry) RecordStaleDropped() {
	if t == nil {
		return
	}
	t.staleDropped.Add(1)
}

// RecordRateSkip accounts a broadcast dropped by the patch throttle.
func (t *Telemetry) RecordRateSkip() {
	if t == nil {
		return
	}
	t.rateSkips.Add(1)
}

// RecordChecksumMismatch accounts an integrity verification failure.
func (t *Telemetry) RecordChecksumMismatch(atUnixMs int64) {
	if t == nil {
		return
	}
	t.checksumMismatches.Add(1)
	t.lastMismatchUnixMs.Store(atUnixMs)
}

// RecordSchemaSkew accounts a snapshot that arrived under a foreign schema.
func (t *Telemetry) RecordSchemaSkew() {
	if t == nil {
		return
	}
	t.schemaSkewDetections.Add(1)
}

// RecordResyncRequest accounts an automatic full-sync request.
func (t *Telemetry) RecordResyncRequest() {
	if t == nil {
		return
	}
	t.resyncRequests.Add(1)
}

// RecordTransportFallback accounts a downgrade from real-time to stub mode.
func (t *Telemetry) RecordTransportFallback() {
	if t == nil {
		return
	}
	t.transportFallbacks.Add(1)
}

// Snapshot copies the counters. Lock stats are merged in by the engine.
func (t *Telemetry) Snapshot() TelemetrySnapshot {
	if t == nil {
		return TelemetrySnapshot{}
	}
	return TelemetrySnapshot{
		PatchesSent:          t.patchesSent.Load(),
		PatchBytes:           t.patchBytes.Load(),
		FullSnapshotsSent:    t.fullSnapshotsSent.Load(),
		FullSnapshotBytes:    t.fullSnapshotBytes.Load(),
		PatchesApplied:       t.patchesApplied.Load(),
		FullSnapshotsApplied: t.fullsApplied.Load(),
		StaleDropped:         t.staleDropped.Load(),
		RateSkips:            t.rateSkips.Load(),
		ChecksumMismatches:   t.checksumMismatches.Load(),
		ResyncRequests:       t.resyncRequests.Load(),
		TransportFallbacks:   t.transportFallbacks.Load(),
		LastMismatchUnixMs:   t.lastMismatchUnixMs.Load(),
		SchemaSkewDetections: t.schemaSkewDetections.Load(),
	}
}
