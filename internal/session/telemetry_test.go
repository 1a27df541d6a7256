package session

import "testing"

func TestTelemetryCounters(t *testing.T) {
	tel := NewTelemetry()
	tel.RecordPatchSent(100)
	tel.RecordPatchSent(50)
	tel.RecordFullSent(1000)
	tel.RecordPatchApplied()
	tel.RecordFullApplied()
	tel.RecordStaleDropped()
	tel.RecordRateSkip()
	tel.RecordChecksumMismatch(1234)
	tel.RecordSchemaSkew()
	tel.RecordResyncRequest()
	tel.RecordTransportFallback()

	snap := tel.Snapshot()
	if snap.PatchesSent != 2 || snap.PatchBytes != 150 {
		t.Fatalf("patch accounting wrong: %+v", snap)
	}
	if snap.FullSnapshotsSent != 1 || snap.FullSnapshotBytes != 1000 {
		t.Fatalf("full snapshot accounting wrong: %+v", snap)
	}
	if snap.PatchesApplied != 1 || snap.FullSnapshotsApplied != 1 {
		t.Fatalf("apply accounting wrong: %+v", snap)
	}
	if snap.StaleDropped != 1 || snap.RateSkips != 1 {
		t.Fatalf("drop accounting wrong: %+v", snap)
	}
	if snap.ChecksumMismatches != 1 || snap.LastMismatchUnixMs != 1234 {
		t.Fatalf("mismatch accounting wrong: %+v", snap)
	}
	if snap.SchemaSkewDetections != 1 || snap.ResyncRequests != 1 || snap.TransportFallbacks != 1 {
		t.Fatalf("misc accounting wrong: %+v", snap)
	}
}

func TestTelemetryNilReceiverIsSafe(t *testing.T) {
	var tel *Telemetry
	tel.RecordPatchSent(10)
	tel.RecordRateSkip()
	if snap := tel.Snapshot(); snap.PatchesSent != 0 {
		t.Fatalf("nil telemetry produced counts: %+v", snap)
	}
}

func TestTelemetryNegativeBytesClamp(t *testing.T) {
	tel := NewTelemetry()
	tel.RecordPatchSent(-5)
	if snap := tel.Snapshot(); snap.PatchBytes != 0 {
		t.Fatalf("negative bytes recorded: %+v", snap)
	}
}
