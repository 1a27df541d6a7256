package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// reconcileMismatchThreshold is how many checksum or schema mismatches
	// must accumulate before an automatic full-sync request is considered.
	reconcileMismatchThreshold = 2
	// reconcileBackoffBase is the first wait window between auto requests.
	reconcileBackoffBase = 3 * time.Second
	// reconcileBackoffCap bounds the wait window growth.
	reconcileBackoffCap = 30 * time.Second
)

// ReconcilePolicy decides when drift justifies requesting a fresh full
// snapshot. Requests are gated behind a mismatch threshold and an exponential
// backoff window so many peers detecting drift at once do not cause a resync
// storm. An authoritative full snapshot clears all of it.
type ReconcilePolicy struct {
	mu           sync.Mutex
	mismatches   int
	lastMismatch time.Time
	attempts     int
	lastAttempt  time.Time
	window       time.Duration
	backoff      *backoff.ExponentialBackOff
	now          func() time.Time
}

// NewReconcilePolicy constructs the policy with a deterministic (jitter-free)
// doubling backoff from reconcileBackoffBase up to reconcileBackoffCap.
func NewReconcilePolicy() *ReconcilePolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconcileBackoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = reconcileBackoffCap
	b.MaxElapsedTime = 0
	b.Reset()
	return &ReconcilePolicy{backoff: b, now: time.Now}
}

// NoteMismatch records one integrity or schema-version failure.
func (p *ReconcilePolicy) NoteMismatch() {
	p.mu.Lock()
	p.mismatches++
	p.lastMismatch = p.now()
	p.mu.Unlock()
}

// Mismatches reports the current consecutive mismatch count and when the
// last one was observed.
func (p *ReconcilePolicy) Mismatches() (int, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mismatches, p.lastMismatch
}

// ShouldRequestFullSync reports whether an automatic full-sync request is due:
// the mismatch count reached the threshold and the current backoff window has
// elapsed since the previous request.
func (p *ReconcilePolicy) ShouldRequestFullSync() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mismatches < reconcileMismatchThreshold {
		return false
	}
	if p.attempts == 0 {
		return true
	}
	return p.now().Sub(p.lastAttempt) >= p.window
}

// NoteAutoRequestPerformed records that a request was issued: the attempt
// counter grows, the mismatch counter resets, and the next wait window is
// drawn from the backoff schedule.
func (p *ReconcilePolicy) NoteAutoRequestPerformed() {
	p.mu.Lock()
	p.attempts++
	p.mismatches = 0
	p.lastAttempt = p.now()
	p.window = p.backoff.NextBackOff()
	p.mu.Unlock()
}

// NoteFullSnapshotApplied clears mismatch state and the backoff schedule. A
// successful resync always starts the policy over.
func (p *ReconcilePolicy) NoteFullSnapshotApplied() {
	p.mu.Lock()
	p.mismatches = 0
	p.attempts = 0
	p.window = 0
	p.lastAttempt = time.Time{}
	p.backoff.Reset()
	p.mu.Unlock()
}

// Window exposes the wait currently imposed between auto requests.
func (p *ReconcilePolicy) Window() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window
}
