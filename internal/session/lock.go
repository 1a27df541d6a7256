package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// LockTTL bounds how long a leader lease survives without release.
	LockTTL = 10 * time.Second
	// lockSweepInterval throttles expiry sweeps.
	lockSweepInterval = 2 * time.Second
	// lockWaitSampleCap bounds the rolling wait-duration sample.
	lockWaitSampleCap = 200
)

// LockLease is a time-bounded mutual-exclusion grant over one room. At most
// one lease exists per room in the local view; across peers the invariant is
// only eventually consistent, which §4.5-style advisory locking accepts.
type LockLease struct {
	RoomID     int       `json:"roomId"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// LockStats is the diagnostic counter set for lock traffic.
type LockStats struct {
	Attempts  uint64 `json:"attempts"`
	Acquired  uint64 `json:"acquired"`
	Failed    uint64 `json:"failed"`
	Releases  uint64 `json:"releases"`
	Expiries  uint64 `json:"expiries"`
	WaitP50Ms int64  `json:"waitP50Ms"`
	WaitP95Ms int64  `json:"waitP95Ms"`
}

// LockCoordinator grants per-room leader leases. It is advisory: each client
// enforces it against its own view, with an optional remote round-trip for
// stronger cross-client arbitration. It is deliberately not a consensus
// protocol.
type LockCoordinator struct {
	mu           sync.Mutex
	leases       map[int]LockLease
	pendingSince map[string]time.Time
	waits        []time.Duration
	attempts     uint64
	acquired     uint64
	failed       uint64
	releases     uint64
	expiries     uint64
	lastSweep    time.Time
	ttl          time.Duration
	sweepEvery   time.Duration
	now          func() time.Time
}

// NewLockCoordinator constructs a coordinator with the default TTL and sweep
// throttle.
func NewLockCoordinator() *LockCoordinator {
	return &LockCoordinator{
		leases:       make(map[int]LockLease),
		pendingSince: make(map[string]time.Time),
		waits:        make([]time.Duration, 0, lockWaitSampleCap),
		ttl:          LockTTL,
		sweepEvery:   lockSweepInterval,
		now:          time.Now,
	}
}

func contentionKey(roomID int, role string) string {
	return fmt.Sprintf("%d/%s", roomID, role)
}

// Acquire attempts to take the leader lease for a room. It succeeds when the
// room is unheld or already held by the same role (idempotent re-acquire).
// A failure followed by a later success records the wait duration.
func (c *LockCoordinator) Acquire(roomID int, role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.attempts++
	key := contentionKey(roomID, role)

	lease, held := c.leases[roomID]
	if held && lease.Holder != role {
		c.failed++
		if _, waiting := c.pendingSince[key]; !waiting {
			c.pendingSince[key] = now
		}
		return false
	}

	if !held {
		c.leases[roomID] = LockLease{RoomID: roomID, Holder: role, AcquiredAt: now}
	}
	c.acquired++
	if started, waiting := c.pendingSince[key]; waiting {
		c.recordWaitLocked(now.Sub(started))
		delete(c.pendingSince, key)
	}
	return true
}

// Release clears the lease when, and only when, the caller holds it.
func (c *LockCoordinator) Release(roomID int, role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lease, held := c.leases[roomID]
	if !held || lease.Holder != role {
		return false
	}
	delete(c.leases, roomID)
	c.releases++
	return true
}

// Holder reports the current lease holder for a room, if any.
func (c *LockCoordinator) Holder(roomID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lease, held := c.leases[roomID]
	if !held {
		return "", false
	}
	return lease.Holder, true
}

// SweepExpired force-clears leases older than the TTL and returns them.
// Sweeps are throttled to once per sweep interval; throttled calls return
// nothing.
func (c *LockCoordinator) SweepExpired() []LockLease {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < c.sweepEvery {
		return nil
	}
	c.lastSweep = now

	var expired []LockLease
	for roomID, lease := range c.leases {
		if now.Sub(lease.AcquiredAt) >= c.ttl {
			delete(c.leases, roomID)
			c.expiries++
			expired = append(expired, lease)
		}
	}
	return expired
}

func (c *LockCoordinator) recordWaitLocked(wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	if len(c.waits) == lockWaitSampleCap {
		copy(c.waits, c.waits[1:])
		c.waits = c.waits[:lockWaitSampleCap-1]
	}
	c.waits = append(c.waits, wait)
}

// Stats copies the counters and recomputes wait percentiles from the sorted
// rolling sample.
func (c *LockCoordinator) Stats() LockStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := LockStats{
		Attempts: c.attempts,
		Acquired: c.acquired,
		Failed:   c.failed,
		Releases: c.releases,
		Expiries: c.expiries,
	}
	if len(c.waits) > 0 {
		sorted := append([]time.Duration(nil), c.waits...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		stats.WaitP50Ms = percentile(sorted, 50).Milliseconds()
		stats.WaitP95Ms = percentile(sorted, 95).Milliseconds()
	}
	return stats
}

func percentile(sorted []time.Duration, pct int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*pct + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
