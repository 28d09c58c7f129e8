// Package lockout tracks failed login attempts per credential and applies an
// exponential-backoff lockout once a threshold is reached. Registration paths
// never consult it.
package lockout

import (
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = time.Hour
)

type record struct {
	failCount   int
	lockedUntil time.Time
}

// Tracker keeps per-credential failure state. Safe for concurrent use.
type Tracker struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	records map[string]record
}

func NewTracker(maxAttempts int, baseBackoff, maxBackoff time.Duration) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = DefaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	return &Tracker{
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		records:     make(map[string]record),
	}
}

// IsLocked reports whether the credential is currently locked out and, if so,
// how long until the next attempt is allowed.
func (t *Tracker) IsLocked(id string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return false, 0
	}
	remaining := time.Until(r.lockedUntil)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// RecordFailure increments the failure count and, once the threshold is
// reached, extends the lockout. Backoff doubles with each failure past the
// threshold, capped at the configured maximum.
func (t *Tracker) RecordFailure(id string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.records[id]
	r.failCount++
	if r.failCount >= t.maxAttempts {
		backoff := t.backoff(r.failCount)
		r.lockedUntil = time.Now().Add(backoff)
		t.records[id] = r
		return true, backoff
	}
	t.records[id] = r
	return false, 0
}

// RecordSuccess clears all failure state for the credential.
func (t *Tracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

func (t *Tracker) backoff(failCount int) time.Duration {
	d := t.baseBackoff
	for i := t.maxAttempts; i < failCount; i++ {
		d *= 2
		if d >= t.maxBackoff {
			return t.maxBackoff
		}
	}
	return d
}
