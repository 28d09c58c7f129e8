// Package challenge holds pending WebAuthn ceremony state. Entries are
// single-use and expire after a short TTL.
package challenge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a stored challenge stays consumable.
const DefaultTTL = 60 * time.Second

type entry struct {
	data      any
	meta      map[string]string
	expiresAt time.Time
}

// Store is a TTL'd single-use challenge registry. Safe for concurrent use.
type Store struct {
	ttl time.Duration
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

func NewStore(ttl time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		log:     log,
		entries: make(map[string]entry),
	}
}

// Put registers a challenge with its ceremony data, replacing any previous
// entry under the same key.
func (s *Store) Put(challenge string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[challenge] = entry{
		data:      data,
		meta:      make(map[string]string),
		expiresAt: time.Now().Add(s.ttl),
	}
}

// Consume atomically looks up, removes, and returns the ceremony data for a
// challenge. Expired entries are swept before the lookup, so a consumed
// challenge is gone whether or not it was still live.
func (s *Store) Consume(challenge string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(time.Now())

	e, ok := s.entries[challenge]
	if !ok {
		return nil, false
	}
	delete(s.entries, challenge)
	return e.data, true
}

// SetMeta attaches a key/value pair to a pending challenge. No-op if the
// challenge is unknown.
func (s *Store) SetMeta(challenge, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[challenge]; ok {
		e.meta[key] = value
	}
}

func (s *Store) GetMeta(challenge, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[challenge]
	if !ok {
		return "", false
	}
	v, ok := e.meta[key]
	return v, ok
}

func (s *Store) DeleteMeta(challenge, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[challenge]; ok {
		delete(e.meta, key)
	}
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) sweepLocked(now time.Time) {
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartSweep runs a periodic sweep of expired challenges until ctx is done.
func (s *Store) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(s.ttl)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				before := len(s.entries)
				s.sweepLocked(time.Now())
				swept := before - len(s.entries)
				s.mu.Unlock()
				if swept > 0 {
					s.log.Debug("challenge: swept expired entries", "count", swept)
				}
			}
		}
	}()
}
