// Package core ties the authentication service to the rest of the process:
// the event bus, the websocket hub, periodic state maintenance, and the HTTP
// server assembly.
package core

import (
	"log/slog"
	"sync"
	"time"

	"ttyhub/internal/audit"
)

// Event is an authentication lifecycle event fanned out to subscribers.
// SessionTokens lists the sessions the event closed; it stays in memory and
// is never persisted.
type Event struct {
	Kind          string
	CredentialID  string
	SessionTokens []string
	Timestamp     time.Time
}

type subscriber func(event Event)

// Bus receives auth events, writes them to the audit log, and fans them out.
// It satisfies the auth service's Notifier interface.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	audit       *audit.Log
	log         *slog.Logger
}

func NewBus(a *audit.Log, log *slog.Logger) *Bus {
	return &Bus{audit: a, log: log}
}

func (b *Bus) Subscribe(fn subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// AuthEvent implements the auth Notifier.
func (b *Bus) AuthEvent(kind, credentialID string, sessionTokens []string) {
	b.Emit(Event{
		Kind:          kind,
		CredentialID:  credentialID,
		SessionTokens: sessionTokens,
		Timestamp:     time.Now(),
	})
}

func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()

	b.log.Debug("event emitted", "kind", event.Kind, "credential_id", event.CredentialID)
	if b.audit != nil {
		// Only the count of affected sessions reaches the database.
		b.audit.Record(event.Kind, event.CredentialID, len(event.SessionTokens))
	}

	for _, fn := range subs {
		fn(event)
	}
}
