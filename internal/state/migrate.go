package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"ttyhub/internal/tokenhash"
)

// Migrate upgrades a raw parsed state document through every on-disk format
// change, in order. Each step is idempotent, so re-running Migrate on its own
// output changes nothing. The boolean reports whether any step modified the
// document; the loader persists the result exactly once when it did.
func Migrate(doc map[string]any, now int64, log *slog.Logger) (map[string]any, bool) {
	changed := false
	steps := []struct {
		name string
		fn   func(map[string]any, int64) bool
	}{
		{"scalar-setup-token", migrateScalarSetupToken},
		{"plaintext-setup-tokens", migratePlaintextSetupTokens},
		{"credential-metadata", migrateCredentialMetadata},
		{"orphaned-sessions", migrateOrphanedSessions},
		{"session-activity", migrateSessionActivity},
		{"setup-token-expiry", migrateSetupTokenExpiry},
	}
	for _, step := range steps {
		if step.fn(doc, now) {
			log.Info("state: migration applied", "step", step.name)
			changed = true
		}
	}
	return doc, changed
}

// FromDocument decodes a migrated document into a typed AuthState.
func FromDocument(doc map[string]any) (AuthState, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Empty(), fmt.Errorf("state: encode document: %w", err)
	}
	s := Empty()
	if err := json.Unmarshal(data, &s); err != nil {
		return Empty(), fmt.Errorf("state: decode document: %w", err)
	}
	if s.Credentials == nil {
		s.Credentials = []Credential{}
	}
	if s.Sessions == nil {
		s.Sessions = map[string]Session{}
	}
	if s.SetupTokens == nil {
		s.SetupTokens = []SetupToken{}
	}
	return s, nil
}

// Early versions stored a single setup token under a scalar "setupToken" key.
// The plaintext is irrecoverable, so the entry is carried over with a random
// hash and salt that can never verify, preserving id, name, and timestamps.
func migrateScalarSetupToken(doc map[string]any, _ int64) bool {
	old, ok := doc["setupToken"]
	if !ok {
		return false
	}
	delete(doc, "setupToken")

	entry := map[string]any{
		"id":   randomHex(4),
		"name": "Setup Token",
		"hash": randomHex(64),
		"salt": randomHex(16),
	}
	if m, ok := old.(map[string]any); ok {
		for _, key := range []string{"id", "name", "createdAt", "lastUsedAt", "expiresAt"} {
			if v, ok := m[key]; ok {
				entry[key] = v
			}
		}
	}
	doc["setupTokens"] = append(docTokens(doc), entry)
	return true
}

// Setup tokens once stored the bearer string in plaintext. Hash each such
// entry in place with a fresh salt and drop the plaintext.
func migratePlaintextSetupTokens(doc map[string]any, _ int64) bool {
	changed := false
	for _, t := range docTokens(doc) {
		entry, ok := t.(map[string]any)
		if !ok {
			continue
		}
		plain, hasPlain := entry["token"].(string)
		if !hasPlain {
			continue
		}
		if _, hasHash := entry["hash"]; !hasHash {
			hashHex, saltHex, err := tokenhash.Hash(plain)
			if err != nil {
				// Unhashable entries become never-matching sentinels rather
				// than surviving in plaintext.
				hashHex, saltHex = randomHex(64), randomHex(16)
			}
			entry["hash"] = hashHex
			entry["salt"] = saltHex
		}
		delete(entry, "token")
		changed = true
	}
	return changed
}

// Credentials registered before device metadata existed get placeholder
// fields so the device list renders.
func migrateCredentialMetadata(doc map[string]any, now int64) bool {
	creds, _ := doc["credentials"].([]any)
	changed := false
	for i, c := range creds {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}
		_, hasDevice := entry["deviceId"]
		_, hasName := entry["name"]
		if hasDevice && hasName {
			continue
		}
		entry["deviceId"] = nil
		entry["name"] = fmt.Sprintf("Device %d", i+1)
		entry["createdAt"] = now
		entry["lastUsedAt"] = now
		entry["userAgent"] = "Unknown"
		changed = true
	}
	return changed
}

// Remove sessions in legacy shapes: bare numbers, entries without a
// credentialId, null credentialId, or a credentialId that no longer matches
// any registered credential.
func migrateOrphanedSessions(doc map[string]any, _ int64) bool {
	sessions, ok := doc["sessions"].(map[string]any)
	if !ok {
		return false
	}
	known := make(map[string]bool)
	if creds, ok := doc["credentials"].([]any); ok {
		for _, c := range creds {
			if entry, ok := c.(map[string]any); ok {
				if id, ok := entry["id"].(string); ok {
					known[id] = true
				}
			}
		}
	}
	changed := false
	for tok, raw := range sessions {
		entry, isObject := raw.(map[string]any)
		if !isObject {
			delete(sessions, tok)
			changed = true
			continue
		}
		credID, hasCred := entry["credentialId"]
		if !hasCred || credID == nil {
			delete(sessions, tok)
			changed = true
			continue
		}
		id, _ := credID.(string)
		if !known[id] {
			delete(sessions, tok)
			changed = true
		}
	}
	return changed
}

// Sessions predating activity tracking get lastActivityAt stamped now.
func migrateSessionActivity(doc map[string]any, now int64) bool {
	sessions, ok := doc["sessions"].(map[string]any)
	if !ok {
		return false
	}
	changed := false
	for _, raw := range sessions {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := entry["lastActivityAt"]; !ok {
			entry["lastActivityAt"] = now
			changed = true
		}
	}
	return changed
}

// Expiry is mandatory for setup tokens; drop anything without one or already
// past it. Fail closed.
func migrateSetupTokenExpiry(doc map[string]any, now int64) bool {
	tokens := docTokens(doc)
	if tokens == nil {
		return false
	}
	kept := make([]any, 0, len(tokens))
	for _, t := range tokens {
		entry, ok := t.(map[string]any)
		if !ok {
			continue
		}
		exp, ok := entry["expiresAt"].(float64)
		if !ok || int64(exp) <= now {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == len(tokens) {
		return false
	}
	doc["setupTokens"] = kept
	return true
}

func docTokens(doc map[string]any) []any {
	tokens, _ := doc["setupTokens"].([]any)
	return tokens
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
