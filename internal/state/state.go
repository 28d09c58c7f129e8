// Package state defines the persisted authentication state and its pure
// transitions. An AuthState is an immutable snapshot: every transition clones
// the containers it touches and returns a new value, so callers can hold a
// snapshot without worrying about later mutation. Persistence and locking
// live in internal/store.
package state

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"slices"

	"ttyhub/internal/tokenhash"
)

// DefaultDeviceName labels credentials enrolled without a client-supplied name.
const DefaultDeviceName = "Unknown Device"

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Credential is a registered passkey. ID and PublicKey hold the raw WebAuthn
// bytes base64url-encoded. Timestamps are epoch milliseconds.
type Credential struct {
	ID           string `json:"id"`
	PublicKey    string `json:"publicKey"`
	Counter      uint32 `json:"counter"`
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	LastUsedAt   int64  `json:"lastUsedAt"`
	UserAgent    string `json:"userAgent"`
	SetupTokenID string `json:"setupTokenId,omitempty"`
}

// CredentialMetadata is the projection of a credential handed to clients:
// everything except the key material and counter.
type CredentialMetadata struct {
	ID           string `json:"id"`
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	LastUsedAt   int64  `json:"lastUsedAt"`
	UserAgent    string `json:"userAgent"`
	SetupTokenID string `json:"setupTokenId,omitempty"`
}

// Session is keyed in AuthState.Sessions by its 32-byte hex token.
type Session struct {
	Expiry         int64  `json:"expiry"`
	CredentialID   string `json:"credentialId"`
	CSRFToken      string `json:"csrfToken"`
	LastActivityAt int64  `json:"lastActivityAt"`
}

// SetupToken is an enrollment bearer token at rest. Only the salted hash is
// stored; the plaintext never appears in a persisted state. A zero ExpiresAt
// means the token predates mandatory expiry and is treated as expired.
type SetupToken struct {
	ID           string `json:"id"`
	Hash         string `json:"hash"`
	Salt         string `json:"salt"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	LastUsedAt   int64  `json:"lastUsedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	CredentialID string `json:"credentialId,omitempty"`
}

// AuthState is the full persisted snapshot. Treat values as immutable: all
// transitions return a new AuthState.
type AuthState struct {
	User        *User              `json:"user"`
	Credentials []Credential       `json:"credentials"`
	Sessions    map[string]Session `json:"sessions"`
	SetupTokens []SetupToken       `json:"setupTokens"`
}

// LastCredentialError signals a refused removal of the only registered
// credential. It crosses from the state layer to the HTTP layer, which maps
// it to 403.
type LastCredentialError struct {
	CredentialID string
}

func (e *LastCredentialError) Error() string {
	return fmt.Sprintf("state: refusing to remove last credential %s", e.CredentialID)
}

// Empty returns a fresh state with no user and initialized containers.
func Empty() AuthState {
	return AuthState{
		Credentials: []Credential{},
		Sessions:    map[string]Session{},
		SetupTokens: []SetupToken{},
	}
}

// NewUserID generates the opaque owner id: 16 random bytes, url-safe base64.
func NewUserID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithUser returns a snapshot with the owner set. The owner is created once,
// at first registration, and never mutated afterwards.
func (s AuthState) WithUser(id, name string) AuthState {
	if name == "" {
		name = "owner"
	}
	s.User = &User{ID: id, Name: name}
	return s
}

// --- credential transitions ---

func (s AuthState) AddCredential(c Credential) AuthState {
	if c.Name == "" {
		c.Name = DefaultDeviceName
	}
	s.Credentials = append(slices.Clone(s.Credentials), c)
	return s
}

// UpdateCredential applies patch to the credential with the given id. Unknown
// ids leave the state unchanged.
func (s AuthState) UpdateCredential(id string, patch func(*Credential)) AuthState {
	creds := slices.Clone(s.Credentials)
	for i := range creds {
		if creds[i].ID == id {
			patch(&creds[i])
			break
		}
	}
	s.Credentials = creds
	return s
}

// RemoveCredential removes a credential and cascades: sessions bound to it
// and setup tokens linked to it go with it. Removing the last credential is
// refused with LastCredentialError unless allowRemoveLast is set.
func (s AuthState) RemoveCredential(id string, allowRemoveLast bool) (AuthState, error) {
	if _, ok := s.GetCredential(id); !ok {
		return s, nil
	}
	if len(s.Credentials) == 1 && !allowRemoveLast {
		return s, &LastCredentialError{CredentialID: id}
	}

	creds := make([]Credential, 0, len(s.Credentials)-1)
	for _, c := range s.Credentials {
		if c.ID != id {
			creds = append(creds, c)
		}
	}
	sessions := make(map[string]Session, len(s.Sessions))
	for tok, sess := range s.Sessions {
		if sess.CredentialID != id {
			sessions[tok] = sess
		}
	}
	tokens := make([]SetupToken, 0, len(s.SetupTokens))
	for _, t := range s.SetupTokens {
		if t.CredentialID != id {
			tokens = append(tokens, t)
		}
	}

	s.Credentials = creds
	s.Sessions = sessions
	s.SetupTokens = tokens
	return s, nil
}

func (s AuthState) GetCredential(id string) (Credential, bool) {
	for _, c := range s.Credentials {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}

func (s AuthState) HasCredentials() bool {
	return len(s.Credentials) > 0
}

// CredentialsMetadata projects the credential list without key material.
func (s AuthState) CredentialsMetadata() []CredentialMetadata {
	out := make([]CredentialMetadata, 0, len(s.Credentials))
	for _, c := range s.Credentials {
		out = append(out, CredentialMetadata{
			ID:           c.ID,
			DeviceID:     c.DeviceID,
			Name:         c.Name,
			CreatedAt:    c.CreatedAt,
			LastUsedAt:   c.LastUsedAt,
			UserAgent:    c.UserAgent,
			SetupTokenID: c.SetupTokenID,
		})
	}
	return out
}

// --- session transitions ---

func (s AuthState) AddSession(token string, expiry int64, credentialID, csrfToken string, lastActivityAt int64) AuthState {
	sessions := maps.Clone(s.Sessions)
	if sessions == nil {
		sessions = map[string]Session{}
	}
	sessions[token] = Session{
		Expiry:         expiry,
		CredentialID:   credentialID,
		CSRFToken:      csrfToken,
		LastActivityAt: lastActivityAt,
	}
	s.Sessions = sessions
	return s
}

func (s AuthState) RemoveSession(token string) AuthState {
	sessions := maps.Clone(s.Sessions)
	delete(sessions, token)
	s.Sessions = sessions
	return s
}

func (s AuthState) RevokeAllSessions() AuthState {
	s.Sessions = map[string]Session{}
	return s
}

// UpdateSessionActivity stamps lastActivityAt and, when the session has been
// idle past refreshThreshold, slides expiry forward to now+sessionTTL. Expiry
// never moves backwards. Unknown tokens leave the state unchanged.
func (s AuthState) UpdateSessionActivity(token string, now, refreshThreshold, sessionTTL int64) AuthState {
	sess, ok := s.Sessions[token]
	if !ok {
		return s
	}
	if now-sess.LastActivityAt > refreshThreshold {
		if e := now + sessionTTL; e > sess.Expiry {
			sess.Expiry = e
		}
	}
	sess.LastActivityAt = now

	sessions := maps.Clone(s.Sessions)
	sessions[token] = sess
	s.Sessions = sessions
	return s
}

func (s AuthState) GetSession(token string) (Session, bool) {
	sess, ok := s.Sessions[token]
	return sess, ok
}

// IsValidSession is the security gate for every authenticated request: the
// token must be non-empty, the session must exist and be unexpired, and its
// credential must still be registered. Sessions in legacy shapes (bare
// numbers, missing or null credentialId) are removed at load time and so
// never reach this check.
func (s AuthState) IsValidSession(token string, now int64) bool {
	if token == "" {
		return false
	}
	sess, ok := s.Sessions[token]
	if !ok {
		return false
	}
	if now >= sess.Expiry {
		return false
	}
	if sess.CredentialID == "" {
		return false
	}
	_, ok = s.GetCredential(sess.CredentialID)
	return ok
}

// ValidSessions returns the subset of sessions passing IsValidSession.
func (s AuthState) ValidSessions(now int64) map[string]Session {
	out := make(map[string]Session)
	for tok, sess := range s.Sessions {
		if s.IsValidSession(tok, now) {
			out[tok] = sess
		}
	}
	return out
}

func (s AuthState) SessionCount() int {
	return len(s.Sessions)
}

// --- setup-token transitions ---

// SetupTokenParams carries the fields for a new setup token, including the
// plaintext Token which is hashed at this boundary and discarded.
type SetupTokenParams struct {
	ID           string
	Token        string
	Name         string
	CreatedAt    int64
	LastUsedAt   int64
	ExpiresAt    int64
	CredentialID string
}

// AddSetupToken hashes the plaintext token and appends the stored entry. The
// plaintext is never retained.
func (s AuthState) AddSetupToken(p SetupTokenParams) (AuthState, error) {
	hashHex, saltHex, err := tokenhash.Hash(p.Token)
	if err != nil {
		return s, fmt.Errorf("state: hash setup token: %w", err)
	}
	s.SetupTokens = append(slices.Clone(s.SetupTokens), SetupToken{
		ID:           p.ID,
		Hash:         hashHex,
		Salt:         saltHex,
		Name:         p.Name,
		CreatedAt:    p.CreatedAt,
		LastUsedAt:   p.LastUsedAt,
		ExpiresAt:    p.ExpiresAt,
		CredentialID: p.CredentialID,
	})
	return s, nil
}

func (s AuthState) RemoveSetupToken(id string) AuthState {
	tokens := make([]SetupToken, 0, len(s.SetupTokens))
	for _, t := range s.SetupTokens {
		if t.ID != id {
			tokens = append(tokens, t)
		}
	}
	s.SetupTokens = tokens
	return s
}

// UpdateSetupToken applies patch to the token with the given id. Unknown ids
// leave the state unchanged.
func (s AuthState) UpdateSetupToken(id string, patch func(*SetupToken)) AuthState {
	tokens := slices.Clone(s.SetupTokens)
	for i := range tokens {
		if tokens[i].ID == id {
			patch(&tokens[i])
			break
		}
	}
	s.SetupTokens = tokens
	return s
}

// GetSetupToken looks up a stored entry by id.
func (s AuthState) GetSetupToken(id string) (SetupToken, bool) {
	for _, t := range s.SetupTokens {
		if t.ID == id {
			return t, true
		}
	}
	return SetupToken{}, false
}

// FindSetupToken verifies plaintext against every stored token. The loop
// never short-circuits: the first match is remembered but all remaining
// entries are still verified, and entries without hash or salt burn a dummy
// comparison, so the time taken does not depend on which entry matched or
// whether any did. The expiry check is applied after the loop and fails
// closed: a token without an expiry is expired.
func (s AuthState) FindSetupToken(plaintext string, now int64) (SetupToken, bool) {
	var match SetupToken
	found := false
	for _, t := range s.SetupTokens {
		if t.Hash == "" || t.Salt == "" {
			tokenhash.DummyCompare()
			continue
		}
		if tokenhash.Verify(plaintext, t.Salt, t.Hash) && !found {
			match = t
			found = true
		}
	}
	if !found {
		return SetupToken{}, false
	}
	if match.ExpiresAt == 0 || match.ExpiresAt <= now {
		return SetupToken{}, false
	}
	return match, true
}

// PruneExpiredTokens drops setup tokens whose expiry has passed or is
// missing, returning the number removed.
func (s AuthState) PruneExpiredTokens(now int64) (AuthState, int) {
	tokens := make([]SetupToken, 0, len(s.SetupTokens))
	removed := 0
	for _, t := range s.SetupTokens {
		if t.ExpiresAt == 0 || t.ExpiresAt <= now {
			removed++
			continue
		}
		tokens = append(tokens, t)
	}
	if removed == 0 {
		return s, 0
	}
	s.SetupTokens = tokens
	return s, removed
}

// EndSession terminates a session and, when the session is bound to a
// credential, removes that credential with the usual cascade. The removed
// credential id is returned, or "" when the session was absent or orphaned.
func (s AuthState) EndSession(token string, allowRemoveLast bool) (AuthState, string, error) {
	sess, ok := s.Sessions[token]
	if !ok {
		return s, "", nil
	}
	if sess.CredentialID == "" {
		return s.RemoveSession(token), "", nil
	}
	if _, ok := s.GetCredential(sess.CredentialID); !ok {
		return s.RemoveSession(token), "", nil
	}
	next, err := s.RemoveCredential(sess.CredentialID, allowRemoveLast)
	if err != nil {
		return s, "", err
	}
	// RemoveCredential cascades the session itself, but remove explicitly in
	// case the session was already orphaned from a concurrent edit.
	next = next.RemoveSession(token)
	return next, sess.CredentialID, nil
}
