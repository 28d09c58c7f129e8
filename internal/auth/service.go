// Package auth implements the passkey authentication service: WebAuthn
// registration and login ceremonies, session issuance with sliding expiry,
// setup-token enrollment, and credential management. Every operation runs as
// a read-modify-write transaction under the state lock.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"ttyhub/internal/challenge"
	"ttyhub/internal/lockout"
	"ttyhub/internal/state"
	"ttyhub/internal/store"
)

const (
	DefaultSessionTTL              = 30 * 24 * time.Hour
	DefaultSessionRefreshThreshold = 24 * time.Hour
	DefaultSetupTokenTTL           = 7 * 24 * time.Hour

	maxNameLength = 64
)

// Event kinds delivered to the Notifier.
const (
	EventCredentialRegistered = "credential-registered"
	EventCredentialRemoved    = "credential-removed"
	EventSessionsRevoked      = "sessions-revoked"
	EventLogin                = "login"
	EventLogout               = "logout"
)

// Verifier is the WebAuthn ceremony verifier. *webauthn.WebAuthn satisfies
// it; tests substitute fakes.
type Verifier interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// Notifier receives auth lifecycle events so the outer system can react, e.g.
// close terminal sockets belonging to revoked sessions.
type Notifier interface {
	AuthEvent(kind, credentialID string, sessionTokens []string)
}

type Config struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string

	SessionTTL              time.Duration
	SessionRefreshThreshold time.Duration
	SetupTokenTTL           time.Duration
	ChallengeTTL            time.Duration

	LockoutMaxAttempts int
	LockoutBaseBackoff time.Duration
	LockoutMaxBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.SessionRefreshThreshold == 0 {
		c.SessionRefreshThreshold = DefaultSessionRefreshThreshold
	}
	if c.SetupTokenTTL == 0 {
		c.SetupTokenTTL = DefaultSetupTokenTTL
	}
}

// Service combines the challenge store, the lockout tracker, and the state
// store into transactional auth operations.
type Service struct {
	cfg        Config
	store      *store.Store
	verifier   Verifier
	challenges *challenge.Store
	lockout    *lockout.Tracker
	notifier   Notifier
	log        *slog.Logger

	now func() int64 // epoch ms, overridable in tests
}

// New configures the WebAuthn verifier from cfg and builds the service.
func New(cfg Config, st *store.Store, log *slog.Logger) (*Service, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: webauthn init: %w", err)
	}
	return NewWithVerifier(cfg, st, wa, log), nil
}

// NewWithVerifier builds the service around an externally supplied verifier.
func NewWithVerifier(cfg Config, st *store.Store, v Verifier, log *slog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:        cfg,
		store:      st,
		verifier:   v,
		challenges: challenge.NewStore(cfg.ChallengeTTL, log),
		lockout:    lockout.NewTracker(cfg.LockoutMaxAttempts, cfg.LockoutBaseBackoff, cfg.LockoutMaxBackoff),
		log:        log,
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNotifier wires the outer event sink. May be left unset.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// StartBackground launches the periodic challenge sweep.
func (s *Service) StartBackground(ctx context.Context) {
	s.challenges.StartSweep(ctx)
}

func (s *Service) notify(kind, credentialID string, sessions []string) {
	if s.notifier != nil {
		s.notifier.AuthEvent(kind, credentialID, sessions)
	}
}

// SessionInfo is handed to the HTTP layer for cookie issuance.
type SessionInfo struct {
	Token     string `json:"token"`
	CSRFToken string `json:"csrfToken"`
	Expiry    int64  `json:"expiry"`
}

type RegistrationRequest struct {
	Response   *protocol.ParsedCredentialCreationData
	SetupToken string
	DeviceID   string
	DeviceName string
	UserAgent  string
}

type RegistrationResult struct {
	Session      SessionInfo
	CredentialID string
}

type LoginRequest struct {
	Response  *protocol.ParsedCredentialAssertionData
	UserAgent string
}

type LoginResult struct {
	Session      SessionInfo
	CredentialID string
}

// SetupTokenInfo is the client-facing projection of a stored setup token.
type SetupTokenInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	LastUsedAt   int64  `json:"lastUsedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	CredentialID string `json:"credentialId,omitempty"`
}

// SetupTokenCreated carries the plaintext bearer back to the caller exactly
// once; only the hash is persisted.
type SetupTokenCreated struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	Name      string `json:"name"`
	ExpiresAt int64  `json:"expiresAt"`
}

// failFromStoreErr maps state-lock failures into the Result taxonomy.
func failFromStoreErr[T any](err error) Result[T] {
	if errors.Is(err, store.ErrLockTimeout) {
		return Fail[T](ReasonLockTimeout, "state is busy, try again")
	}
	return Fail[T](ReasonStorageError, err.Error())
}

// StartRegistration generates WebAuthn registration options. Once the system
// has credentials, enrolling another device requires a live setup token; its
// validation here is advisory only and is repeated inside FinishRegistration
// under the same lock that adds the credential.
func (s *Service) StartRegistration(setupToken string) Result[*protocol.CredentialCreation] {
	var res Result[*protocol.CredentialCreation]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		st := state.Empty()
		if cur != nil {
			st = *cur
		}

		if st.HasCredentials() {
			if _, ok := st.FindSetupToken(setupToken, s.now()); !ok {
				res = Fail[*protocol.CredentialCreation](ReasonInvalidSetupToken, "setup token is unknown or expired")
				return nil, nil
			}
		}

		userID, userName := state.NewUserID(), "owner"
		if st.User != nil {
			userID, userName = st.User.ID, st.User.Name
		}

		user := stateUser(st)
		if st.User == nil {
			if id, err := base64.RawURLEncoding.DecodeString(userID); err == nil {
				user.id = id
			}
		}

		creation, session, err := s.verifier.BeginRegistration(user)
		if err != nil {
			res = Fail[*protocol.CredentialCreation](ReasonVerificationFailed, err.Error())
			return nil, nil
		}

		s.challenges.Put(session.Challenge, session)
		s.challenges.SetMeta(session.Challenge, "userID", userID)
		s.challenges.SetMeta(session.Challenge, "userName", userName)

		res = OK(creation)
		return nil, nil
	})
	if err != nil {
		return failFromStoreErr[*protocol.CredentialCreation](err)
	}
	return res
}

// FinishRegistration verifies the attestation and installs the credential
// plus a fresh session. The setup token is re-validated under the lock to
// close the window between options generation and verification.
func (s *Service) FinishRegistration(req RegistrationRequest) Result[RegistrationResult] {
	if req.Response == nil {
		return Fail[RegistrationResult](ReasonVerificationFailed, "missing registration response")
	}

	var res Result[RegistrationResult]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		st := state.Empty()
		if cur != nil {
			st = *cur
		}
		now := s.now()

		var setupTokenID string
		if st.HasCredentials() {
			tok, ok := st.FindSetupToken(req.SetupToken, now)
			if !ok {
				res = Fail[RegistrationResult](ReasonInvalidSetupToken, "setup token is unknown or expired")
				return nil, nil
			}
			setupTokenID = tok.ID
		}

		challengeKey := req.Response.Response.CollectedClientData.Challenge
		userID, _ := s.challenges.GetMeta(challengeKey, "userID")
		userName, _ := s.challenges.GetMeta(challengeKey, "userName")

		data, ok := s.challenges.Consume(challengeKey)
		if !ok {
			res = Fail[RegistrationResult](ReasonInvalidChallenge, "challenge is unknown, used, or expired")
			return nil, nil
		}
		session, ok := data.(*webauthn.SessionData)
		if !ok {
			res = Fail[RegistrationResult](ReasonInvalidChallenge, "challenge holds no registration ceremony")
			return nil, nil
		}

		user := stateUser(st)
		if st.User == nil && userID != "" {
			if id, err := base64.RawURLEncoding.DecodeString(userID); err == nil {
				user.id = id
			}
		}

		cred, err := s.verifier.CreateCredential(user, *session, req.Response)
		if err != nil {
			s.log.Warn("auth: registration verification failed", "error", err)
			res = Fail[RegistrationResult](ReasonVerificationFailed, "attestation verification failed")
			return nil, nil
		}

		credID := encodeCredentialID(cred.ID)
		name := strings.TrimSpace(req.DeviceName)
		if name == "" {
			name = state.DefaultDeviceName
		}

		next := st
		if next.User == nil {
			if userName == "" {
				userName = "owner"
			}
			next = next.WithUser(userID, userName)
		}
		next = next.AddCredential(state.Credential{
			ID:           credID,
			PublicKey:    base64.RawURLEncoding.EncodeToString(cred.PublicKey),
			Counter:      cred.Authenticator.SignCount,
			DeviceID:     req.DeviceID,
			Name:         name,
			CreatedAt:    now,
			LastUsedAt:   now,
			UserAgent:    req.UserAgent,
			SetupTokenID: setupTokenID,
		})
		if setupTokenID != "" {
			next = next.UpdateSetupToken(setupTokenID, func(t *state.SetupToken) {
				t.CredentialID = credID
				t.LastUsedAt = now
			})
		}

		sess := s.newSession(now)
		next = next.AddSession(sess.Token, sess.Expiry, credID, sess.CSRFToken, now)

		res = OK(RegistrationResult{Session: sess, CredentialID: credID})
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[RegistrationResult](err)
	}
	if out, fail := res.Get(); fail == nil {
		s.log.Info("auth: credential registered", "credential_id", out.CredentialID)
		s.notify(EventCredentialRegistered, out.CredentialID, nil)
	}
	return res
}

// StartLogin generates authentication options listing the known credentials.
func (s *Service) StartLogin() Result[*protocol.CredentialAssertion] {
	var res Result[*protocol.CredentialAssertion]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil || !cur.HasCredentials() {
			res = Fail[*protocol.CredentialAssertion](ReasonNotSetup, "no credentials registered")
			return nil, nil
		}

		assertion, session, err := s.verifier.BeginLogin(stateUser(*cur))
		if err != nil {
			res = Fail[*protocol.CredentialAssertion](ReasonVerificationFailed, err.Error())
			return nil, nil
		}
		s.challenges.Put(session.Challenge, session)
		res = OK(assertion)
		return nil, nil
	})
	if err != nil {
		return failFromStoreErr[*protocol.CredentialAssertion](err)
	}
	return res
}

// FinishLogin verifies the assertion and issues a session. The credential
// lookup happens before the challenge is consumed, so an unknown credential
// reports unknown-credential even when the challenge is also bad. Failures
// feed the per-credential lockout; successes clear it.
func (s *Service) FinishLogin(req LoginRequest) Result[LoginResult] {
	if req.Response == nil {
		return Fail[LoginResult](ReasonVerificationFailed, "missing login response")
	}
	credID := encodeCredentialID(req.Response.RawID)

	var res Result[LoginResult]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil || !cur.HasCredentials() {
			res = Fail[LoginResult](ReasonNotSetup, "no credentials registered")
			return nil, nil
		}
		st := *cur
		now := s.now()

		if _, ok := st.GetCredential(credID); !ok {
			s.lockout.RecordFailure(credID)
			res = Fail[LoginResult](ReasonUnknownCredential, "credential is not registered")
			return nil, nil
		}

		if locked, retryAfter := s.lockout.IsLocked(credID); locked {
			res = FailMeta[LoginResult](ReasonCredentialLocked, "too many failed attempts",
				map[string]any{"retryAfterSec": int(retryAfter.Seconds()) + 1})
			return nil, nil
		}

		challengeKey := req.Response.Response.CollectedClientData.Challenge
		data, ok := s.challenges.Consume(challengeKey)
		if !ok {
			res = Fail[LoginResult](ReasonInvalidChallenge, "challenge is unknown, used, or expired")
			return nil, nil
		}
		session, ok := data.(*webauthn.SessionData)
		if !ok {
			res = Fail[LoginResult](ReasonInvalidChallenge, "challenge holds no login ceremony")
			return nil, nil
		}

		cred, err := s.verifier.ValidateLogin(stateUser(st), *session, req.Response)
		if err != nil {
			s.lockout.RecordFailure(credID)
			s.log.Warn("auth: login verification failed", "credential_id", credID, "error", err)
			res = Fail[LoginResult](ReasonVerificationFailed, "assertion verification failed")
			return nil, nil
		}
		s.lockout.RecordSuccess(credID)

		next := st.UpdateCredential(credID, func(c *state.Credential) {
			c.Counter = cred.Authenticator.SignCount
			c.LastUsedAt = now
			if req.UserAgent != "" {
				c.UserAgent = req.UserAgent
			}
		})
		sess := s.newSession(now)
		next = next.AddSession(sess.Token, sess.Expiry, credID, sess.CSRFToken, now)

		res = OK(LoginResult{Session: sess, CredentialID: credID})
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[LoginResult](err)
	}
	if out, fail := res.Get(); fail == nil {
		s.log.Info("auth: login succeeded", "credential_id", out.CredentialID)
		s.notify(EventLogin, out.CredentialID, nil)
	}
	return res
}

// Logout ends the session and unenrolls its credential. Removing the last
// credential is only allowed for requests from the loopback interface.
func (s *Service) Logout(token string, isLocal bool) Result[string] {
	var res Result[string]
	var removedID string
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			res = OK("")
			return nil, nil
		}
		next, removed, err := cur.EndSession(token, isLocal)
		if err != nil {
			var lastErr *state.LastCredentialError
			if errors.As(err, &lastErr) {
				res = Fail[string](ReasonLastCredential, "cannot remove the last credential remotely")
				return nil, nil
			}
			return nil, err
		}
		removedID = removed
		res = OK(removed)
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[string](err)
	}
	if res.OK() {
		s.notify(EventLogout, removedID, []string{token})
		if removedID != "" {
			s.notify(EventCredentialRemoved, removedID, []string{token})
		}
	}
	return res
}

// RevokeAllSessions clears every session and reports the revoked tokens so
// the hub can terminate their live connections.
func (s *Service) RevokeAllSessions() Result[int] {
	var res Result[int]
	var revoked []string
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			res = OK(0)
			return nil, nil
		}
		for tok := range cur.Sessions {
			revoked = append(revoked, tok)
		}
		next := cur.RevokeAllSessions()
		res = OK(len(revoked))
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[int](err)
	}
	if res.OK() && len(revoked) > 0 {
		s.log.Info("auth: all sessions revoked", "count", len(revoked))
		s.notify(EventSessionsRevoked, "", revoked)
	}
	return res
}

// ListCredentials returns credential metadata without key material.
func (s *Service) ListCredentials() Result[[]state.CredentialMetadata] {
	var res Result[[]state.CredentialMetadata]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			res = OK([]state.CredentialMetadata{})
			return nil, nil
		}
		res = OK(cur.CredentialsMetadata())
		return nil, nil
	})
	if err != nil {
		return failFromStoreErr[[]state.CredentialMetadata](err)
	}
	return res
}

// RenameCredential updates a credential's display name.
func (s *Service) RenameCredential(id, name string) Result[struct{}] {
	if fail := validateName(name); fail != nil {
		return Result[struct{}]{failure: fail}
	}
	var res Result[struct{}]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			res = Fail[struct{}](ReasonNotSetup, "no credentials registered")
			return nil, nil
		}
		if _, ok := cur.GetCredential(id); !ok {
			res = Fail[struct{}](ReasonUnknownCredential, "credential is not registered")
			return nil, nil
		}
		next := cur.UpdateCredential(id, func(c *state.Credential) {
			c.Name = strings.TrimSpace(name)
		})
		res = OK(struct{}{})
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[struct{}](err)
	}
	return res
}

// RemoveCredential deletes a credential with its sessions and linked setup
// tokens. The last credential may only be removed locally.
func (s *Service) RemoveCredential(id string, isLocal bool) Result[struct{}] {
	var res Result[struct{}]
	var closed []string
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			res = Fail[struct{}](ReasonNotSetup, "no credentials registered")
			return nil, nil
		}
		if _, ok := cur.GetCredential(id); !ok {
			res = Fail[struct{}](ReasonUnknownCredential, "credential is not registered")
			return nil, nil
		}
		for tok, sess := range cur.Sessions {
			if sess.CredentialID == id {
				closed = append(closed, tok)
			}
		}
		next, err := cur.RemoveCredential(id, isLocal)
		if err != nil {
			var lastErr *state.LastCredentialError
			if errors.As(err, &lastErr) {
				res = Fail[struct{}](ReasonLastCredential, "cannot remove the last credential remotely")
				return nil, nil
			}
			return nil, err
		}
		res = OK(struct{}{})
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[struct{}](err)
	}
	if res.OK() {
		s.log.Info("auth: credential removed", "credential_id", id)
		s.notify(EventCredentialRemoved, id, closed)
	}
	return res
}

// CreateSetupToken mints a new enrollment bearer. The plaintext is returned
// once and stored only as a salted hash.
func (s *Service) CreateSetupToken(name string) Result[SetupTokenCreated] {
	if fail := validateName(name); fail != nil {
		return Result[SetupTokenCreated]{failure: fail}
	}
	var res Result[SetupTokenCreated]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil || !cur.HasCredentials() {
			res = Fail[SetupTokenCreated](ReasonNotSetup, "no credentials registered")
			return nil, nil
		}
		now := s.now()
		created := SetupTokenCreated{
			ID:        randomHex(8),
			Token:     randomHex(16),
			Name:      strings.TrimSpace(name),
			ExpiresAt: now + s.cfg.SetupTokenTTL.Milliseconds(),
		}
		next, err := cur.AddSetupToken(state.SetupTokenParams{
			ID:        created.ID,
			Token:     created.Token,
			Name:      created.Name,
			CreatedAt: now,
			ExpiresAt: created.ExpiresAt,
		})
		if err != nil {
			return nil, err
		}
		res = OK(created)
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[SetupTokenCreated](err)
	}
	return res
}

// ListSetupTokens projects stored tokens without hash or salt.
func (s *Service) ListSetupTokens() Result[[]SetupTokenInfo] {
	var res Result[[]SetupTokenInfo]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		out := []SetupTokenInfo{}
		if cur != nil {
			for _, t := range cur.SetupTokens {
				out = append(out, SetupTokenInfo{
					ID:           t.ID,
					Name:         t.Name,
					CreatedAt:    t.CreatedAt,
					LastUsedAt:   t.LastUsedAt,
					ExpiresAt:    t.ExpiresAt,
					CredentialID: t.CredentialID,
				})
			}
		}
		res = OK(out)
		return nil, nil
	})
	if err != nil {
		return failFromStoreErr[[]SetupTokenInfo](err)
	}
	return res
}

// RenameSetupToken updates a token's display name.
func (s *Service) RenameSetupToken(id, name string) Result[struct{}] {
	if fail := validateName(name); fail != nil {
		return Result[struct{}]{failure: fail}
	}
	var res Result[struct{}]
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			res = Fail[struct{}](ReasonNotSetup, "no setup tokens exist")
			return nil, nil
		}
		if _, ok := cur.GetSetupToken(id); !ok {
			res = Fail[struct{}](ReasonInvalidSetupToken, "setup token not found")
			return nil, nil
		}
		next := cur.UpdateSetupToken(id, func(t *state.SetupToken) {
			t.Name = strings.TrimSpace(name)
		})
		res = OK(struct{}{})
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[struct{}](err)
	}
	return res
}

// RevokeSetupToken removes a setup token and, when a credential was enrolled
// through it, unenrolls that credential and its sessions under the
// last-credential rule.
func (s *Service) RevokeSetupToken(id string, isLocal bool) Result[struct{}] {
	var res Result[struct{}]
	var removedCred string
	var closed []string
	err := s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		if cur == nil {
			res = Fail[struct{}](ReasonNotSetup, "no setup tokens exist")
			return nil, nil
		}
		tok, ok := cur.GetSetupToken(id)
		if !ok {
			res = Fail[struct{}](ReasonInvalidSetupToken, "setup token not found")
			return nil, nil
		}

		next := *cur
		if tok.CredentialID != "" {
			if _, ok := next.GetCredential(tok.CredentialID); ok {
				for t, sess := range next.Sessions {
					if sess.CredentialID == tok.CredentialID {
						closed = append(closed, t)
					}
				}
				var err error
				next, err = next.RemoveCredential(tok.CredentialID, isLocal)
				if err != nil {
					var lastErr *state.LastCredentialError
					if errors.As(err, &lastErr) {
						res = Fail[struct{}](ReasonLastCredential, "cannot remove the last credential remotely")
						return nil, nil
					}
					return nil, err
				}
				removedCred = tok.CredentialID
			}
		}
		next = next.RemoveSetupToken(id)
		res = OK(struct{}{})
		return &next, nil
	})
	if err != nil {
		return failFromStoreErr[struct{}](err)
	}
	if res.OK() && removedCred != "" {
		s.notify(EventCredentialRemoved, removedCred, closed)
	}
	return res
}

// RefreshSessionActivity stamps session activity and slides the expiry when
// the inactivity threshold has passed. Invalid sessions are a silent no-op.
func (s *Service) RefreshSessionActivity(token string) error {
	return s.store.WithLock(func(cur *state.AuthState) (*state.AuthState, error) {
		now := s.now()
		if cur == nil || !cur.IsValidSession(token, now) {
			return nil, nil
		}
		next := cur.UpdateSessionActivity(token, now, s.cfg.SessionRefreshThreshold.Milliseconds(), s.cfg.SessionTTL.Milliseconds())
		return &next, nil
	})
}

// ValidateSession answers the boundary question asked by the terminal
// daemon: is this token valid, and which credential backs it. Reads through
// the cache without taking the state lock.
func (s *Service) ValidateSession(token string) (credentialID string, ok bool) {
	cur, err := s.store.Load()
	if err != nil || cur == nil {
		return "", false
	}
	if !cur.IsValidSession(token, s.now()) {
		return "", false
	}
	sess, _ := cur.GetSession(token)
	return sess.CredentialID, true
}

// SessionCSRF returns the CSRF token bound to a valid session.
func (s *Service) SessionCSRF(token string) (string, bool) {
	cur, err := s.store.Load()
	if err != nil || cur == nil {
		return "", false
	}
	if !cur.IsValidSession(token, s.now()) {
		return "", false
	}
	sess, _ := cur.GetSession(token)
	return sess.CSRFToken, true
}

// IsSetUp reports whether at least one credential is registered. A state
// file holding only setup tokens does not count.
func (s *Service) IsSetUp() bool {
	cur, err := s.store.Load()
	return err == nil && cur != nil && cur.HasCredentials()
}

func (s *Service) newSession(now int64) SessionInfo {
	return SessionInfo{
		Token:     randomHex(32),
		CSRFToken: randomHex(32),
		Expiry:    now + s.cfg.SessionTTL.Milliseconds(),
	}
}

func validateName(name string) *Failure {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Fail[struct{}](ReasonTokenNameInvalid, "name must not be empty").Failure()
	}
	if len(trimmed) > maxNameLength {
		return Fail[struct{}](ReasonTokenTooLong, fmt.Sprintf("name exceeds %d characters", maxNameLength)).Failure()
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
