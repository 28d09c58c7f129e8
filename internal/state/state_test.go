package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

const msHour = int64(3600 * 1000)

func testCredential(id string) Credential {
	return Credential{
		ID:        id,
		PublicKey: "cHVibGlj",
		Counter:   0,
		Name:      "Laptop",
		CreatedAt: 1000,
		UserAgent: "test",
	}
}

func TestWithUserAndAddCredential(t *testing.T) {
	s := Empty()
	if s.User != nil {
		t.Fatal("empty state should have no user")
	}
	if s.HasCredentials() {
		t.Fatal("empty state should have no credentials")
	}

	s = s.WithUser(NewUserID(), "").AddCredential(testCredential("cred-1"))
	if s.User == nil || s.User.Name != "owner" {
		t.Errorf("user = %+v, want owner", s.User)
	}
	if !s.HasCredentials() {
		t.Error("HasCredentials() = false after add")
	}
	if _, ok := s.GetCredential("cred-1"); !ok {
		t.Error("GetCredential() should find added credential")
	}
}

func TestAddCredentialDefaultName(t *testing.T) {
	c := testCredential("cred-1")
	c.Name = ""
	s := Empty().AddCredential(c)
	got, _ := s.GetCredential("cred-1")
	if got.Name != DefaultDeviceName {
		t.Errorf("Name = %q, want %q", got.Name, DefaultDeviceName)
	}
}

func TestTransitionsDoNotMutateReceiver(t *testing.T) {
	base := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok", 9999, "cred-1", "csrf", 1)

	_ = base.AddCredential(testCredential("cred-2"))
	_ = base.RemoveSession("tok")
	_ = base.UpdateCredential("cred-1", func(c *Credential) { c.Counter = 42 })
	_ = base.UpdateSessionActivity("tok", 5000, 0, msHour)

	if len(base.Credentials) != 1 {
		t.Errorf("base credentials = %d, want 1", len(base.Credentials))
	}
	if base.Credentials[0].Counter != 0 {
		t.Errorf("base counter = %d, want 0", base.Credentials[0].Counter)
	}
	sess, ok := base.GetSession("tok")
	if !ok {
		t.Fatal("base session removed by transition on a copy")
	}
	if sess.LastActivityAt != 1 {
		t.Errorf("base lastActivityAt = %d, want 1", sess.LastActivityAt)
	}
}

func TestRemoveCredentialCascades(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddCredential(testCredential("cred-2")).
		AddSession("tok-1", 9999, "cred-1", "c1", 1).
		AddSession("tok-2", 9999, "cred-2", "c2", 1)
	s, err := s.AddSetupToken(SetupTokenParams{ID: "st-1", Token: "secret", ExpiresAt: 9999, CredentialID: "cred-1"})
	if err != nil {
		t.Fatal(err)
	}

	s, err = s.RemoveCredential("cred-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetCredential("cred-1"); ok {
		t.Error("credential should be gone")
	}
	if _, ok := s.GetSession("tok-1"); ok {
		t.Error("session bound to removed credential should be gone")
	}
	if _, ok := s.GetSession("tok-2"); !ok {
		t.Error("unrelated session should survive")
	}
	if _, ok := s.GetSetupToken("st-1"); ok {
		t.Error("setup token linked to removed credential should be gone")
	}
	for _, sess := range s.Sessions {
		if sess.CredentialID == "cred-1" {
			t.Error("no session may reference the removed credential")
		}
	}
}

func TestRemoveLastCredentialRefused(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok", 9999, "cred-1", "c", 1)

	_, err := s.RemoveCredential("cred-1", false)
	var lastErr *LastCredentialError
	if !errors.As(err, &lastErr) {
		t.Fatalf("err = %v, want LastCredentialError", err)
	}
	if lastErr.CredentialID != "cred-1" {
		t.Errorf("CredentialID = %q, want cred-1", lastErr.CredentialID)
	}

	s, err = s.RemoveCredential("cred-1", true)
	if err != nil {
		t.Fatalf("allowRemoveLast should succeed, got %v", err)
	}
	if s.HasCredentials() || s.SessionCount() != 0 {
		t.Errorf("got %d credentials, %d sessions, want 0, 0", len(s.Credentials), s.SessionCount())
	}
}

func TestRemoveUnknownCredentialIsNoop(t *testing.T) {
	s := Empty().AddCredential(testCredential("cred-1"))
	next, err := s.RemoveCredential("ghost", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Credentials) != 1 {
		t.Error("removing unknown credential should not change state")
	}
}

func TestCredentialsMetadataOmitsKeyMaterial(t *testing.T) {
	s := Empty().AddCredential(testCredential("cred-1"))
	meta := s.CredentialsMetadata()
	if len(meta) != 1 {
		t.Fatalf("metadata length = %d, want 1", len(meta))
	}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	for _, forbidden := range []string{"publicKey", "counter", "cHVibGlj"} {
		if strings.Contains(string(data), forbidden) {
			t.Errorf("metadata JSON contains %q", forbidden)
		}
	}
}

func TestIsValidSession(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("good", 2000, "cred-1", "c", 1).
		AddSession("expired", 500, "cred-1", "c", 1).
		AddSession("dangling", 2000, "ghost", "c", 1)

	now := int64(1000)
	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid", "good", true},
		{"empty token", "", false},
		{"unknown token", "nope", false},
		{"expired", "expired", false},
		{"dangling credential", "dangling", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.IsValidSession(tc.token, now); got != tc.want {
				t.Errorf("IsValidSession(%q) = %v, want %v", tc.token, got, tc.want)
			}
		})
	}

	valid := s.ValidSessions(now)
	if len(valid) != 1 {
		t.Errorf("ValidSessions() = %d entries, want 1", len(valid))
	}
	if _, ok := valid["good"]; !ok {
		t.Error("ValidSessions() should contain the valid session")
	}
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok", 1000, "cred-1", "c", 1)
	if s.IsValidSession("tok", 1000) {
		t.Error("session at exactly expiry should be invalid")
	}
	if !s.IsValidSession("tok", 999) {
		t.Error("session just before expiry should be valid")
	}
}

func TestUpdateSessionActivitySlides(t *testing.T) {
	ttl := 30 * 24 * msHour
	threshold := 24 * msHour
	now := 100 * 24 * msHour

	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok", now+10*60*1000, "cred-1", "c", now-25*msHour)

	s = s.UpdateSessionActivity("tok", now, threshold, ttl)
	sess, _ := s.GetSession("tok")
	if sess.Expiry != now+ttl {
		t.Errorf("expiry = %d, want %d (slid forward)", sess.Expiry, now+ttl)
	}
	if sess.LastActivityAt != now {
		t.Errorf("lastActivityAt = %d, want %d", sess.LastActivityAt, now)
	}
}

func TestUpdateSessionActivityBelowThreshold(t *testing.T) {
	ttl := 30 * 24 * msHour
	threshold := 24 * msHour
	now := 100 * 24 * msHour
	expiry := now + 10*60*1000

	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok", expiry, "cred-1", "c", now-msHour)

	s = s.UpdateSessionActivity("tok", now, threshold, ttl)
	sess, _ := s.GetSession("tok")
	if sess.Expiry != expiry {
		t.Errorf("expiry = %d, want unchanged %d", sess.Expiry, expiry)
	}
	if sess.LastActivityAt != now {
		t.Errorf("lastActivityAt = %d, want %d", sess.LastActivityAt, now)
	}
}

func TestUpdateSessionActivityNeverShrinksExpiry(t *testing.T) {
	ttl := msHour
	now := 100 * msHour
	farExpiry := now + 100*ttl

	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok", farExpiry, "cred-1", "c", 0)

	s = s.UpdateSessionActivity("tok", now, 0, ttl)
	sess, _ := s.GetSession("tok")
	if sess.Expiry < farExpiry {
		t.Errorf("expiry = %d, shrank below %d", sess.Expiry, farExpiry)
	}
}

func TestRevokeAllSessions(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok-1", 9999, "cred-1", "c", 1).
		AddSession("tok-2", 9999, "cred-1", "c", 1)

	s = s.RevokeAllSessions()
	if s.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", s.SessionCount())
	}
	if !s.HasCredentials() {
		t.Error("revoking sessions should not touch credentials")
	}
}

func TestAddSetupTokenNeverStoresPlaintext(t *testing.T) {
	const plaintext = "super-secret-setup-token"
	s, err := Empty().AddSetupToken(SetupTokenParams{
		ID: "st-1", Token: plaintext, Name: "CI", CreatedAt: 1, ExpiresAt: 9999,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), plaintext) {
		t.Error("serialized state contains the plaintext token")
	}
	if found, ok := s.FindSetupToken(plaintext, 100); !ok || found.ID != "st-1" {
		t.Errorf("FindSetupToken() = %+v, %v, want st-1, true", found, ok)
	}
}

func TestFindSetupToken(t *testing.T) {
	s, err := Empty().AddSetupToken(SetupTokenParams{ID: "st-1", Token: "alpha", ExpiresAt: 5000})
	if err != nil {
		t.Fatal(err)
	}
	s, err = s.AddSetupToken(SetupTokenParams{ID: "st-2", Token: "beta", ExpiresAt: 5000})
	if err != nil {
		t.Fatal(err)
	}
	// Malformed entry: no hash or salt. Must not match, must not break lookup.
	s.SetupTokens = append(s.SetupTokens, SetupToken{ID: "st-3", ExpiresAt: 5000})

	if found, ok := s.FindSetupToken("beta", 100); !ok || found.ID != "st-2" {
		t.Errorf("FindSetupToken(beta) = %+v, %v, want st-2, true", found, ok)
	}
	if _, ok := s.FindSetupToken("gamma", 100); ok {
		t.Error("FindSetupToken() matched a token that was never added")
	}
}

func TestFindSetupTokenFailClosedExpiry(t *testing.T) {
	s, err := Empty().AddSetupToken(SetupTokenParams{ID: "st-1", Token: "alpha", ExpiresAt: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.FindSetupToken("alpha", 1000); ok {
		t.Error("token at exactly expiresAt should be expired")
	}
	if _, ok := s.FindSetupToken("alpha", 2000); ok {
		t.Error("expired token should not be found")
	}

	// Missing expiry is treated as expired.
	s.SetupTokens[0].ExpiresAt = 0
	if _, ok := s.FindSetupToken("alpha", 1); ok {
		t.Error("token without expiresAt should be treated as expired")
	}
}

func TestPruneExpiredTokens(t *testing.T) {
	s, _ := Empty().AddSetupToken(SetupTokenParams{ID: "live", Token: "a", ExpiresAt: 5000})
	s, _ = s.AddSetupToken(SetupTokenParams{ID: "dead", Token: "b", ExpiresAt: 100})
	s.SetupTokens = append(s.SetupTokens, SetupToken{ID: "no-expiry", Hash: "aa", Salt: "bb"})

	s, removed := s.PruneExpiredTokens(1000)
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if len(s.SetupTokens) != 1 || s.SetupTokens[0].ID != "live" {
		t.Errorf("remaining tokens = %+v, want only live", s.SetupTokens)
	}

	s, removed = s.PruneExpiredTokens(1000)
	if removed != 0 {
		t.Errorf("second prune removed = %d, want 0", removed)
	}
}

func TestEndSession(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddCredential(testCredential("cred-2")).
		AddSession("tok", 9999, "cred-1", "c", 1)
	s, _ = s.AddSetupToken(SetupTokenParams{ID: "st-1", Token: "x", ExpiresAt: 9999, CredentialID: "cred-1"})

	s, removedID, err := s.EndSession("tok", false)
	if err != nil {
		t.Fatal(err)
	}
	if removedID != "cred-1" {
		t.Errorf("removedID = %q, want cred-1", removedID)
	}
	if _, ok := s.GetCredential("cred-1"); ok {
		t.Error("credential should be removed with its session")
	}
	if _, ok := s.GetSetupToken("st-1"); ok {
		t.Error("linked setup token should be removed")
	}
}

func TestEndSessionLastCredential(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddSession("tok", 9999, "cred-1", "c", 1)

	_, _, err := s.EndSession("tok", false)
	var lastErr *LastCredentialError
	if !errors.As(err, &lastErr) {
		t.Fatalf("err = %v, want LastCredentialError", err)
	}

	next, removedID, err := s.EndSession("tok", true)
	if err != nil {
		t.Fatal(err)
	}
	if removedID != "cred-1" {
		t.Errorf("removedID = %q, want cred-1", removedID)
	}
	if next.HasCredentials() || next.SessionCount() != 0 {
		t.Error("state should be empty of credentials and sessions")
	}
}

func TestEndSessionAbsentOrOrphan(t *testing.T) {
	s := Empty().AddCredential(testCredential("cred-1"))

	next, removedID, err := s.EndSession("ghost", false)
	if err != nil || removedID != "" {
		t.Errorf("absent session: removedID = %q, err = %v, want \"\", nil", removedID, err)
	}
	if len(next.Credentials) != 1 {
		t.Error("absent session must not change credentials")
	}

	s = s.AddSession("orphan", 9999, "gone", "c", 1)
	next, removedID, err = s.EndSession("orphan", false)
	if err != nil || removedID != "" {
		t.Errorf("orphan session: removedID = %q, err = %v, want \"\", nil", removedID, err)
	}
	if _, ok := next.GetSession("orphan"); ok {
		t.Error("orphan session should still be removed")
	}
}

func TestValidSessionsAlwaysBackedByCredential(t *testing.T) {
	s := Empty().
		AddCredential(testCredential("cred-1")).
		AddCredential(testCredential("cred-2")).
		AddSession("tok-1", 9999, "cred-1", "c", 1).
		AddSession("tok-2", 9999, "cred-2", "c", 1)
	s, err := s.RemoveCredential("cred-2", false)
	if err != nil {
		t.Fatal(err)
	}

	for tok := range s.ValidSessions(100) {
		sess, _ := s.GetSession(tok)
		if _, ok := s.GetCredential(sess.CredentialID); !ok {
			t.Errorf("valid session %q has no backing credential", tok)
		}
	}
}

// Verifying a setup token walks every stored entry and burns a dummy
// comparison on malformed ones, so a hit at the front, a hit at the back,
// and a miss should all cost about the same. The ratio bound is generous;
// the point is catching a short-circuit, not micro-benchmarking scrypt.
func TestFindSetupTokenTimingUniform(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt-heavy")
	}

	now := int64(1000)
	s := Empty()
	var err error
	for i, plaintext := range []string{"front", "mid-a", "mid-b", "back"} {
		s, err = s.AddSetupToken(SetupTokenParams{
			ID:        fmt.Sprintf("tok-%d", i),
			Token:     plaintext,
			Name:      "n",
			CreatedAt: now,
			ExpiresAt: now + msHour,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// A malformed entry must burn a dummy comparison, not be skipped for free.
	s = s.UpdateSetupToken("tok-2", func(tok *SetupToken) {
		tok.Hash = ""
		tok.Salt = ""
	})

	measure := func(plaintext string, wantFound bool) time.Duration {
		start := time.Now()
		for i := 0; i < 3; i++ {
			if _, ok := s.FindSetupToken(plaintext, now); ok != wantFound {
				t.Fatalf("FindSetupToken(%q) = %v, want %v", plaintext, ok, wantFound)
			}
		}
		return time.Since(start)
	}

	frontHit := measure("front", true)
	backHit := measure("back", true)
	miss := measure("no-such-token", false)

	pairs := []struct {
		name string
		a, b time.Duration
	}{
		{"front vs back", frontHit, backHit},
		{"front vs miss", frontHit, miss},
		{"back vs miss", backHit, miss},
	}
	for _, p := range pairs {
		lo, hi := p.a, p.b
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo <= 0 || hi > 4*lo {
			t.Errorf("%s: %v vs %v, outside 4x ratio", p.name, p.a, p.b)
		}
	}
}
