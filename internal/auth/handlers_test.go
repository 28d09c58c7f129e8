package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestMux(t *testing.T) (*http.ServeMux, *Service, *fakeVerifier) {
	t.Helper()
	svc, fv := newTestService(t)
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	return mux, svc, fv
}

func sessionRequest(method, target, token string, body string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		r.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	}
	return r
}

func TestLoginPageRedirectsBeforeSetup(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/auth/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/auth/register" {
		t.Errorf("location = %q, want /auth/register", loc)
	}
}

func TestAuthPagesRender(t *testing.T) {
	mux, svc, fv := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/auth/register", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("register page = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("content-type = %q, want text/html", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"doRegister()", "setup-token", "device-name", "</html>"} {
		if !strings.Contains(body, want) {
			t.Errorf("register page missing %q", want)
		}
	}

	register(t, svc, fv, "Laptop")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/auth/login", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("login page = %d, want 200", rec.Code)
	}
	body = rec.Body.String()
	for _, want := range []string{"doLogin()", "navigator.credentials.get", "</html>"} {
		if !strings.Contains(body, want) {
			t.Errorf("login page missing %q", want)
		}
	}
}

func TestRegisterBeginRefusedWithoutToken(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	register(t, svc, fv, "Laptop")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/auth/register/begin", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != string(ReasonInvalidSetupToken) {
		t.Errorf("error = %v, want %s", body["error"], ReasonInvalidSetupToken)
	}
}

func TestLoginBeginBeforeSetup(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/auth/login/begin", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != string(ReasonNotSetup) {
		t.Errorf("error = %v, want %s", body["error"], ReasonNotSetup)
	}
}

func TestManagementRequiresSession(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	register(t, svc, fv, "Laptop")

	for _, target := range []string{"/auth/credentials", "/auth/setup-tokens"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without cookie = %d, want 401", target, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest("GET", "/auth/credentials", "bogus-token", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("stale cookie = %d, want 401", rec.Code)
	}
}

func TestListCredentialsOverHTTP(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	out := register(t, svc, fv, "Laptop")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest("GET", "/auth/credentials", out.Session.Token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var creds []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatal(err)
	}
	if len(creds) != 1 || creds[0]["name"] != "Laptop" {
		t.Errorf("body = %s, want one Laptop credential", rec.Body.String())
	}
	if _, leaked := creds[0]["publicKey"]; leaked {
		t.Error("credential listing must not expose key material")
	}
}

func TestMutationNeedsCSRFFromRemote(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	out := register(t, svc, fv, "Laptop")

	// Remote PATCH without the CSRF header is refused.
	req := sessionRequest("PATCH", "/auth/credentials/"+out.CredentialID, out.Session.Token, `{"name":"Desk"}`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("without csrf = %d, want 403", rec.Code)
	}

	// With the header it goes through.
	req = sessionRequest("PATCH", "/auth/credentials/"+out.CredentialID, out.Session.Token, `{"name":"Desk"}`)
	req.Header.Set("X-CSRF-Token", out.Session.CSRFToken)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with csrf = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if svc.ListCredentials().Unwrap()[0].Name != "Desk" {
		t.Error("rename did not stick")
	}

	// Loopback callers skip the CSRF check.
	req = sessionRequest("PATCH", "/auth/credentials/"+out.CredentialID, out.Session.Token, `{"name":"Couch"}`)
	req.RemoteAddr = "127.0.0.1:40000"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback without csrf = %d, want 200", rec.Code)
	}
}

func TestRemoveLastCredentialOverHTTP(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	out := register(t, svc, fv, "Laptop")

	req := sessionRequest("DELETE", "/auth/credentials/"+out.CredentialID, out.Session.Token, "")
	req.Header.Set("X-CSRF-Token", out.Session.CSRFToken)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote delete of last credential = %d, want 403", rec.Code)
	}

	req = sessionRequest("DELETE", "/auth/credentials/"+out.CredentialID, out.Session.Token, "")
	req.RemoteAddr = "127.0.0.1:40000"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("local delete = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestSetupTokenLifecycleOverHTTP(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	out := register(t, svc, fv, "Laptop")

	req := sessionRequest("POST", "/auth/setup-tokens", out.Session.Token, `{"name":"CI box"}`)
	req.Header.Set("X-CSRF-Token", out.Session.CSRFToken)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var created SetupTokenCreated
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Token == "" {
		t.Fatal("creation response must include the plaintext token")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest("GET", "/auth/setup-tokens", out.Session.Token, ""))
	var listed []SetupTokenInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("list = %s, want the created token", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), created.Token) {
		t.Error("listing must never include the plaintext token")
	}

	req = sessionRequest("DELETE", "/auth/setup-tokens/"+created.ID, out.Session.Token, "")
	req.Header.Set("X-CSRF-Token", out.Session.CSRFToken)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke = %d: %s", rec.Code, rec.Body.String())
	}
	if got := svc.ListSetupTokens().Unwrap(); len(got) != 0 {
		t.Errorf("tokens after revoke = %+v, want none", got)
	}
}

func TestSessionPing(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	out := register(t, svc, fv, "Laptop")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest("GET", "/auth/session", out.Session.Token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["credentialId"] != out.CredentialID {
		t.Errorf("credentialId = %v, want %s", body["credentialId"], out.CredentialID)
	}
	if body["csrfToken"] != out.Session.CSRFToken {
		t.Error("ping should return the session's csrf token")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest("GET", "/auth/session", "bogus", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus token = %d, want 401", rec.Code)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	out := register(t, svc, fv, "Laptop")

	req := sessionRequest("POST", "/auth/logout", out.Session.Token, "")
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302: %s", rec.Code, rec.Body.String())
	}

	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("logout should expire the session cookie")
	}
	if _, ok := svc.ValidateSession(out.Session.Token); ok {
		t.Error("session should be gone after logout")
	}
}

func TestRevokeAllOverHTTP(t *testing.T) {
	mux, svc, fv := newTestMux(t)
	out := register(t, svc, fv, "Laptop")

	req := sessionRequest("POST", "/auth/revoke-all", out.Session.Token, "")
	req.Header.Set("X-CSRF-Token", out.Session.CSRFToken)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := svc.ValidateSession(out.Session.Token); ok {
		t.Error("revoke-all should invalidate the caller's own session too")
	}
}

func TestIsLocalRequest(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:1234", true},
		{"[::1]:1234", true},
		{"192.0.2.7:1234", false},
		{"198.51.100.2:80", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tc.addr
		if got := isLocalRequest(r); got != tc.want {
			t.Errorf("isLocalRequest(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
