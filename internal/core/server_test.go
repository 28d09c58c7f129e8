package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ttyhub/internal/auth"
	"ttyhub/internal/state"
	"ttyhub/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st := newTestStore(t)

	svc, err := auth.New(auth.Config{
		RPDisplayName: "Test",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8080"},
	}, st, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	hub := NewHub(svc, slog.Default())
	logBuf := NewLogBuffer(10)
	srv := NewServer(svc, hub, openTestAudit(t), logBuf, slog.Default())
	return srv, st
}

// seedSession writes a valid credential and session straight into the state
// file so handler tests can authenticate without a WebAuthn ceremony.
func seedSession(t *testing.T, st *store.Store, token string) {
	t.Helper()
	now := time.Now().UnixMilli()
	s := state.Empty().WithUser(state.NewUserID(), "owner")
	s = s.AddCredential(state.Credential{
		ID:         "cred-a",
		PublicKey:  "cGs",
		Name:       "Laptop",
		CreatedAt:  now,
		LastUsedAt: now,
	})
	s = s.AddSession(token, now+3600_000, "cred-a", "csrf-token", now)
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["setUp"] != false {
		t.Errorf("setUp = %v, want false on fresh state", body["setUp"])
	}
}

func TestProtectedRoutesRedirectAnonymous(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, target := range []string{"/", "/api/logs", "/api/audit"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		if rec.Code != http.StatusFound {
			t.Errorf("GET %s = %d, want 302 redirect", target, rec.Code)
		}
	}
}

func TestLogsWithSession(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "valid-token")

	req := httptest.NewRequest("GET", "/api/logs", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "valid-token"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var entries []LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
}

func TestAuditWithSession(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "valid-token")
	srv.audit.Record("login", "cred-a", 0)

	req := httptest.NewRequest("GET", "/api/audit", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "valid-token"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var events []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0]["kind"] != "login" {
		t.Errorf("events = %s, want the recorded login", rec.Body.String())
	}
}

func TestIndexWithSession(t *testing.T) {
	srv, st := newTestServer(t)
	seedSession(t, st, "valid-token")

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "valid-token"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("content-type = %q, want text/html", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"new WebSocket", "/auth/logout", "</html>"} {
		if !strings.Contains(body, want) {
			t.Errorf("index page missing %q", want)
		}
	}
}
