package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
)

const sessionCookie = "session"

// RegisterRoutes adds all authentication and device-management routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/login", s.handleLoginPage)
	mux.HandleFunc("GET /auth/register", s.handleRegisterPage)
	mux.HandleFunc("POST /auth/register/begin", s.handleRegisterBegin)
	mux.HandleFunc("POST /auth/register/finish", s.handleRegisterFinish)
	mux.HandleFunc("POST /auth/login/begin", s.handleLoginBegin)
	mux.HandleFunc("POST /auth/login/finish", s.handleLoginFinish)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/session", s.handleSession)
	mux.HandleFunc("POST /auth/revoke-all", s.handleRevokeAll)
	mux.HandleFunc("GET /auth/credentials", s.handleListCredentials)
	mux.HandleFunc("PATCH /auth/credentials/{id}", s.handleRenameCredential)
	mux.HandleFunc("DELETE /auth/credentials/{id}", s.handleRemoveCredential)
	mux.HandleFunc("GET /auth/setup-tokens", s.handleListSetupTokens)
	mux.HandleFunc("POST /auth/setup-tokens", s.handleCreateSetupToken)
	mux.HandleFunc("PATCH /auth/setup-tokens/{id}", s.handleRenameSetupToken)
	mux.HandleFunc("DELETE /auth/setup-tokens/{id}", s.handleRevokeSetupToken)
}

// isLocalRequest reports whether the request arrived over loopback. Local
// requests may remove the last credential.
func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, f *Failure) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.Status)
	body := map[string]any{"error": f.Reason, "message": f.Message}
	for k, v := range f.Meta {
		body[k] = v
	}
	json.NewEncoder(w).Encode(body)
}

func (s *Service) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if !s.IsSetUp() {
		http.Redirect(w, r, "/auth/register", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	LoginPage().Render(r.Context(), w)
}

func (s *Service) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	RegisterPage().Render(r.Context(), w)
}

func (s *Service) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	res := s.StartRegistration(r.Header.Get("X-Setup-Token"))
	creation, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, creation)
}

func (s *Service) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(r.Body)
	if err != nil {
		writeFailure(w, Fail[struct{}](ReasonVerificationFailed, "malformed registration response").Failure())
		return
	}
	res := s.FinishRegistration(RegistrationRequest{
		Response:   parsed,
		SetupToken: r.Header.Get("X-Setup-Token"),
		DeviceID:   r.Header.Get("X-Device-ID"),
		DeviceName: r.Header.Get("X-Device-Name"),
		UserAgent:  r.UserAgent(),
	})
	out, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	s.setSessionCookie(w, out.Session.Token)
	writeJSON(w, map[string]any{"ok": true, "csrfToken": out.Session.CSRFToken})
}

func (s *Service) handleLoginBegin(w http.ResponseWriter, r *http.Request) {
	res := s.StartLogin()
	assertion, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, assertion)
}

func (s *Service) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(r.Body)
	if err != nil {
		writeFailure(w, Fail[struct{}](ReasonVerificationFailed, "malformed login response").Failure())
		return
	}
	res := s.FinishLogin(LoginRequest{Response: parsed, UserAgent: r.UserAgent()})
	out, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	s.setSessionCookie(w, out.Session.Token)
	writeJSON(w, map[string]any{"ok": true, "csrfToken": out.Session.CSRFToken})
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)
	if err == nil {
		res := s.Logout(cookie.Value, isLocalRequest(r))
		if fail := res.Failure(); fail != nil {
			writeFailure(w, fail)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/auth/login", http.StatusFound)
}

// handleSession is the session refresh ping: it reports whether the caller's
// session is valid, stamps activity, and returns the CSRF token so a client
// can rehydrate after a page reload.
func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	credID, ok := s.ValidateSession(cookie.Value)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.RefreshSessionActivity(cookie.Value); err != nil {
		s.log.Warn("auth: session refresh failed", "error", err)
	}
	csrf, _ := s.SessionCSRF(cookie.Value)
	writeJSON(w, map[string]any{"ok": true, "credentialId": credID, "csrfToken": csrf})
}

// requireSession authenticates management endpoints, which live under /auth/
// and therefore bypass the global middleware. Mutating requests from
// non-loopback clients must also present the session's CSRF token.
func (s *Service) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if _, ok := s.ValidateSession(cookie.Value); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if r.Method != http.MethodGet && !isLocalRequest(r) {
		csrf, ok := s.SessionCSRF(cookie.Value)
		if !ok || r.Header.Get("X-CSRF-Token") != csrf {
			http.Error(w, "forbidden: bad csrf token", http.StatusForbidden)
			return "", false
		}
	}
	return cookie.Value, true
}

func (s *Service) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	res := s.RevokeAllSessions()
	count, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "revoked": count})
}

func (s *Service) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	res := s.ListCredentials()
	creds, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, creds)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Service) handleRenameCredential(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, Fail[struct{}](ReasonTokenNameInvalid, "malformed request body").Failure())
		return
	}
	res := s.RenameCredential(r.PathValue("id"), req.Name)
	if fail := res.Failure(); fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Service) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	res := s.RemoveCredential(r.PathValue("id"), isLocalRequest(r))
	if fail := res.Failure(); fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Service) handleListSetupTokens(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	res := s.ListSetupTokens()
	tokens, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, tokens)
}

func (s *Service) handleCreateSetupToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, Fail[struct{}](ReasonTokenNameInvalid, "malformed request body").Failure())
		return
	}
	res := s.CreateSetupToken(req.Name)
	created, fail := res.Get()
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, created)
}

func (s *Service) handleRenameSetupToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, Fail[struct{}](ReasonTokenNameInvalid, "malformed request body").Failure())
		return
	}
	res := s.RenameSetupToken(r.PathValue("id"), req.Name)
	if fail := res.Failure(); fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Service) handleRevokeSetupToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	res := s.RevokeSetupToken(r.PathValue("id"), isLocalRequest(r))
	if fail := res.Failure(); fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Service) setSessionCookie(w http.ResponseWriter, token string) {
	secure := false
	for _, origin := range s.cfg.RPOrigins {
		if strings.HasPrefix(origin, "https") {
			secure = true
			break
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}
