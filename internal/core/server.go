package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"ttyhub/internal/audit"
	"ttyhub/internal/auth"
)

const defaultAuditLimit = 50

// Server assembles the HTTP surface: auth routes, the websocket hub, and the
// small JSON API. Everything outside the auth routes sits behind the session
// middleware, which the caller applies via Handler.
type Server struct {
	mux    *http.ServeMux
	svc    *auth.Service
	audit  *audit.Log
	logBuf *LogBuffer
	log    *slog.Logger
	start  time.Time
}

func NewServer(svc *auth.Service, hub *Hub, auditLog *audit.Log, logBuf *LogBuffer, log *slog.Logger) *Server {
	srv := &Server{
		mux:    http.NewServeMux(),
		svc:    svc,
		audit:  auditLog,
		logBuf: logBuf,
		log:    log,
		start:  time.Now(),
	}

	svc.RegisterRoutes(srv.mux)
	srv.mux.HandleFunc("GET /api/health", srv.handleHealth)
	srv.mux.HandleFunc("GET /api/logs", srv.handleLogs)
	srv.mux.HandleFunc("GET /api/audit", srv.handleAudit)
	srv.mux.Handle("GET /ws", hub)
	srv.mux.HandleFunc("GET /{$}", srv.handleIndex)

	return srv
}

// Handler returns the full handler with the session middleware applied.
func (s *Server) Handler() http.Handler {
	return s.svc.Middleware(s.mux)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"setUp":         s.svc.IsSetUp(),
		"uptimeSeconds": int(time.Since(s.start).Seconds()),
	}); err != nil {
		s.log.Error("failed to encode health response", "error", err)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.logBuf.Entries()); err != nil {
		s.log.Error("failed to encode logs response", "error", err)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.Recent(defaultAuditLimit)
	if err != nil {
		s.log.Error("audit query failed", "error", err)
		http.Error(w, "audit unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.log.Error("failed to encode audit response", "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := IndexPage().Render(r.Context(), w); err != nil {
		s.log.Error("render index", "error", err)
	}
}
