package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const sessionCookie = "session"

// SessionValidator answers whether a session token is valid and which
// credential backs it. *auth.Service satisfies it.
type SessionValidator interface {
	ValidateSession(token string) (credentialID string, ok bool)
}

type client struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	session string
}

// Hub tracks live websocket connections keyed by the session that opened
// them. When a session is revoked, its connections are closed immediately
// rather than lingering until the next request.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	events   chan Event
	sessions SessionValidator
	log      *slog.Logger
}

func NewHub(sessions SessionValidator, log *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*client]struct{}),
		events:   make(chan Event, 64),
		sessions: sessions,
		log:      log,
	}
}

// HandleEvent is a bus subscriber. The send never blocks the emitting auth
// request: if the buffer is full the event is dropped, and the periodic
// revalidation sweep cuts any connection a dropped revocation would have.
func (h *Hub) HandleEvent(e Event) {
	select {
	case h.events <- e:
	default:
		h.log.Warn("ws event dropped, hub backlogged", "kind", e.Kind)
	}
}

// revalidateEvery bounds how long a connection can outlive a session that
// expired without an explicit revocation event.
const revalidateEvery = time.Minute

// Run processes auth events: it disconnects revoked sessions and tells the
// surviving clients what happened. A slow ticker additionally revalidates
// every connection so sessions that simply expired get cut too.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(revalidateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e := <-h.events:
			if len(e.SessionTokens) > 0 {
				h.CloseSessions(e.SessionTokens)
			}
			h.broadcast(e)
		case <-ticker.C:
			h.revalidate()
		}
	}
}

// revalidate drops clients whose session is no longer valid.
func (h *Hub) revalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if _, ok := h.sessions.ValidateSession(c.session); !ok {
			c.conn.Close(websocket.StatusPolicyViolation, "session expired")
			c.cancel()
			delete(h.clients, c)
			h.log.Info("ws client disconnected by expiry")
		}
	}
}

// CloseSessions disconnects every client whose session is in tokens.
func (h *Hub) CloseSessions(tokens []string) {
	revoked := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		revoked[t] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if _, gone := revoked[c.session]; gone {
			c.conn.Close(websocket.StatusPolicyViolation, "session revoked")
			c.cancel()
			delete(h.clients, c)
			h.log.Info("ws client disconnected by revocation")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
		delete(h.clients, c)
	}
}

// broadcast sends the event kind and timestamp to the remaining clients.
// Session tokens never go over the wire.
func (h *Hub) broadcast(e Event) {
	msg, err := json.Marshal(map[string]any{
		"kind":      e.Kind,
		"timestamp": e.Timestamp.UnixMilli(),
	})
	if err != nil {
		h.log.Error("ws marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		writeCtx, writeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.conn.Write(writeCtx, websocket.MessageText, msg)
		writeCancel()
		if err != nil {
			h.log.Debug("removing dead ws client", "error", err)
			c.cancel()
			delete(h.clients, c)
		}
	}
}

// ServeHTTP upgrades the connection after re-validating the session cookie.
// The middleware already gates this route, but the hub keys clients by
// session and needs the token anyway.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, ok := h.sessions.ValidateSession(cookie.Value); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error("ws accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{conn: conn, cancel: cancel, session: cookie.Value}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", count)

	hello, _ := json.Marshal(map[string]any{
		"kind":      "connected",
		"timestamp": time.Now().UnixMilli(),
	})
	conn.Write(ctx, websocket.MessageText, hello)

	// Read loop keeps the connection alive; exits on disconnect.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	cancel()
	h.log.Info("ws client disconnected")
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
