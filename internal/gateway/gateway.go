// Package gateway owns the relay's HTTP surface: the browser-facing and
// sandbox-facing WebSocket endpoints, the REST resume log, and health
// reporting. The browser handler subscribes connections to the hub; the
// ingress handler authenticates the sandbox, holds the session's single
// writer slot and persists everything the sandbox says.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/relay/internal/hub"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/token"
)

// Application close codes shared by both WebSocket endpoints.
const (
	CloseAuthRequired websocket.StatusCode = 4001
	CloseRejected     websocket.StatusCode = 4003
	CloseNotFound     websocket.StatusCode = 4004
)

const defaultPendingFlushDelay = 2 * time.Second

// Spawner triggers executor creation; the dispatcher implements it.
type Spawner interface {
	SpawnSession(ctx context.Context, sessionID string) error
}

// Decrypter is the external credentials-at-rest collaborator.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Proxy is the pass-through collaborator for debug-mode and foreign
// sessions, which bypass the sandbox entirely.
type Proxy interface {
	Passthrough(w http.ResponseWriter, r *http.Request, credentials string)
}

// CookieAuth authenticates an interactive user from the surrounding
// session-cookie mechanism.
type CookieAuth interface {
	Authenticate(r *http.Request) bool
}

type Config struct {
	Store  *persistence.Store
	Hub    *hub.Hub
	Tokens *token.Service

	Spawner Spawner

	// Debug-mode collaborators; both may be nil when the deployment has no
	// debug surface.
	Proxy       Proxy
	Credentials Decrypter
	CookieAuth  CookieAuth

	Metrics *otel.Metrics
	Logger  *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// PendingFlushDelay is the wait after ingress attach before pending
	// events are pushed. Zero uses the default.
	PendingFlushDelay time.Duration
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PendingFlushDelay <= 0 {
		cfg.PendingFlushDelay = defaultPendingFlushDelay
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/client/{tag}", s.handleClientWS)
	mux.HandleFunc("GET /ws/ingress/{tag}", s.handleIngressWS)
	mux.HandleFunc("GET /api/sessions/{tag}/events", s.handleListEvents)
	mux.HandleFunc("PUT /api/sessions/{tag}/events", s.handleAppendEvent)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	subs, ingresses := s.cfg.Hub.Counts()

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"db":          dbOK,
		"subscribers": subs,
		"ingresses":   ingresses,
	})
}

// wsConn adapts a websocket connection to the hub's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
}

// closeWith accepts the websocket handshake just far enough to deliver an
// application close code. Rejecting at the HTTP layer would hide the reason
// from browser clients.
func (s *Server) closeWith(w http.ResponseWriter, r *http.Request, code websocket.StatusCode, reason string) {
	conn, err := s.accept(w, r)
	if err != nil {
		return
	}
	_ = conn.Close(code, reason)
}
