package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
)

// handleClientWS is the browser-facing endpoint. Owned sessions subscribe to
// the hub; foreign and debug-mode sessions route to the pass-through proxy
// and never touch the sandbox.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	id, err := shared.ParseSessionTag(tag)
	if err != nil {
		// Not one of ours. An interactive user may still drive it through
		// the proxy; anyone else needs to sign in first.
		if s.cookieAuthed(r) && s.cfg.Proxy != nil {
			s.cfg.Proxy.Passthrough(w, r, "")
			return
		}
		s.closeWith(w, r, CloseAuthRequired, "authentication required")
		return
	}
	sessionID := id.String()

	sess, err := s.cfg.Store.GetSession(r.Context(), sessionID)
	if errors.Is(err, persistence.ErrSessionNotFound) {
		if s.cookieAuthed(r) && s.cfg.Proxy != nil {
			s.cfg.Proxy.Passthrough(w, r, "")
			return
		}
		s.closeWith(w, r, CloseNotFound, "session not found")
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if sess.ProviderMode == persistence.ProviderDebug {
		if s.cfg.Proxy == nil || s.cfg.Credentials == nil {
			s.closeWith(w, r, CloseRejected, "debug mode unavailable")
			return
		}
		creds, derr := s.cfg.Credentials.Decrypt(sess.Credentials)
		if derr != nil {
			s.logger.Warn("debug credentials unusable", "session_id", sessionID, "error", derr)
			s.closeWith(w, r, CloseRejected, "credentials unavailable")
			return
		}
		s.cfg.Proxy.Passthrough(w, r, creds)
		return
	}

	conn, err := s.accept(w, r)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	ctx = shared.WithSessionID(ctx, sessionID)

	if err := s.cfg.Hub.AddSubscriber(ctx, sessionID, c); err != nil {
		s.logger.Info("subscriber rejected", "session_id", sessionID, "error", err)
		code := CloseRejected
		if errors.Is(err, persistence.ErrSessionNotFound) {
			code = CloseNotFound
		}
		_ = conn.Close(code, err.Error())
		return
	}
	defer func() {
		s.cfg.Hub.RemoveSubscriber(sessionID, c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSubscribers.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveSubscribers.Add(context.WithoutCancel(ctx), -1)
	}
	s.logger.Info("client connected", "session_id", sessionID, "trace_id", shared.TraceID(ctx))

	// Frames are queued until the spawn-trigger decision has run, so a
	// message racing the subscription setup is never lost or misordered.
	setupDone := make(chan struct{})
	go func() {
		defer close(setupDone)
		s.maybeSpawn(sessionID, sess.Status)
	}()

	frames := make(chan []byte, 64)
	go func() {
		defer close(frames)
		for {
			_, data, rerr := conn.Read(ctx)
			if rerr != nil {
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-setupDone:
	case <-ctx.Done():
		return
	}
	for data := range frames {
		s.handleClientFrame(ctx, sessionID, c, data)
	}
	s.logger.Info("client disconnected", "session_id", sessionID, "trace_id", shared.TraceID(ctx))
}

func (s *Server) cookieAuthed(r *http.Request) bool {
	return s.cfg.CookieAuth != nil && s.cfg.CookieAuth.Authenticate(r)
}

// maybeSpawn triggers the executor when the session is idle, or when it
// claims to be running but no sandbox connection is alive anywhere (the
// sandbox died without updating status). Failures are logged, never
// surfaced to the browser: the session status field is the user's signal.
func (s *Server) maybeSpawn(sessionID string, status persistence.SessionStatus) {
	stale := status == persistence.SessionRunning && !s.cfg.Hub.HasIngress(sessionID)
	if status != persistence.SessionIdle && !stale {
		return
	}
	if s.cfg.Spawner == nil {
		return
	}
	go func() {
		if err := s.cfg.Spawner.SpawnSession(context.Background(), sessionID); err != nil {
			s.logger.Warn("spawn trigger failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (s *Server) handleClientFrame(ctx context.Context, sessionID string, c *wsConn, data []byte) {
	if err := s.cfg.Store.TouchSession(ctx, sessionID); err != nil {
		s.logger.Warn("touch session", "session_id", sessionID, "error", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("malformed client frame dropped",
			"session_id", sessionID, "trace_id", shared.TraceID(ctx), "error", err)
		s.dropFrame(ctx)
		return
	}

	if f.Type == typeUser {
		// Optimistic local echo so every open browser shows the message
		// before the sandbox has even seen it.
		s.cfg.Hub.BroadcastToSubscribers(ctx, sessionID, data)
	}

	// An initialize request races the ingress's own handshake: once a
	// sandbox is attached it was already initialized on connect, so
	// forwarding would double-initialize or be dropped. Answer locally.
	if f.Type == typeControlRequest && f.Request != nil &&
		f.Request.Subtype == subtypeInitialize && s.cfg.Hub.HasIngress(sessionID) {
		resp := successResponse(f.RequestID, nil)
		if err := sendJSON(ctx, c, resp); err != nil {
			s.logger.Debug("initialize short-circuit send failed", "session_id", sessionID, "error", err)
		}
		return
	}

	if err := s.cfg.Hub.SendToIngress(ctx, sessionID, data); err != nil {
		// No ingress is not an error for the browser; the spawn trigger
		// or the pending flush will get the message there eventually if
		// it was a persisted kind.
		s.logger.Debug("forward to ingress failed", "session_id", sessionID, "error", err)
	}
}

func (s *Server) dropFrame(ctx context.Context) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.FramesDropped.Add(ctx, 1)
	}
}

func sendJSON(ctx context.Context, c *wsConn, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}
