package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
)

// handleIngressWS is the sandbox-facing endpoint and the single-writer
// enforcement point: exactly one sandbox connection may hold a session.
func (s *Server) handleIngressWS(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	id, err := shared.ParseSessionTag(tag)
	if err != nil {
		s.closeWith(w, r, CloseNotFound, "invalid session id")
		return
	}
	sessionID := id.String()

	// Token failures close before any session lookup leaks existence.
	if _, err := s.cfg.Tokens.VerifyForSession(bearerToken(r), sessionID); err != nil {
		s.logger.Info("ingress auth failed", "session_id", sessionID, "error", err)
		s.closeWith(w, r, CloseAuthRequired, "capability token rejected")
		return
	}

	if _, err := s.cfg.Store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, persistence.ErrSessionNotFound) {
			s.closeWith(w, r, CloseNotFound, "session not found")
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.accept(w, r)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	ctx = shared.WithSessionID(ctx, sessionID)

	if err := s.cfg.Hub.SetIngress(sessionID, c); err != nil {
		s.logger.Info("ingress rejected", "session_id", sessionID, "error", err)
		_ = conn.Close(CloseRejected, "ingress already connected")
		return
	}
	defer func() {
		// A disconnect is a resumable pause, not a failure: the reaper or
		// an operator stop ends up here just as a crash does, and the
		// event log already holds everything durable.
		s.cfg.Hub.RemoveIngress(sessionID, c)
		bg := context.WithoutCancel(ctx)
		if err := s.cfg.Store.UpdateSessionStatus(bg, sessionID, persistence.SessionIdle); err != nil {
			s.logger.Warn("mark session idle on disconnect", "session_id", sessionID, "error", err)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		s.logger.Info("ingress disconnected", "session_id", sessionID, "trace_id", shared.TraceID(ctx))
	}()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveIngress.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveIngress.Add(context.WithoutCancel(ctx), -1)
	}

	if err := s.cfg.Store.UpdateSessionStatus(ctx, sessionID, persistence.SessionRunning); err != nil {
		s.logger.Warn("mark session running", "session_id", sessionID, "error", err)
	}
	s.logger.Info("ingress connected", "session_id", sessionID, "trace_id", shared.TraceID(ctx))

	// Kick off the sandbox's handshake, and immediately tell subscribers it
	// already happened: on a resume the sandbox may never answer this
	// particular request, and the browser must not hang waiting.
	init := newInitializeRequest()
	if err := sendJSON(ctx, c, init); err != nil {
		s.logger.Warn("send initialize", "session_id", sessionID, "error", err)
	}
	if data, merr := json.Marshal(successResponse(init.RequestID, map[string]string{"subtype": subtypeInitialize})); merr == nil {
		s.cfg.Hub.BroadcastToSubscribers(ctx, sessionID, data)
	}

	go s.flushPendingAfterDelay(ctx, sessionID, c)

	for {
		_, data, rerr := conn.Read(ctx)
		if rerr != nil {
			return
		}
		s.handleIngressFrame(ctx, sessionID, c, data)
	}
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

// flushPendingAfterDelay pushes the session's pending backlog to the sandbox
// in sequence order. The fixed delay is a readiness heuristic: the sandbox
// runtime exposes no ready signal to wait on, so this bounds the wait
// instead of handshaking.
func (s *Server) flushPendingAfterDelay(ctx context.Context, sessionID string, c *wsConn) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.PendingFlushDelay):
	}

	start := time.Now()
	events, err := s.cfg.Store.PendingEvents(ctx, sessionID)
	if err != nil {
		s.logger.Error("load pending events", "session_id", sessionID, "error", err)
		return
	}
	for _, ev := range events {
		if err := c.Send(ctx, []byte(ev.Payload)); err != nil {
			// The remainder stays pending for the next attach.
			s.logger.Warn("pending flush interrupted",
				"session_id", sessionID, "event_id", ev.ID, "error", err)
			return
		}
		if err := s.cfg.Store.MarkEventSent(ctx, ev.ID); err != nil {
			s.logger.Error("mark event sent", "session_id", sessionID, "event_id", ev.ID, "error", err)
		}
	}
	if len(events) > 0 {
		s.logger.Info("pending events flushed", "session_id", sessionID, "count", len(events))
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PendingFlush.Record(ctx, time.Since(start).Seconds())
	}
}

// handleIngressFrame routes one sandbox frame. Malformed payloads are logged
// and dropped; the connection stays open.
func (s *Server) handleIngressFrame(ctx context.Context, sessionID string, c *wsConn, data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "ingress.frame",
		otel.AttrSessionID.String(shared.SessionID(ctx)))
	defer span.End()
	if err := s.cfg.Store.TouchSession(ctx, sessionID); err != nil {
		s.logger.Warn("touch session", "session_id", sessionID, "error", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("malformed ingress frame dropped",
			"session_id", sessionID, "trace_id", shared.TraceID(ctx), "error", err)
		s.dropFrame(ctx)
		return
	}
	span.SetAttributes(otel.AttrEventType.String(f.Type))

	switch f.Type {
	case typeControlResponse:
		// Control responses join the durable log under a fresh id:
		// reconnecting browsers replay them as history.
		ev := &persistence.Event{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Type:      typeControlResponse,
			Payload:   string(data),
		}
		seq, _, err := s.cfg.Store.AppendEvent(ctx, ev)
		if err != nil {
			s.logger.Error("persist control response", "session_id", sessionID, "error", err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.EventsPersisted.Add(ctx, 1)
		}
		s.cfg.Hub.Notify(sessionID, ev.ID, seq)

	case typeControlRequest:
		s.answerControlRequest(ctx, sessionID, c, f)

	default:
		if f.UUID == "" {
			s.logger.Warn("ingress event without uuid dropped", "session_id", sessionID, "type", f.Type)
			s.dropFrame(ctx)
			return
		}
		if f.Replay {
			// The sandbox is echoing history on resume; it is already in
			// the log under this uuid.
			return
		}
		ev := &persistence.Event{
			ID:              f.UUID,
			SessionID:       sessionID,
			Type:            f.Type,
			Subtype:         f.Subtype,
			ParentToolUseID: f.ParentToolUseID,
			Payload:         string(data),
		}
		seq, inserted, err := s.cfg.Store.AppendEvent(ctx, ev)
		if err != nil {
			s.logger.Error("persist event", "session_id", sessionID, "event_id", f.UUID, "error", err)
			return
		}
		if s.cfg.Metrics != nil {
			if inserted {
				s.cfg.Metrics.EventsPersisted.Add(ctx, 1)
			} else {
				s.cfg.Metrics.EventsDuplicate.Add(ctx, 1)
			}
		}
		s.cfg.Hub.Notify(sessionID, ev.ID, seq)
	}
}

// answerControlRequest replies synchronously. can_use_tool is auto-approved
// with the proposed input unchanged; there is no human-in-the-loop gate at
// this layer. Control requests are not persisted.
func (s *Server) answerControlRequest(ctx context.Context, sessionID string, c *wsConn, f frame) {
	if f.Request == nil {
		s.logger.Warn("control request without body dropped", "session_id", sessionID)
		s.dropFrame(ctx)
		return
	}
	var payload any
	if f.Request.Subtype == subtypeCanUseTool {
		payload = toolAllowance{Behavior: "allow", UpdatedInput: f.Request.Input}
	}
	if err := sendJSON(ctx, c, successResponse(f.RequestID, payload)); err != nil {
		s.logger.Warn("control response send failed",
			"session_id", sessionID, "request_id", f.RequestID, "error", err)
	}
}
