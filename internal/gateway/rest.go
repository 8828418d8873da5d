package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
)

const maxEventBody = 1 << 20

var eventBodySchema = func() *jsonschema.Schema {
	sch, err := compileEventSchema()
	if err != nil {
		panic(fmt.Sprintf("event schema: %v", err))
	}
	return sch
}()

type eventRecord struct {
	UUID    string          `json:"uuid"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type appendResult struct {
	Seq      int64 `json:"seq"`
	Inserted bool  `json:"inserted"`
}

// authorizeREST resolves the tagged session id and verifies the bearer
// capability token against it. The REST log is the sandbox's resume path and
// carries the same credential as the ingress socket.
func (s *Server) authorizeREST(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := shared.ParseSessionTag(r.PathValue("tag"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusNotFound)
		return "", false
	}
	sessionID := id.String()
	if _, err := s.cfg.Tokens.VerifyForSession(bearerToken(r), sessionID); err != nil {
		http.Error(w, "capability token rejected", http.StatusUnauthorized)
		return "", false
	}
	return sessionID, true
}

// handleListEvents returns the session's sent events in sequence order, the
// replay log a reconnecting sandbox or browser catches up from.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.authorizeREST(w, r)
	if !ok {
		return
	}
	if _, err := s.cfg.Store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, persistence.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	events, err := s.cfg.Store.SentEvents(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("list sent events", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]eventRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, eventRecord{
			UUID:    ev.ID,
			Seq:     ev.Seq,
			Type:    ev.Type,
			Subtype: ev.Subtype,
			Payload: json.RawMessage(ev.Payload),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleAppendEvent appends one event, idempotent by uuid. The optional
// Last-Uuid header must name an event already in the session's log; it is a
// weak ordering check for out-of-order resume submissions.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.authorizeREST(w, r)
	if !ok {
		return
	}
	ctx, span := otel.StartServerSpan(r.Context(), otel.Tracer(), "rest.append_event",
		otel.AttrSessionID.String(sessionID))
	defer span.End()

	// A token can outlive its session row, and an insert against a missing
	// session would otherwise surface as an opaque constraint error.
	if _, err := s.cfg.Store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, persistence.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := validateEventBody(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	if last := r.Header.Get("Last-Uuid"); last != "" {
		known, herr := s.cfg.Store.HasEvent(ctx, sessionID, last)
		if herr != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !known {
			http.Error(w, "last-uuid not in session log", http.StatusConflict)
			return
		}
	}

	ev := &persistence.Event{
		ID:              f.UUID,
		SessionID:       sessionID,
		Type:            f.Type,
		Subtype:         f.Subtype,
		ParentToolUseID: f.ParentToolUseID,
		Payload:         string(body),
	}
	seq, inserted, err := s.cfg.Store.AppendEvent(ctx, ev)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("rest append", "session_id", sessionID, "event_id", f.UUID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
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

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(appendResult{Seq: seq, Inserted: inserted})
}

func validateEventBody(body []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}
	if err := eventBodySchema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}
