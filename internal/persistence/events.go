package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventSent    EventStatus = "sent"
)

var ErrEventNotFound = errors.New("event not found")

// Event is one durable log entry of a session. Event ids are caller-supplied
// UUIDs and globally unique; re-inserting an existing id is a no-op success,
// which is what makes at-least-once delivery from the sandbox safe.
type Event struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	Type            string      `json:"type"`
	Subtype         string      `json:"subtype,omitempty"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`
	Seq             int64       `json:"seq"`
	Status          EventStatus `json:"status"`
	Payload         string      `json:"payload"`
	CreatedAt       time.Time   `json:"created_at"`
}

// AppendEvent inserts one event with the next sequence number for its
// session (max+1, starting at 0). If the event id already exists the insert
// is skipped and the stored sequence number is returned with inserted=false.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) (seq int64, inserted bool, err error) {
	if _, err := uuid.Parse(ev.ID); err != nil {
		return 0, false, fmt.Errorf("invalid event id: %w", err)
	}
	if ev.Status == "" {
		ev.Status = EventSent
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin append tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var existingSeq int64
		scanErr := tx.QueryRowContext(ctx, `
			SELECT seq FROM events WHERE id = ?;
		`, ev.ID).Scan(&existingSeq)
		if scanErr == nil {
			seq = existingSeq
			inserted = false
			return tx.Commit()
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("check existing event: %w", scanErr)
		}

		var next int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE session_id = ?;
		`, ev.SessionID).Scan(&next); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, session_id, type, subtype, parent_tool_use_id, seq, status, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.ID, ev.SessionID, ev.Type, ev.Subtype, ev.ParentToolUseID, next, ev.Status, ev.Payload); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		seq = next
		inserted = true
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	ev.Seq = seq
	return seq, inserted, nil
}

// InsertPendingEvents bulk-inserts the initial event backlog of a session in
// pending status. Sequence numbers are index-based starting at 1, matching
// the session-creation path. Existing ids are skipped.
func (s *Store) InsertPendingEvents(ctx context.Context, sessionID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bulk tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i, ev := range events {
			if _, err := uuid.Parse(ev.ID); err != nil {
				return fmt.Errorf("invalid event id at %d: %w", i, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events (id, session_id, type, subtype, parent_tool_use_id, seq, status, payload)
				VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
				ON CONFLICT(id) DO NOTHING;
			`, ev.ID, sessionID, ev.Type, ev.Subtype, ev.ParentToolUseID, int64(i+1), ev.Payload); err != nil {
				return fmt.Errorf("insert pending event %s: %w", ev.ID, err)
			}
		}
		return tx.Commit()
	})
}

// PendingEvents returns a session's undelivered events in sequence order.
func (s *Store) PendingEvents(ctx context.Context, sessionID string) ([]Event, error) {
	return s.listEvents(ctx, sessionID, EventPending)
}

// SentEvents returns a session's delivered events in sequence order. This is
// the replay log browsers and resuming sandboxes fetch.
func (s *Store) SentEvents(ctx context.Context, sessionID string) ([]Event, error) {
	return s.listEvents(ctx, sessionID, EventSent)
}

func (s *Store) listEvents(ctx context.Context, sessionID string, status EventStatus) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, subtype, parent_tool_use_id, seq, status, payload, created_at
		FROM events
		WHERE session_id = ? AND status = ?
		ORDER BY seq ASC;
	`, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Subtype,
			&ev.ParentToolUseID, &ev.Seq, &ev.Status, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// MarkEventSent flips a pending event to sent. The only mutation events
// ever see.
func (s *Store) MarkEventSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'sent' WHERE id = ? AND status = 'pending';
	`, id)
	if err != nil {
		return fmt.Errorf("mark event sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already sent or unknown: idempotent either way.
		return nil
	}
	return nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, type, subtype, parent_tool_use_id, seq, status, payload, created_at
		FROM events WHERE id = ?;
	`, id)
	var ev Event
	err := row.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Subtype,
		&ev.ParentToolUseID, &ev.Seq, &ev.Status, &ev.Payload, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return &ev, nil
}

// HasEvent reports whether an event id exists within a session's log. Used
// by the REST append path's Last-Uuid ordering check.
func (s *Store) HasEvent(ctx context.Context, sessionID, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM events WHERE id = ? AND session_id = ?;
	`, id, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return true, nil
}

// EventCount returns the total number of events stored. Used by healthz.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
