package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func appendTestEvent(t *testing.T, store *Store, sessionID, id, kind string) (int64, bool) {
	t.Helper()
	seq, inserted, err := store.AppendEvent(context.Background(), &Event{
		ID:        id,
		SessionID: sessionID,
		Type:      kind,
		Payload:   `{"type":"` + kind + `","uuid":"` + id + `"}`,
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return seq, inserted
}

func TestAppendEvent_SequenceFromZero(t *testing.T) {
	store := openTestStore(t)
	sess := newTestSession(t, store, nil)

	for want := int64(0); want < 5; want++ {
		seq, inserted := appendTestEvent(t, store, sess.ID, uuid.NewString(), "assistant")
		if !inserted {
			t.Fatalf("event %d not inserted", want)
		}
		if seq != want {
			t.Fatalf("seq = %d, want %d", seq, want)
		}
	}
}

func TestAppendEvent_Idempotent(t *testing.T) {
	store := openTestStore(t)
	sess := newTestSession(t, store, nil)
	id := uuid.NewString()

	seq1, inserted1 := appendTestEvent(t, store, sess.ID, id, "user")
	seq2, inserted2 := appendTestEvent(t, store, sess.ID, id, "user")

	if !inserted1 || inserted2 {
		t.Fatalf("inserted = %v/%v, want true/false", inserted1, inserted2)
	}
	if seq1 != seq2 {
		t.Fatalf("seq mismatch on duplicate: %d vs %d", seq1, seq2)
	}

	events, err := store.SentEvents(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("sent events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored %d rows for duplicate insert, want 1", len(events))
	}
}

func TestAppendEvent_IndependentSessions(t *testing.T) {
	store := openTestStore(t)
	a := newTestSession(t, store, nil)
	b := newTestSession(t, store, nil)

	appendTestEvent(t, store, a.ID, uuid.NewString(), "user")
	appendTestEvent(t, store, a.ID, uuid.NewString(), "assistant")
	seqB, _ := appendTestEvent(t, store, b.ID, uuid.NewString(), "user")

	if seqB != 0 {
		t.Fatalf("session b first seq = %d, want 0", seqB)
	}
}

func TestInsertPendingEvents_OneBasedAndIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, store, nil)

	events := []Event{
		{ID: uuid.NewString(), Type: "user", Payload: `{"n":1}`},
		{ID: uuid.NewString(), Type: "assistant", Payload: `{"n":2}`},
		{ID: uuid.NewString(), Type: "result", Payload: `{"n":3}`},
	}
	if err := store.InsertPendingEvents(ctx, sess.ID, events); err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	// Re-running the bulk insert is a no-op.
	if err := store.InsertPendingEvents(ctx, sess.ID, events); err != nil {
		t.Fatalf("bulk insert again: %v", err)
	}

	pending, err := store.PendingEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d rows, want 3", len(pending))
	}
	for i, ev := range pending {
		if ev.Seq != int64(i+1) {
			t.Fatalf("pending[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.Status != EventPending {
			t.Fatalf("pending[%d].Status = %q", i, ev.Status)
		}
	}
}

func TestMarkEventSent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, store, nil)

	ev := Event{ID: uuid.NewString(), Type: "user", Payload: `{}`}
	if err := store.InsertPendingEvents(ctx, sess.ID, []Event{ev}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.MarkEventSent(ctx, ev.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	// Second mark is a no-op.
	if err := store.MarkEventSent(ctx, ev.ID); err != nil {
		t.Fatalf("mark sent again: %v", err)
	}

	pending, err := store.PendingEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d rows after mark, want 0", len(pending))
	}
	sent, err := store.SentEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("sent: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("sent = %d rows, want 1", len(sent))
	}
}

func TestHasEvent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := newTestSession(t, store, nil)
	b := newTestSession(t, store, nil)
	id := uuid.NewString()

	appendTestEvent(t, store, a.ID, id, "user")

	ok, err := store.HasEvent(ctx, a.ID, id)
	if err != nil || !ok {
		t.Fatalf("HasEvent own session: ok=%v err=%v", ok, err)
	}
	// Same uuid queried against a different session is absent.
	ok, err = store.HasEvent(ctx, b.ID, id)
	if err != nil {
		t.Fatalf("HasEvent other session: %v", err)
	}
	if ok {
		t.Fatal("event visible from wrong session")
	}
}

func TestGetEvent(t *testing.T) {
	store := openTestStore(t)
	sess := newTestSession(t, store, nil)
	id := uuid.NewString()
	appendTestEvent(t, store, sess.ID, id, "assistant")

	ev, err := store.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Type != "assistant" || ev.SessionID != sess.ID {
		t.Fatalf("event = %+v", ev)
	}
}
