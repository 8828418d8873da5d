// Package hub is the per-process relay registry bridging browser connections
// to sandbox connections. One session has at most one ingress (the sandbox
// side, sole writer of new events) and any number of subscribers (browser
// side). Fanout of persisted events goes through the bus so that subscribers
// held by other relay processes see them too; the hub's in-memory maps are a
// cache, not the source of truth.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/persistence"
)

var (
	// ErrIngressAttached means another sandbox connection already holds the
	// session's single writer slot.
	ErrIngressAttached = errors.New("ingress already connected")
	// ErrNoIngress means no sandbox connection is attached; callers decide
	// whether that is a drop or an error.
	ErrNoIngress = errors.New("no ingress attached")
	// ErrSessionGone rejects subscription to a soft-deleted session.
	ErrSessionGone = errors.New("session deleted")
)

const sendTimeout = 10 * time.Second

// Conn is one attached websocket, browser- or sandbox-side.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
}

type Hub struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]map[Conn]struct{}
	ingress     map[string]Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:       store,
		bus:         b,
		logger:      logger,
		subscribers: make(map[string]map[Conn]struct{}),
		ingress:     make(map[string]Conn),
	}
}

// Start runs the fanout loop consuming persisted-event notices from the bus.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	sub := h.bus.Subscribe(bus.TopicSessionEvent)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case notice, ok := <-sub.Ch():
				if !ok {
					return
				}
				persisted, ok := notice.Payload.(bus.EventPersisted)
				if !ok {
					continue
				}
				h.deliver(ctx, persisted)
			}
		}
	}()
}

// Stop cancels the fanout loop and waits for it to exit.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// AddSubscriber registers a browser connection for a session. Deleted
// sessions are rejected; everything else succeeds.
func (h *Hub) AddSubscriber(ctx context.Context, sessionID string, c Conn) error {
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == persistence.SessionDeleted {
		return ErrSessionGone
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[Conn]struct{})
		h.subscribers[sessionID] = set
	}
	set[c] = struct{}{}
	return nil
}

func (h *Hub) RemoveSubscriber(sessionID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subscribers, sessionID)
	}
}

// SetIngress claims the session's single writer slot. A second sandbox
// connection is rejected and the prior one stays authoritative.
func (h *Hub) SetIngress(sessionID string, c Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ingress[sessionID]; ok {
		return ErrIngressAttached
	}
	h.ingress[sessionID] = c
	return nil
}

// RemoveIngress releases the writer slot, but only for the connection that
// holds it: a rejected late connection must not evict the authoritative one.
func (h *Hub) RemoveIngress(sessionID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.ingress[sessionID]; ok && current == c {
		delete(h.ingress, sessionID)
	}
}

func (h *Hub) HasIngress(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.ingress[sessionID]
	return ok
}

// SendToIngress forwards a message to the session's sandbox connection.
func (h *Hub) SendToIngress(ctx context.Context, sessionID string, payload []byte) error {
	h.mu.Lock()
	conn, ok := h.ingress[sessionID]
	h.mu.Unlock()
	if !ok {
		return ErrNoIngress
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return conn.Send(sendCtx, payload)
}

// BroadcastToSubscribers fans a message out to every browser connection of a
// session in this process. Individual send failures are logged, never raised.
func (h *Hub) BroadcastToSubscribers(ctx context.Context, sessionID string, payload []byte) {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.subscribers[sessionID]))
	for c := range h.subscribers[sessionID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := c.Send(sendCtx, payload); err != nil {
			h.logger.Debug("hub: subscriber send failed", "session_id", sessionID, "error", err)
		}
		cancel()
	}
}

// Notify publishes a persisted-event notice. Called after the event row is
// durable; the fanout loop (of every relay process) picks it up from there.
func (h *Hub) Notify(sessionID, eventID string, seq int64) {
	h.bus.Publish(bus.SessionEventTopic(sessionID), bus.EventPersisted{
		SessionID: sessionID,
		EventID:   eventID,
		Seq:       seq,
	})
}

// deliver fetches a persisted event and pushes its payload to the local
// subscribers of its session.
func (h *Hub) deliver(ctx context.Context, notice bus.EventPersisted) {
	h.mu.Lock()
	n := len(h.subscribers[notice.SessionID])
	h.mu.Unlock()
	if n == 0 {
		return
	}

	ev, err := h.store.GetEvent(ctx, notice.EventID)
	if err != nil {
		h.logger.Warn("hub: fetch notified event", "event_id", notice.EventID, "error", err)
		return
	}
	h.BroadcastToSubscribers(ctx, notice.SessionID, []byte(ev.Payload))
}

// Counts reports hub occupancy for health reporting.
func (h *Hub) Counts() (subscriberConns, ingressConns int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subscribers {
		subscriberConns += len(set)
	}
	return subscriberConns, len(h.ingress)
}
