package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"overseer/internal/config"
	"overseer/internal/domain"
	"overseer/internal/store"
)

// Push messages sent to live queue observers.

type snapshotMessage struct {
	Type    string                `json:"type"`
	Entries []domain.ContextEntry `json:"entries"`
}

type addMessage struct {
	Type  string              `json:"type"`
	Entry domain.ContextEntry `json:"entry"`
}

type removeMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Hub owns the set of live push-socket peers for one server instance and
// fans queue diffs out to them. It is created on start and torn down with
// Close; nothing about it outlives the server.
type Hub struct {
	store    *store.Store
	log      *slog.Logger
	interval time.Duration
	push     bool

	mu     sync.Mutex
	conns  map[*conn]struct{}
	known  map[string]struct{}
	closed bool
}

// NewHub builds a hub over the store. With notify set to push, diffs are
// driven synchronously by store appends and resolutions instead of the poll
// loop.
func NewHub(st *store.Store, log *slog.Logger, interval time.Duration, notify string) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		store:    st,
		log:      log,
		interval: interval,
		conns:    make(map[*conn]struct{}),
		known:    make(map[string]struct{}),
	}
	if notify == config.NotifyPush {
		h.push = true
		st.Subscribe(h.entryAppended, h.entryResolved)
	}
	return h
}

// Run drives the poll-diff loop until ctx is cancelled. In push mode the
// store hooks deliver diffs and Run only seeds the remembered membership and
// waits for cancellation.
func (h *Hub) Run(ctx context.Context) {
	if h.push {
		if err := h.primeKnown(); err != nil {
			h.log.Error("seed queue membership", "err", err)
		}
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed tick is logged and skipped; membership is recomputed
			// from scratch next tick, so the loop self-heals.
			if err := h.tick(); err != nil {
				h.log.Error("queue poll failed", "err", err)
			}
		}
	}
}

// tick recomputes the full cross-project queue, emits adds for new ids and
// removes for vanished ones, then replaces the remembered membership.
func (h *Hub) tick() error {
	current, err := h.store.Queue("")
	if err != nil {
		return err
	}
	currentIDs := make(map[string]struct{}, len(current))
	for _, e := range current {
		currentIDs[e.ID] = struct{}{}
	}
	h.mu.Lock()
	previous := h.known
	h.known = currentIDs
	h.mu.Unlock()

	for _, e := range current {
		if _, ok := previous[e.ID]; !ok {
			h.broadcast(addMessage{Type: "queue_add", Entry: e})
		}
	}
	for id := range previous {
		if _, ok := currentIDs[id]; !ok {
			h.broadcast(removeMessage{Type: "queue_remove", ID: id})
		}
	}
	return nil
}

func (h *Hub) primeKnown() error {
	current, err := h.store.Queue("")
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range current {
		h.known[e.ID] = struct{}{}
	}
	return nil
}

// entryAppended is the push-mode store hook: an attention-worthy append
// becomes an immediate queue_add.
func (h *Hub) entryAppended(e domain.ContextEntry) {
	if !e.NeedsAttention() {
		return
	}
	h.mu.Lock()
	if _, ok := h.known[e.ID]; ok {
		h.mu.Unlock()
		return
	}
	h.known[e.ID] = struct{}{}
	h.mu.Unlock()
	h.broadcast(addMessage{Type: "queue_add", Entry: e})
}

// entryResolved is the push-mode store hook: a resolution becomes an
// immediate queue_remove. Removing an id a client never saw is harmless.
func (h *Hub) entryResolved(projectID, entryID string) {
	h.mu.Lock()
	delete(h.known, entryID)
	h.mu.Unlock()
	h.broadcast(removeMessage{Type: "queue_remove", ID: entryID})
}

// broadcast sends one message to every registered peer. A peer that faults
// mid-broadcast is marked dead and pruned, never retried; the others are
// unaffected.
func (h *Hub) broadcast(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal push message", "err", err)
		return
	}
	h.mu.Lock()
	peers := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		peers = append(peers, c)
	}
	h.mu.Unlock()
	for _, c := range peers {
		if err := c.send(payload); err != nil {
			h.remove(c)
		}
	}
}

// register admits a freshly upgraded connection and sends it the full queue
// snapshot. The connection joins the registry before the snapshot is
// computed, so no diff can fall between the two; broadcasts arriving while
// the snapshot is in flight are held on the connection and flushed right
// after it. The snapshot is always the first message a peer receives.
func (h *Hub) register(c *conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return net.ErrClosed
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	entries, err := h.store.Queue("")
	if err != nil {
		h.remove(c)
		return err
	}
	if entries == nil {
		entries = []domain.ContextEntry{}
	}
	payload, err := json.Marshal(snapshotMessage{Type: "queue_snapshot", Entries: entries})
	if err != nil {
		h.remove(c)
		return err
	}
	if err := c.sendSnapshot(payload); err != nil {
		h.remove(c)
		return err
	}
	return nil
}

// remove drops the connection from the registry and closes its transport.
// Safe to call more than once and concurrently with broadcast iteration.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

// Close tears down every live connection and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		peers = append(peers, c)
	}
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()
	for _, c := range peers {
		c.close()
	}
}
