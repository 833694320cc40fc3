// Package live manages concurrently active live queries. Each subscription
// owns exactly one backend live-query resource, delivers full materialized
// snapshots in the order the store observed the changes, and is released
// through an explicit, idempotent unsubscribe.
package live

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/campuslive/chat/server/db"
	"github.com/campuslive/chat/server/store"
)

// Snapshot is one delivery to a subscriber: the full matching set superseding
// any earlier delivery, or an explicit error state. A store failure never
// masquerades as a legitimate empty result; the subscriber decides whether to
// resubscribe.
type Snapshot struct {
	Docs []bson.Raw
	Err  error
}

// Handle identifies one active subscription.
type Handle struct {
	id      string
	live    db.Live
	cancel  context.CancelFunc
	updates chan Snapshot
	quit    chan struct{}

	quitOnce  sync.Once
	closeOnce sync.Once
}

// ID returns the opaque id of the subscription, stable for its lifetime.
func (h *Handle) ID() string {
	return h.id
}

// Updates returns the snapshot delivery channel. The first snapshot arrives
// as soon as the store answers the initial query, empty set included. The
// channel is closed after Unsubscribe or after a terminal error snapshot.
func (h *Handle) Updates() <-chan Snapshot {
	return h.updates
}

// Manager tracks active subscriptions so teardown can release every backend
// listener resource exactly once.
type Manager struct {
	mu   sync.Mutex
	subs map[string]*Handle
}

// NewManager creates an empty subscription manager.
func NewManager() *Manager {
	return &Manager{subs: make(map[string]*Handle)}
}

// Subscribe opens a live query for the given collection and query descriptor.
// The returned handle must be released with Unsubscribe; re-subscribing with
// changed parameters requires unsubscribing the old handle first, otherwise
// the old backend listener keeps running.
func (m *Manager) Subscribe(ctx context.Context, collection string, q db.Query) (*Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	lq, err := store.Subscribe(ctx, collection, q)
	if err != nil {
		cancel()
		return nil, err
	}

	h := &Handle{
		id:      uuid.NewString(),
		live:    lq,
		cancel:  cancel,
		updates: make(chan Snapshot, 1),
		quit:    make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[h.id] = h
	m.mu.Unlock()

	go m.pump(h)
	return h, nil
}

// pump forwards backend results to the handle's channel, preserving order.
// A consumer that stopped reading does not wedge teardown: the quit channel
// unblocks the forward.
func (m *Manager) pump(h *Handle) {
	defer m.release(h)
	for res := range h.live.Updates() {
		select {
		case h.updates <- Snapshot{Docs: res.Docs, Err: res.Err}:
		case <-h.quit:
			return
		}
		if res.Err != nil {
			// Terminal error state; the backend resource is already dead.
			return
		}
	}
}

// Unsubscribe stops delivery and releases the backend live-query resource.
// Idempotent: safe to call multiple times and safe to call on a handle whose
// subscription already terminated with an error.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	h.quitOnce.Do(func() {
		close(h.quit)
	})
	h.cancel()
	h.live.Cancel()
	// The pump goroutine observes the closed backend channel and releases.
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	delete(m.subs, h.id)
	m.mu.Unlock()
	h.closeOnce.Do(func() {
		close(h.updates)
	})
}

// Active reports the number of currently open subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Shutdown releases every open subscription.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.subs))
	for _, h := range m.subs {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Unsubscribe(h)
	}
}
