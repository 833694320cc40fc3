// Package admin maintains the operator dashboard counters: how many
// identities are registered, how many conversations exist, and how many
// messages were sent since midnight UTC.
package admin

import (
	"context"
	"sync"
	"time"

	"github.com/campuslive/chat/server/db"
	"github.com/campuslive/chat/server/live"
	"github.com/campuslive/chat/server/logs"
	"github.com/campuslive/chat/server/store"
)

// refreshTimeout bounds a single counter recomputation.
const refreshTimeout = 10 * time.Second

// Snapshot is one consistent-enough reading of the dashboard counters.
type Snapshot struct {
	Identities    int64     `json:"identities"`
	Conversations int64     `json:"conversations"`
	MessagesToday int64     `json:"messages_today"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Publisher receives counter updates, e.g. to mirror them into expvar.
type Publisher func(name string, value int64)

// Dashboard recomputes the counters whenever the identity or conversation
// collections change, and on a timer so the messages-today counter rolls
// over at midnight without traffic.
type Dashboard struct {
	subs    *live.Manager
	publish Publisher
	refresh time.Duration

	mu   sync.RWMutex
	last Snapshot

	identities    *live.Handle
	conversations *live.Handle
	quit          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
}

// NewDashboard creates a dashboard. publish may be nil.
func NewDashboard(subs *live.Manager, publish Publisher) *Dashboard {
	if publish == nil {
		publish = func(string, int64) {}
	}
	return &Dashboard{
		subs:    subs,
		publish: publish,
		refresh: time.Minute,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start takes the initial reading, opens the change subscriptions and starts
// the refresh loop.
func (d *Dashboard) Start(ctx context.Context) error {
	if _, err := d.Refresh(ctx); err != nil {
		return err
	}
	var err error
	if d.identities, err = d.subs.Subscribe(ctx, store.CollIdentities, db.Query{}); err != nil {
		return err
	}
	if d.conversations, err = d.subs.Subscribe(ctx, store.CollConversations, db.Query{}); err != nil {
		d.subs.Unsubscribe(d.identities)
		return err
	}
	go d.loop()
	return nil
}

// Snapshot returns the most recent reading without touching the store.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Refresh recomputes all counters from the store and publishes them.
func (d *Dashboard) Refresh(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	var snap Snapshot
	var err error
	if snap.Identities, err = store.Users.Count(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Conversations, err = store.Conversations.Count(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.MessagesToday, err = store.Messages.CountSince(ctx, startOfDay(time.Now())); err != nil {
		return Snapshot{}, err
	}
	snap.GeneratedAt = time.Now().UTC()

	d.mu.Lock()
	d.last = snap
	d.mu.Unlock()

	d.publish("TotalIdentities", snap.Identities)
	d.publish("TotalConversations", snap.Conversations)
	d.publish("MessagesToday", snap.MessagesToday)
	return snap, nil
}

// Stop shuts down the refresh loop and the change subscriptions. Idempotent.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
	})
	<-d.done
}

func (d *Dashboard) loop() {
	defer close(d.done)
	defer d.subs.Unsubscribe(d.conversations)
	defer d.subs.Unsubscribe(d.identities)

	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()

	identities := d.identities.Updates()
	conversations := d.conversations.Updates()
	for {
		select {
		case _, ok := <-identities:
			if !ok {
				identities = nil
				continue
			}
		case _, ok := <-conversations:
			if !ok {
				conversations = nil
				continue
			}
		case <-ticker.C:
		case <-d.quit:
			return
		}
		if _, err := d.Refresh(context.Background()); err != nil {
			logs.Warning.Println("dashboard: refresh failed:", err)
		}
	}
}

// startOfDay returns midnight UTC of the given instant. Message timestamps
// are stored in UTC, so "today" is a UTC day.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
