package live

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/campuslive/chat/server/db"
	"github.com/campuslive/chat/server/store/storetest"
	"github.com/campuslive/chat/server/store/types"
)

func waitSnapshot(t *testing.T, h *Handle) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-h.Updates():
		if !ok {
			t.Fatal("updates channel closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func waitClosed(t *testing.T, h *Handle) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-h.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	adp := storetest.Open(t)
	m := NewManager()
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	h, err := m.Subscribe(ctx, "widgets", db.Query{
		Filters: []db.Filter{{Field: "shelf", Op: db.OpEqual, Value: "a"}},
		Sort:    []db.Order{{Field: "_id"}},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if h.ID() == "" {
		t.Error("handle has no id")
	}
	if m.Active() != 1 {
		t.Errorf("Active = %d, want 1", m.Active())
	}

	// The initial snapshot arrives without any preceding change, empty set
	// included.
	snap := waitSnapshot(t, h)
	if snap.Err != nil || len(snap.Docs) != 0 {
		t.Fatalf("initial snapshot = %d docs, err %v; want empty", len(snap.Docs), snap.Err)
	}

	if err = adp.Set(ctx, "widgets", "w1", bson.M{"shelf": "a", "label": "first"}); err != nil {
		t.Fatal(err)
	}
	snap = waitSnapshot(t, h)
	if snap.Err != nil || len(snap.Docs) != 1 {
		t.Fatalf("snapshot after insert = %d docs, err %v; want 1", len(snap.Docs), snap.Err)
	}

	// A non-matching write may wake the query, but every delivery is still
	// the full matching set.
	if err = adp.Set(ctx, "widgets", "w2", bson.M{"shelf": "b"}); err != nil {
		t.Fatal(err)
	}
	if err = adp.Set(ctx, "widgets", "w3", bson.M{"shelf": "a"}); err != nil {
		t.Fatal(err)
	}
	for {
		snap = waitSnapshot(t, h)
		if snap.Err != nil {
			t.Fatalf("snapshot error: %v", snap.Err)
		}
		if len(snap.Docs) == 2 {
			break
		}
	}

	m.Unsubscribe(h)
	waitClosed(t, h)
	// Unsubscribe is idempotent.
	m.Unsubscribe(h)
	if m.Active() != 0 {
		t.Errorf("Active after unsubscribe = %d, want 0", m.Active())
	}
}

func TestSubscribeErrorState(t *testing.T) {
	adp := storetest.Open(t)
	m := NewManager()
	t.Cleanup(m.Shutdown)

	// The filter is only evaluated against stored documents; make sure
	// there is one.
	if err := adp.Set(context.Background(), "widgets", "seed", bson.M{"shelf": "z"}); err != nil {
		t.Fatal(err)
	}

	tooMany := make([]string, db.MaxInValues+1)
	for i := range tooMany {
		tooMany[i] = "x"
	}
	h, err := m.Subscribe(context.Background(), "widgets", db.Query{
		Filters: []db.Filter{{Field: "_id", Op: db.OpIn, Value: tooMany}},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// A store failure is delivered as an explicit error snapshot, not as an
	// empty result, and terminates the subscription.
	snap := waitSnapshot(t, h)
	if !errors.Is(snap.Err, types.ErrValidation) {
		t.Fatalf("snapshot err = %v, want ErrValidation", snap.Err)
	}
	waitClosed(t, h)
	m.Unsubscribe(h)
}

func TestIndependentSubscriptions(t *testing.T) {
	adp := storetest.Open(t)
	m := NewManager()
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	h1, err := m.Subscribe(ctx, "gears", db.Query{})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.Subscribe(ctx, "gears", db.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if h1.ID() == h2.ID() {
		t.Error("two subscriptions share an id")
	}
	waitSnapshot(t, h1)
	waitSnapshot(t, h2)

	// Releasing one must not stop the other.
	m.Unsubscribe(h1)
	waitClosed(t, h1)

	if err = adp.Set(ctx, "gears", "g1", bson.M{"teeth": 12}); err != nil {
		t.Fatal(err)
	}
	snap := waitSnapshot(t, h2)
	if snap.Err != nil || len(snap.Docs) != 1 {
		t.Fatalf("surviving subscription snapshot = %d docs, err %v; want 1", len(snap.Docs), snap.Err)
	}
	m.Unsubscribe(h2)
}
