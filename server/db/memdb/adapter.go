// Package memdb is an in-process document-store adapter. It implements the
// full adapter contract, live queries included, against plain maps, so unit
// tests exercise real query and subscription paths without a database server.
package memdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	b "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/campuslive/chat/server/db"
	t "github.com/campuslive/chat/server/store/types"
)

const (
	adapterName       = "memdb"
	defaultMaxResults = 1024
)

type Adapter struct {
	mu         sync.Mutex
	open       bool
	maxResults int
	colls      map[string]map[string]b.M
	subs       map[*subscriber]struct{}
	// Failure injection for cascade tests: non-nil values make the n-th
	// subsequent batch commit fail.
	failCommits map[int]error
	commitCount int
}

// NewAdapter returns a fresh unopened adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Open(jsonconf json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return errors.New("adapter memdb is already open")
	}
	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}
	a.colls = make(map[string]map[string]b.M)
	a.subs = make(map[*subscriber]struct{})
	a.failCommits = make(map[int]error)
	a.commitCount = 0
	a.open = true
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	a.colls = nil
	return nil
}

func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *Adapter) GetName() string {
	return adapterName
}

func (a *Adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// FailCommit arranges for the n-th batch commit from now (1-based) to fail
// with the given error. Used by cascade tests.
func (a *Adapter) FailCommit(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failCommits[a.commitCount+n] = err
}

// Commits reports how many batch commits were attempted since Open.
func (a *Adapter) Commits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commitCount
}

// normalize round-trips a document through bson so stored values carry the
// same types a real backend would return (primitive.DateTime for time.Time,
// primitive.A for slices).
func normalize(doc any) (b.M, error) {
	raw, err := b.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m b.M
	if err = b.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *Adapter) Get(ctx context.Context, collection, id string, v any) error {
	// Marshal under the lock: Update and batch commits mutate the stored
	// map in place.
	a.mu.Lock()
	doc, ok := a.colls[collection][id]
	var raw []byte
	var err error
	if ok {
		raw, err = b.Marshal(doc)
	}
	a.mu.Unlock()
	if !ok {
		return t.ErrNotFound
	}
	if err != nil {
		return err
	}
	return b.Unmarshal(raw, v)
}

func (a *Adapter) Set(ctx context.Context, collection, id string, doc any) error {
	m, err := normalize(doc)
	if err != nil {
		return err
	}
	m["_id"] = id

	a.mu.Lock()
	if a.colls[collection] == nil {
		a.colls[collection] = make(map[string]b.M)
	}
	a.colls[collection][id] = m
	a.notifyLocked(collection)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := normalize(b.M(fields))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	doc, ok := a.colls[collection][id]
	if !ok {
		return t.ErrNotFound
	}
	for k, v := range norm {
		doc[k] = v
	}
	a.notifyLocked(collection)
	return nil
}

func (a *Adapter) Delete(ctx context.Context, collection, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if coll, ok := a.colls[collection]; ok {
		if _, ok = coll[id]; ok {
			delete(coll, id)
			a.notifyLocked(collection)
		}
	}
	return nil
}

func (a *Adapter) Query(ctx context.Context, collection string, q db.Query) ([]b.Raw, error) {
	a.mu.Lock()
	docs, err := a.queryLocked(collection, q)
	a.mu.Unlock()
	return docs, err
}

func (a *Adapter) queryLocked(collection string, q db.Query) ([]b.Raw, error) {
	matched, err := a.matchLocked(collection, q)
	if err != nil {
		return nil, err
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range q.Sort {
				c := compareValues(matched[i][o.Field], matched[j][o.Field])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	limit := a.maxResults
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]b.Raw, 0, len(matched))
	for _, doc := range matched {
		raw, err := b.Marshal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, b.Raw(raw))
	}
	return out, nil
}

func (a *Adapter) matchLocked(collection string, q db.Query) ([]b.M, error) {
	var matched []b.M
	for _, doc := range a.colls[collection] {
		ok, err := matches(doc, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func (a *Adapter) Count(ctx context.Context, collection string, q db.Query) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	matched, err := a.matchLocked(collection, q)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func matches(doc b.M, filters []db.Filter) (bool, error) {
	for _, f := range filters {
		val := doc[f.Field]
		switch f.Op {
		case db.OpEqual:
			if compareValues(val, f.Value) != 0 {
				return false, nil
			}
		case db.OpGreaterEqual:
			if compareValues(val, f.Value) < 0 {
				return false, nil
			}
		case db.OpLess:
			if compareValues(val, f.Value) >= 0 {
				return false, nil
			}
		case db.OpContains:
			if !arrayContains(val, f.Value) {
				return false, nil
			}
		case db.OpIn:
			vals, ok := f.Value.([]string)
			if !ok {
				return false, fmt.Errorf("%w: in filter on %q requires []string", t.ErrValidation, f.Field)
			}
			if len(vals) > db.MaxInValues {
				return false, fmt.Errorf("%w: in filter of %d values exceeds limit of %d",
					t.ErrValidation, len(vals), db.MaxInValues)
			}
			var found bool
			for _, v := range vals {
				if compareValues(val, v) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case db.OpPrefix:
			prefix, ok := f.Value.(string)
			if !ok {
				return false, fmt.Errorf("%w: prefix filter on %q requires string", t.ErrValidation, f.Field)
			}
			s, ok := val.(string)
			if !ok || !strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix)) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("%w: unknown filter op %d", t.ErrValidation, f.Op)
		}
	}
	return true, nil
}

func arrayContains(val, want any) bool {
	arr, ok := val.(primitive.A)
	if !ok {
		return false
	}
	for _, v := range arr {
		if compareValues(v, want) == 0 {
			return true
		}
	}
	return false
}

// compareValues orders two field values of the same logical kind. Times are
// compared at millisecond precision regardless of representation.
func compareValues(x, y any) int {
	if xt, ok := asTime(x); ok {
		yt, _ := asTime(y)
		switch {
		case xt < yt:
			return -1
		case xt > yt:
			return 1
		}
		return 0
	}
	switch xv := x.(type) {
	case string:
		yv, _ := y.(string)
		return strings.Compare(xv, yv)
	case bool:
		yv, _ := y.(bool)
		if xv == yv {
			return 0
		}
		if xv {
			return 1
		}
		return -1
	case int32:
		yv, _ := asInt64(y)
		return compareInt64(int64(xv), yv)
	case int64:
		yv, _ := asInt64(y)
		return compareInt64(xv, yv)
	case float64:
		yv, _ := y.(float64)
		switch {
		case xv < yv:
			return -1
		case xv > yv:
			return 1
		}
		return 0
	}
	return 0
}

func compareInt64(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asTime(v any) (int64, bool) {
	switch x := v.(type) {
	case primitive.DateTime:
		return int64(x), true
	case time.Time:
		return x.UnixMilli(), true
	}
	return 0, false
}

// subscriber is one open live query.
type subscriber struct {
	a          *Adapter
	ctx        context.Context
	cancel     context.CancelFunc
	collection string
	q          db.Query
	// notify coalesces change signals; the delivery goroutine re-runs the
	// query once per wakeup.
	notify  chan struct{}
	updates chan db.Result
	done    chan struct{}
}

func (a *Adapter) Subscribe(ctx context.Context, collection string, q db.Query) (db.Live, error) {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return nil, t.ErrUnavailable
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		a:          a,
		ctx:        ctx,
		cancel:     cancel,
		collection: collection,
		q:          q,
		notify:     make(chan struct{}, 1),
		updates:    make(chan db.Result, 1),
		done:       make(chan struct{}),
	}
	a.subs[s] = struct{}{}
	a.mu.Unlock()

	go s.run()
	return s, nil
}

func (s *subscriber) run() {
	defer func() {
		s.a.mu.Lock()
		delete(s.a.subs, s)
		s.a.mu.Unlock()
		close(s.updates)
		close(s.done)
	}()

	// Initial snapshot, then one per wakeup.
	for {
		docs, err := s.a.Query(s.ctx, s.collection, s.q)
		select {
		case s.updates <- db.Result{Docs: docs, Err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}

		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *subscriber) Updates() <-chan db.Result {
	return s.updates
}

func (s *subscriber) Cancel() {
	s.cancel()
	<-s.done
}

func (a *Adapter) notifyLocked(collection string) {
	for s := range a.subs {
		if s.collection != collection {
			continue
		}
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// batch accumulates writes for a single commit.
type batchOp struct {
	kind       int // 0 set, 1 update, 2 delete
	collection string
	id         string
	doc        any
	fields     map[string]any
}

type batch struct {
	a   *Adapter
	ops []batchOp
}

func (a *Adapter) Batch() db.Batch {
	return &batch{a: a}
}

func (bt *batch) Set(collection, id string, doc any) {
	bt.ops = append(bt.ops, batchOp{kind: 0, collection: collection, id: id, doc: doc})
}

func (bt *batch) Update(collection, id string, fields map[string]any) {
	bt.ops = append(bt.ops, batchOp{kind: 1, collection: collection, id: id, fields: fields})
}

func (bt *batch) Delete(collection, id string) {
	bt.ops = append(bt.ops, batchOp{kind: 2, collection: collection, id: id})
}

func (bt *batch) Len() int {
	return len(bt.ops)
}

func (bt *batch) Commit(ctx context.Context) error {
	if len(bt.ops) > db.MaxBatchOps {
		return fmt.Errorf("%w: batch of %d exceeds limit of %d ops",
			t.ErrValidation, len(bt.ops), db.MaxBatchOps)
	}

	bt.a.mu.Lock()
	defer bt.a.mu.Unlock()

	bt.a.commitCount++
	if err, ok := bt.a.failCommits[bt.a.commitCount]; ok {
		delete(bt.a.failCommits, bt.a.commitCount)
		return err
	}

	touched := make(map[string]struct{})
	for _, op := range bt.ops {
		coll := bt.a.colls[op.collection]
		if coll == nil {
			coll = make(map[string]b.M)
			bt.a.colls[op.collection] = coll
		}
		switch op.kind {
		case 0:
			m, err := normalize(op.doc)
			if err != nil {
				return err
			}
			m["_id"] = op.id
			coll[op.id] = m
		case 1:
			doc, ok := coll[op.id]
			if !ok {
				continue
			}
			norm, err := normalize(b.M(op.fields))
			if err != nil {
				return err
			}
			for k, v := range norm {
				doc[k] = v
			}
		case 2:
			delete(coll, op.id)
		}
		touched[op.collection] = struct{}{}
	}
	for coll := range touched {
		bt.a.notifyLocked(coll)
	}
	return nil
}
