// Package mongodb is a document-store adapter for MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/campuslive/chat/server/store"
	t "github.com/campuslive/chat/server/store/types"
	b "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/campuslive/chat/server/db"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn       *mdb.Client
	db         *mdb.Database
	dbName     string
	maxResults int
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "campuslive"

	adapterName = "mongodb"

	defaultMaxResults = 1024
)

// See https://godoc.org/go.mongodb.org/mongo-driver/mongo/options#ClientOptions for explanations.
type configType struct {
	Addresses      any `json:"addresses,omitempty"`
	ConnectTimeout int `json:"timeout,omitempty"`

	Database   string `json:"database,omitempty"`
	ReplicaSet string `json:"replica_set,omitempty"`

	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// Open initializes the mongodb session.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if err = json.Unmarshal(jsonconfig, &config); err != nil {
		return errors.New("adapter mongodb failed to parse config: " + err.Error())
	}

	var opts mdbopts.ClientOptions

	if config.Addresses == nil {
		opts.SetHosts([]string{defaultHost})
	} else if host, ok := config.Addresses.(string); ok {
		opts.SetHosts([]string{host})
	} else if hosts, ok := config.Addresses.([]string); ok {
		opts.SetHosts(hosts)
	} else {
		return errors.New("adapter mongodb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.ReplicaSet != "" {
		opts.SetReplicaSet(config.ReplicaSet)
	}

	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(config.ConnectTimeout) * time.Second)
	}

	if config.Username != "" {
		var passwordSet bool
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		if config.Password != "" {
			passwordSet = true
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   passwordSet,
			})
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	ctx := context.Background()
	a.conn, err = mdb.Connect(ctx, &opts)
	if err != nil {
		return err
	}
	a.db = a.conn.Database(a.dbName)

	return nil
}

// Close the adapter.
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(context.Background())
		a.conn = nil
	}
	return err
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many documents can be returned in a single query.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// Get fetches a single document by primary key.
func (a *adapter) Get(ctx context.Context, collection, id string, v any) error {
	err := a.db.Collection(collection).FindOne(ctx, b.M{"_id": id}).Decode(v)
	if err == mdb.ErrNoDocuments {
		return t.ErrNotFound
	}
	return wrapError(err)
}

// Set creates or fully replaces a document.
func (a *adapter) Set(ctx context.Context, collection, id string, doc any) error {
	opts := mdbopts.Replace().SetUpsert(true)
	_, err := a.db.Collection(collection).ReplaceOne(ctx, b.M{"_id": id}, doc, opts)
	return wrapError(err)
}

// Update modifies fields of an existing document.
func (a *adapter) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	res, err := a.db.Collection(collection).UpdateOne(ctx, b.M{"_id": id}, b.M{"$set": b.M(fields)})
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Delete removes a document. Absent documents are a no-op.
func (a *adapter) Delete(ctx context.Context, collection, id string) error {
	_, err := a.db.Collection(collection).DeleteOne(ctx, b.M{"_id": id})
	return wrapError(err)
}

// Query runs a one-shot filtered query.
func (a *adapter) Query(ctx context.Context, collection string, q db.Query) ([]b.Raw, error) {
	filter, err := mongoFilter(q.Filters)
	if err != nil {
		return nil, err
	}

	limit := a.maxResults
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	findOpts := mdbopts.Find().SetLimit(int64(limit))
	if len(q.Sort) > 0 {
		var sort b.D
		for _, o := range q.Sort {
			dir := 1
			if o.Desc {
				dir = -1
			}
			sort = append(sort, b.E{Key: o.Field, Value: dir})
		}
		findOpts.SetSort(sort)
	}

	cur, err := a.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cur.Close(ctx)

	var docs []b.Raw
	for cur.Next(ctx) {
		raw := make(b.Raw, len(cur.Current))
		copy(raw, cur.Current)
		docs = append(docs, raw)
	}
	return docs, wrapError(cur.Err())
}

// Count reports the number of documents matching the query filters.
func (a *adapter) Count(ctx context.Context, collection string, q db.Query) (int64, error) {
	filter, err := mongoFilter(q.Filters)
	if err != nil {
		return 0, err
	}
	n, err := a.db.Collection(collection).CountDocuments(ctx, filter)
	return n, wrapError(err)
}

// Subscribe opens a live query backed by a collection change stream. On every
// observed change the query is re-run and the full matching set is delivered.
func (a *adapter) Subscribe(ctx context.Context, collection string, q db.Query) (db.Live, error) {
	// Validate the filters upfront so a bad query fails synchronously.
	if _, err := mongoFilter(q.Filters); err != nil {
		return nil, err
	}

	cs, err := a.db.Collection(collection).Watch(ctx, mdb.Pipeline{})
	if err != nil {
		return nil, wrapError(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	lq := &liveQuery{
		updates: make(chan db.Result, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(lq.updates)
		defer close(lq.done)
		defer cs.Close(context.Background())

		// Initial full snapshot, empty or not.
		if !lq.deliver(ctx, a, collection, q) {
			return
		}

		for cs.Next(ctx) {
			if !lq.deliver(ctx, a, collection, q) {
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			select {
			case lq.updates <- db.Result{Err: wrapError(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return lq, nil
}

type liveQuery struct {
	updates chan db.Result
	cancel  context.CancelFunc
	done    chan struct{}
}

func (lq *liveQuery) Updates() <-chan db.Result {
	return lq.updates
}

func (lq *liveQuery) Cancel() {
	lq.cancel()
	<-lq.done
}

// deliver re-runs the query and pushes the resulting snapshot. Returns false
// when the subscription should stop.
func (lq *liveQuery) deliver(ctx context.Context, a *adapter, collection string, q db.Query) bool {
	docs, err := a.Query(ctx, collection, q)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		select {
		case lq.updates <- db.Result{Err: err}:
		case <-ctx.Done():
		}
		return false
	}
	select {
	case lq.updates <- db.Result{Docs: docs}:
		return true
	case <-ctx.Done():
		return false
	}
}

// batch accumulates write models per collection for a single bulk commit.
type batch struct {
	a     *adapter
	colls []string
	ops   map[string][]mdb.WriteModel
	total int
}

// Batch starts a new write batch.
func (a *adapter) Batch() db.Batch {
	return &batch{a: a, ops: make(map[string][]mdb.WriteModel)}
}

func (bt *batch) add(collection string, m mdb.WriteModel) {
	if _, ok := bt.ops[collection]; !ok {
		bt.colls = append(bt.colls, collection)
	}
	bt.ops[collection] = append(bt.ops[collection], m)
	bt.total++
}

func (bt *batch) Set(collection, id string, doc any) {
	bt.add(collection, mdb.NewReplaceOneModel().
		SetFilter(b.M{"_id": id}).SetReplacement(doc).SetUpsert(true))
}

func (bt *batch) Update(collection, id string, fields map[string]any) {
	bt.add(collection, mdb.NewUpdateOneModel().
		SetFilter(b.M{"_id": id}).SetUpdate(b.M{"$set": b.M(fields)}))
}

func (bt *batch) Delete(collection, id string) {
	bt.add(collection, mdb.NewDeleteOneModel().SetFilter(b.M{"_id": id}))
}

func (bt *batch) Len() int {
	return bt.total
}

func (bt *batch) Commit(ctx context.Context) error {
	if bt.total > db.MaxBatchOps {
		return fmt.Errorf("%w: batch of %d exceeds limit of %d ops",
			t.ErrValidation, bt.total, db.MaxBatchOps)
	}
	ordered := mdbopts.BulkWrite().SetOrdered(true)
	for _, coll := range bt.colls {
		if _, err := bt.a.db.Collection(coll).BulkWrite(ctx, bt.ops[coll], ordered); err != nil {
			return wrapError(err)
		}
	}
	return nil
}

// mongoFilter translates generic query filters to a bson document.
func mongoFilter(filters []db.Filter) (b.M, error) {
	filter := b.M{}
	for _, f := range filters {
		switch f.Op {
		case db.OpEqual:
			filter[f.Field] = f.Value
		case db.OpGreaterEqual:
			filter[f.Field] = mergeRange(filter[f.Field], "$gte", f.Value)
		case db.OpLess:
			filter[f.Field] = mergeRange(filter[f.Field], "$lt", f.Value)
		case db.OpContains:
			// Matching a scalar against an array field is mongo's
			// array-contains.
			filter[f.Field] = f.Value
		case db.OpIn:
			vals, ok := f.Value.([]string)
			if !ok {
				return nil, fmt.Errorf("%w: in filter on %q requires []string", t.ErrValidation, f.Field)
			}
			if len(vals) > db.MaxInValues {
				return nil, fmt.Errorf("%w: in filter of %d values exceeds limit of %d",
					t.ErrValidation, len(vals), db.MaxInValues)
			}
			arr := make(b.A, len(vals))
			for i, v := range vals {
				arr[i] = v
			}
			filter[f.Field] = b.M{"$in": arr}
		case db.OpPrefix:
			prefix, ok := f.Value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: prefix filter on %q requires string", t.ErrValidation, f.Field)
			}
			filter[f.Field] = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix), Options: "i"}
		default:
			return nil, fmt.Errorf("%w: unknown filter op %d", t.ErrValidation, f.Op)
		}
	}
	return filter, nil
}

// mergeRange combines $gte and $lt against the same field into one range doc.
func mergeRange(existing any, op string, val any) b.M {
	m, ok := existing.(b.M)
	if !ok {
		m = b.M{}
	}
	m[op] = val
	return m
}

// wrapError tags transport-level failures with the shared taxonomy so callers
// can distinguish an unreachable store from a legitimate empty result.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if mdb.IsNetworkError(err) || mdb.IsTimeout(err) ||
		strings.Contains(err.Error(), "server selection error") {
		return fmt.Errorf("%w: %v", t.ErrUnavailable, err)
	}
	return err
}

// GetAdapter returns an uninitialized instance of the adapter, used in tests.
func GetAdapter() db.Adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}
