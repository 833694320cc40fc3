// Package db contains the interface to be implemented by a document-store
// adapter. The contract mirrors what the backing stores actually provide:
// keyed document CRUD, filtered queries with a bounded `in` operator, live
// queries re-delivering the full matching set on every change, and batched
// writes atomic only within a single commit.
package db

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"
)

// Store-imposed limits shared by all adapters.
const (
	// MaxInValues is the ceiling on the number of values in a single
	// OpIn filter.
	MaxInValues = 10
	// MaxBatchOps is the ceiling on the number of operations in a single
	// batch commit.
	MaxBatchOps = 500
)

// Op is a filter comparison operator.
type Op int

// Supported filter operators.
const (
	// OpEqual matches documents whose field equals the value.
	OpEqual Op = iota
	// OpGreaterEqual matches documents whose field is >= the value.
	OpGreaterEqual
	// OpLess matches documents whose field is < the value.
	OpLess
	// OpContains matches documents whose array field contains the value.
	OpContains
	// OpIn matches documents whose field equals one of the values. The number
	// of values must not exceed MaxInValues; callers partition larger inputs.
	OpIn
	// OpPrefix matches documents whose string field starts with the value,
	// case-insensitively.
	OpPrefix
)

// Filter is a single field comparison.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order is a single sort key.
type Order struct {
	Field string
	Desc  bool
}

// Query describes a filtered, ordered, bounded read of one collection.
type Query struct {
	Filters []Filter
	Sort    []Order
	// Limit bounds the result size. Zero means the adapter's configured
	// maximum.
	Limit int
}

// Result is one delivery from a live query: the full matching set as of some
// observed store state, or a terminal error.
type Result struct {
	Docs []bson.Raw
	Err  error
}

// Live is a handle on an open live query.
type Live interface {
	// Updates returns the delivery channel. The first delivery is the initial
	// full snapshot; every subsequent delivery supersedes the previous one.
	// The channel is closed after Cancel or after a terminal error delivery.
	Updates() <-chan Result
	// Cancel stops delivery and releases the underlying resource. Idempotent.
	Cancel()
}

// Batch accumulates write operations for a single all-or-nothing commit.
// A batch may hold at most MaxBatchOps operations; Commit fails without
// writing anything if the limit is exceeded.
type Batch interface {
	Set(collection, id string, doc any)
	Update(collection, id string, fields map[string]any)
	// Delete removes a document. Deleting an id that does not exist is a no-op,
	// which is what makes cascade retries safe.
	Delete(collection, id string)
	// Len reports the number of accumulated operations.
	Len() int
	Commit(ctx context.Context) error
}

// Adapter is the interface implemented by a document-store backend. A process
// holds a single shared adapter; it must be safe for unlimited concurrent use.
type Adapter interface {
	// Open connects and configures the adapter.
	Open(jsonconf json.RawMessage) error
	// Close disconnects the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the name of the adapter.
	GetName() string
	// SetMaxResults configures the default ceiling on query result size.
	SetMaxResults(val int) error

	// Get fetches a document by key and decodes it into v.
	// Returns types.ErrNotFound if the document does not exist.
	Get(ctx context.Context, collection, id string, v any) error
	// Set creates the document or replaces it entirely (an upsert).
	Set(ctx context.Context, collection, id string, doc any) error
	// Update modifies individual fields of an existing document.
	// Returns types.ErrNotFound if the document does not exist.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes a document. Removing an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Query runs a one-shot query.
	Query(ctx context.Context, collection string, q Query) ([]bson.Raw, error)
	// Count reports the number of documents matching the query filters.
	Count(ctx context.Context, collection string, q Query) (int64, error)
	// Subscribe opens a live query. Delivery continues until the context is
	// done or the returned handle is cancelled.
	Subscribe(ctx context.Context, collection string, q Query) (Live, error)

	// Batch starts a new empty write batch.
	Batch() Batch
}
