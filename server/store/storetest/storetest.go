// Package storetest wires the store façade to the in-process memdb adapter
// for unit tests.
package storetest

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/campuslive/chat/server/db/memdb"
	"github.com/campuslive/chat/server/store"
)

var once sync.Once
var adp *memdb.Adapter

const conf = `{
	"uid_key": "la6YsO+bNX/+XIkOqc5Svw==",
	"max_results": 4096,
	"use_adapter": "memdb",
	"adapters": {"memdb": {}}
}`

// Open initializes the global store against a memdb adapter exactly once per
// test binary and returns the adapter for direct inspection and failure
// injection. The store stays open for the life of the process; tests isolate
// from each other by operating on ids they created.
func Open(tb testing.TB) *memdb.Adapter {
	tb.Helper()
	once.Do(func() {
		adp = memdb.NewAdapter()
		store.RegisterAdapter(adp)
		if err := store.Open(1, json.RawMessage(conf)); err != nil {
			tb.Fatalf("storetest: failed to open store: %v", err)
		}
	})
	return adp
}
