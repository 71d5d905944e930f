package kvstore_test

import (
	"testing"

	"github.com/ValentinKolb/epcache/lib/kvstore"
	kvtesting "github.com/ValentinKolb/epcache/lib/kvstore/testing"
)

func TestMemoryStore(t *testing.T) {
	kvtesting.RunKVStoreTests(t, "MemoryStore", func() (kvstore.KVStore, error) {
		return kvstore.NewMemoryStore(), nil
	})
}
