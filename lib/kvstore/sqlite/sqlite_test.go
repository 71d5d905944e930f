package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/epcache/lib/kvstore"
	kvtesting "github.com/ValentinKolb/epcache/lib/kvstore/testing"
)

func TestSqliteStore(t *testing.T) {
	kvtesting.RunKVStoreTests(t, "SqliteStore", func() (kvstore.KVStore, error) {
		return Open(filepath.Join(t.TempDir(), "epcache.db"))
	})
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epcache.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	var rowID int64
	s.Set(&kvstore.Row{Key: "a", VBucketID: 0, Cas: 1, Value: []byte("v")}, func(affected int, id int64) {
		if affected != 1 {
			t.Fatalf("insert failed: affected = %d", affected)
		}
		rowID = id
	})
	s.SetVBState(0, "active")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Get("a", 0, rowID, func(gv kvstore.GetValue) {
		if gv.Status != kvstore.GetSuccess || string(gv.Row.Value) != "v" {
			t.Errorf("row not durable across reopen: %v", gv.Status)
		}
	})
	found := false
	s.VBStates(func(vb uint16, state string) {
		if vb == 0 && state == "active" {
			found = true
		}
	})
	if !found {
		t.Error("vbucket state not durable across reopen")
	}
}
