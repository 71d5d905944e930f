package testing

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ValentinKolb/epcache/lib/kvstore"
)

// RunKVStoreTests runs the conformance suite for a KVStore implementation.
func RunKVStoreTests(t *testing.T, name string, factory kvstore.Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("InsertAndGet", func(t *testing.T) {
			testInsertAndGet(t, mustOpen(t, factory))
		})
		t.Run("Update", func(t *testing.T) {
			testUpdate(t, mustOpen(t, factory))
		})
		t.Run("UpdateMissingRow", func(t *testing.T) {
			testUpdateMissingRow(t, mustOpen(t, factory))
		})
		t.Run("Delete", func(t *testing.T) {
			testDelete(t, mustOpen(t, factory))
		})
		t.Run("TransactionBatch", func(t *testing.T) {
			testTransactionBatch(t, mustOpen(t, factory))
		})
		t.Run("VBucketState", func(t *testing.T) {
			testVBucketState(t, mustOpen(t, factory))
		})
		t.Run("DelVBucket", func(t *testing.T) {
			testDelVBucket(t, mustOpen(t, factory))
		})
		t.Run("Reset", func(t *testing.T) {
			testReset(t, mustOpen(t, factory))
		})
		t.Run("Dump", func(t *testing.T) {
			testDump(t, mustOpen(t, factory))
		})
	})
}

func mustOpen(t *testing.T, factory kvstore.Factory) kvstore.KVStore {
	t.Helper()
	s, err := factory()
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// insert stores a fresh row and returns the assigned row id.
func insert(t *testing.T, s kvstore.KVStore, vb uint16, key string, value []byte) int64 {
	t.Helper()
	var rowID int64
	s.Set(&kvstore.Row{Key: key, VBucketID: vb, Cas: 1, Value: value}, func(affected int, newRowID int64) {
		if affected != 1 {
			t.Fatalf("insert of %q: affected = %d, want 1", key, affected)
		}
		if newRowID <= 0 {
			t.Fatalf("insert of %q: rowID = %d, want > 0", key, newRowID)
		}
		rowID = newRowID
	})
	return rowID
}

func testInsertAndGet(t *testing.T, s kvstore.KVStore) {
	value := []byte("hello")
	rowID := insert(t, s, 0, "a", value)

	s.Get("a", 0, rowID, func(gv kvstore.GetValue) {
		if gv.Status != kvstore.GetSuccess {
			t.Fatalf("get status = %v, want Success", gv.Status)
		}
		if !bytes.Equal(gv.Row.Value, value) {
			t.Errorf("got value %q, want %q", gv.Row.Value, value)
		}
		if gv.Row.RowID != rowID {
			t.Errorf("row id = %d, want %d", gv.Row.RowID, rowID)
		}
	})

	s.Get("a", 0, rowID+100, func(gv kvstore.GetValue) {
		if gv.Status != kvstore.GetNotFound {
			t.Errorf("get of bogus row id: status = %v, want NotFound", gv.Status)
		}
	})
}

func testUpdate(t *testing.T, s kvstore.KVStore) {
	rowID := insert(t, s, 0, "a", []byte("v1"))

	s.Set(&kvstore.Row{Key: "a", VBucketID: 0, Cas: 2, Value: []byte("v2"), RowID: rowID}, func(affected int, newRowID int64) {
		if affected != 1 {
			t.Errorf("update: affected = %d, want 1", affected)
		}
		if newRowID > 0 {
			t.Errorf("update assigned a new row id %d", newRowID)
		}
	})

	s.Get("a", 0, rowID, func(gv kvstore.GetValue) {
		if gv.Status != kvstore.GetSuccess || !bytes.Equal(gv.Row.Value, []byte("v2")) {
			t.Errorf("after update: %v %q", gv.Status, gv.Row)
		}
	})
}

func testUpdateMissingRow(t *testing.T, s kvstore.KVStore) {
	s.Set(&kvstore.Row{Key: "ghost", VBucketID: 0, Cas: 1, Value: []byte("x"), RowID: 12345}, func(affected int, newRowID int64) {
		if affected != 0 {
			t.Errorf("update of missing row: affected = %d, want 0", affected)
		}
	})
}

func testDelete(t *testing.T, s kvstore.KVStore) {
	rowID := insert(t, s, 0, "a", []byte("v"))

	s.Del("a", 0, rowID, func(affected int) {
		if affected != 1 {
			t.Errorf("delete: affected = %d, want 1", affected)
		}
	})
	s.Del("a", 0, rowID, func(affected int) {
		if affected != 0 {
			t.Errorf("second delete: affected = %d, want 0", affected)
		}
	})
	s.Get("a", 0, rowID, func(gv kvstore.GetValue) {
		if gv.Status != kvstore.GetNotFound {
			t.Errorf("get after delete: status = %v, want NotFound", gv.Status)
		}
	})
}

func testTransactionBatch(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	ids := make([]int64, 0, 10)
	for i := 0; i < 10; i++ {
		ids = append(ids, insert(t, s, 1, fmt.Sprintf("key-%d", i), []byte("v")))
	}
	if !s.Commit() {
		t.Fatal("commit failed")
	}

	for i, id := range ids {
		s.Get(fmt.Sprintf("key-%d", i), 1, id, func(gv kvstore.GetValue) {
			if gv.Status != kvstore.GetSuccess {
				t.Errorf("row %d not visible after commit: %v", i, gv.Status)
			}
		})
	}
}

func testVBucketState(t *testing.T, s kvstore.KVStore) {
	if !s.SetVBState(3, "active") {
		t.Fatal("SetVBState failed")
	}
	if !s.SetVBState(3, "replica") {
		t.Fatal("SetVBState overwrite failed")
	}
	if !s.SetVBState(7, "pending") {
		t.Fatal("SetVBState failed")
	}

	states := map[uint16]string{}
	s.VBStates(func(vb uint16, state string) {
		states[vb] = state
	})
	if states[3] != "replica" || states[7] != "pending" {
		t.Errorf("unexpected states: %v", states)
	}
}

func testDelVBucket(t *testing.T, s kvstore.KVStore) {
	keep := insert(t, s, 0, "keep", []byte("k"))
	insert(t, s, 2, "drop-a", []byte("x"))
	insert(t, s, 2, "drop-b", []byte("y"))
	s.SetVBState(2, "dead")

	if !s.DelVBucket(2) {
		t.Fatal("DelVBucket failed")
	}

	count := 0
	s.Dump(func(row *kvstore.Row) {
		if row.VBucketID == 2 {
			t.Errorf("row %q survived DelVBucket", row.Key)
		}
		count++
	})
	if count != 1 {
		t.Errorf("expected 1 surviving row, got %d", count)
	}
	s.Get("keep", 0, keep, func(gv kvstore.GetValue) {
		if gv.Status != kvstore.GetSuccess {
			t.Errorf("unrelated row lost: %v", gv.Status)
		}
	})
	s.VBStates(func(vb uint16, state string) {
		if vb == 2 {
			t.Errorf("state tag for deleted vbucket survived: %s", state)
		}
	})
}

func testReset(t *testing.T, s kvstore.KVStore) {
	insert(t, s, 0, "a", []byte("x"))
	insert(t, s, 1, "b", []byte("y"))
	s.SetVBState(0, "active")

	s.Reset()

	s.Dump(func(row *kvstore.Row) {
		t.Errorf("row %q survived reset", row.Key)
	})
	s.VBStates(func(vb uint16, state string) {
		t.Errorf("state for vb %d survived reset", vb)
	})
}

func testDump(t *testing.T, s kvstore.KVStore) {
	want := map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}
	for k, v := range want {
		insert(t, s, 0, k, v)
	}

	got := map[string][]byte{}
	s.Dump(func(row *kvstore.Row) {
		got[row.Key] = row.Value
	})
	if len(got) != len(want) {
		t.Fatalf("dumped %d rows, want %d", len(got), len(want))
	}
	for k, v := range want {
		if !bytes.Equal(got[k], v) {
			t.Errorf("dump of %q = %q, want %q", k, got[k], v)
		}
	}
}
