package ep

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func newTestHashTable() *HashTable {
	clk := &manualClock{}
	return NewHashTable(0, 97, 7, clk.clock(), NewStats())
}

func TestHashTableSetFind(t *testing.T) {
	ht := newTestHashTable()

	itm := NewItem("k", 0, 0, 0, 0, []byte("v"))
	if mtype := ht.Set(itm); mtype != MutNotFound {
		t.Fatalf("first set = %v, want NotFound (created)", mtype)
	}
	if itm.Cas == 0 {
		t.Error("set did not stamp a cas")
	}

	v := ht.Find("k", false)
	if v == nil {
		t.Fatal("find after set returned nil")
	}
	if !bytes.Equal(v.value, []byte("v")) {
		t.Errorf("stored value = %q, want %q", v.value, "v")
	}
	if !v.isDirty() {
		t.Error("fresh entry not dirty")
	}

	// A clean entry reports WasClean, a dirty one WasDirty.
	v.markClean()
	if mtype := ht.Set(NewItem("k", 0, 0, 0, 0, []byte("v2"))); mtype != MutWasClean {
		t.Errorf("set over clean = %v, want WasClean", mtype)
	}
	if mtype := ht.Set(NewItem("k", 0, 0, 0, 0, []byte("v3"))); mtype != MutWasDirty {
		t.Errorf("set over dirty = %v, want WasDirty", mtype)
	}

	if mtype := ht.Set(NewItem("k", 5, 0, 0, 0, []byte("v"))); mtype != MutInvalidVBucket {
		t.Errorf("set with wrong partition = %v, want InvalidVBucket", mtype)
	}
}

func TestHashTableSoftDelete(t *testing.T) {
	ht := newTestHashTable()

	if mtype := ht.SoftDelete("nope"); mtype != MutNotFound {
		t.Errorf("softDelete of missing key = %v, want NotFound", mtype)
	}

	ht.Set(NewItem("k", 0, 0, 0, 0, []byte("v")))
	ht.Find("k", true).markClean()

	if mtype := ht.SoftDelete("k"); mtype != MutWasClean {
		t.Errorf("softDelete of clean entry = %v, want WasClean", mtype)
	}
	if ht.Find("k", false) != nil {
		t.Error("tombstone visible to a plain find")
	}
	v := ht.Find("k", true)
	if v == nil || !v.isDeleted() {
		t.Fatal("tombstone missing from the table")
	}
	if v.value != nil {
		t.Error("tombstone retained its value")
	}

	// Deleting an already-dirty entry reports WasDirty.
	ht.Set(NewItem("j", 0, 0, 0, 0, []byte("v")))
	if mtype := ht.SoftDelete("j"); mtype != MutWasDirty {
		t.Errorf("softDelete of dirty entry = %v, want WasDirty", mtype)
	}
}

func TestHashTablePhysicalDelete(t *testing.T) {
	ht := newTestHashTable()
	ht.Set(NewItem("k", 0, 0, 0, 0, []byte("v")))

	bucketNum := ht.Bucket("k")
	mutex := ht.GetMutex(bucketNum)
	mutex.Lock()
	ok := ht.UnlockedDel("k", bucketNum)
	mutex.Unlock()
	if !ok {
		t.Fatal("physical delete failed")
	}
	if ht.Find("k", true) != nil {
		t.Error("entry survived physical delete")
	}
	if ht.NumItems() != 0 {
		t.Errorf("numItems = %d, want 0", ht.NumItems())
	}
	if ht.MemSize() != 0 {
		t.Errorf("memSize = %d, want 0", ht.MemSize())
	}
}

func TestHashTableAdd(t *testing.T) {
	ht := newTestHashTable()

	if at := ht.Add(NewItem("k", 0, 0, 0, 0, []byte("v")), false, true); at != AddSuccess {
		t.Fatalf("add = %v, want Success", at)
	}
	if at := ht.Add(NewItem("k", 0, 0, 0, 0, []byte("w")), false, true); at != AddExists {
		t.Errorf("second add = %v, want Exists", at)
	}

	ht.SoftDelete("k")
	if at := ht.Add(NewItem("k", 0, 0, 0, 0, []byte("w")), false, true); at != AddUnDel {
		t.Errorf("add over tombstone = %v, want UnDel", at)
	}
}

func TestHashTableAddRestore(t *testing.T) {
	ht := newTestHashTable()

	itm := NewItem("k", 0, 3, 0, 99, bytes.Repeat([]byte("v"), 64))
	itm.RowID = 42
	if at := ht.Add(itm, true, true); at != AddSuccess {
		t.Fatalf("restore add = %v, want Success", at)
	}
	v := ht.Find("k", false)
	if v.isDirty() {
		t.Error("restored entry is dirty")
	}
	if v.getID() != 42 {
		t.Errorf("restored row id = %d, want 42", v.getID())
	}
	if v.cas != 99 {
		t.Errorf("restored cas = %d, want 99", v.cas)
	}

	// retainValue=false loads metadata only.
	itm2 := NewItem("m", 0, 0, 0, 7, bytes.Repeat([]byte("w"), 64))
	itm2.RowID = 43
	if at := ht.Add(itm2, true, false); at != AddSuccess {
		t.Fatalf("metadata-only add = %v, want Success", at)
	}
	if v := ht.Find("m", false); v.isResident() {
		t.Error("metadata-only entry is resident")
	}
	if ht.NumNonResident() != 1 {
		t.Errorf("numNonResident = %d, want 1", ht.NumNonResident())
	}
}

func TestHashTableEject(t *testing.T) {
	ht := newTestHashTable()

	big := bytes.Repeat([]byte("x"), 100)
	ht.Set(NewItem("k", 0, 0, 0, 0, big))
	v := ht.Find("k", false)

	// Dirty entries are not ejectable.
	if ht.EjectValue(v) {
		t.Error("ejected a dirty value")
	}
	v.markClean()

	before := ht.MemSize()
	if !ht.EjectValue(v) {
		t.Fatal("eject of clean value failed")
	}
	if v.isResident() {
		t.Error("entry still resident after eject")
	}
	if got := before - ht.MemSize(); got != 100 {
		t.Errorf("eject freed %d bytes, want 100", got)
	}

	// Restoring brings the bytes back.
	if _, ok := v.restoreValue(big); !ok {
		t.Fatal("restore failed")
	}
}

func TestHashTableVisit(t *testing.T) {
	ht := newTestHashTable()
	for i := 0; i < 50; i++ {
		ht.Set(NewItem(fmt.Sprintf("key-%d", i), 0, 0, 0, 0, []byte("v")))
	}
	ht.SoftDelete("key-0")

	seen := 0
	ht.Visit(func(v *StoredValue) { seen++ })
	if seen != 50 {
		t.Errorf("visit saw %d entries, want 50 (tombstones included)", seen)
	}
}

func TestHashTableConcurrentSets(t *testing.T) {
	ht := newTestHashTable()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ht.Set(NewItem(fmt.Sprintf("key-%d-%d", g, i), 0, 0, 0, 0, []byte("v")))
			}
		}(g)
	}
	wg.Wait()

	if got := ht.NumItems(); got != 1600 {
		t.Errorf("numItems = %d, want 1600", got)
	}
	for g := 0; g < 8; g++ {
		for i := 0; i < 200; i++ {
			if ht.Find(fmt.Sprintf("key-%d-%d", g, i), false) == nil {
				t.Fatalf("key-%d-%d missing", g, i)
			}
		}
	}
}

func TestHashTableClear(t *testing.T) {
	ht := newTestHashTable()
	for i := 0; i < 10; i++ {
		ht.Set(NewItem(fmt.Sprintf("key-%d", i), 0, 0, 0, 0, bytes.Repeat([]byte("v"), 10)))
	}

	numItems, memSize, _ := ht.Clear()
	if numItems != 10 {
		t.Errorf("clear reported %d items, want 10", numItems)
	}
	if memSize == 0 {
		t.Error("clear reported zero released bytes")
	}
	if ht.NumItems() != 0 || ht.MemSize() != 0 {
		t.Errorf("table not empty after clear: %d items, %d bytes", ht.NumItems(), ht.MemSize())
	}
}
