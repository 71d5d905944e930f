package ep

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ValentinKolb/epcache/lib/kvstore"
)

func TestWarmupRepopulates(t *testing.T) {
	clk := &manualClock{}
	mock := newMockKVStore()

	// First life: write a few keys and flush them out.
	s := NewStore(mock, nil, testConfig(clk))
	for i := 0; i < 5; i++ {
		if err := s.Set(NewItem(fmt.Sprintf("key-%d", i), 0, 0, 0, 0, []byte("v")), nil, false); err != nil {
			t.Fatal(err)
		}
	}
	drainDirtyQueue(s)
	s.SetVBucketState(1, VBReplica)
	if err := s.Set(NewItem("replica-key", 1, 0, 0, 0, []byte("r")), nil, true); err != nil {
		t.Fatal(err)
	}
	drainDirtyQueue(s)
	mock.SetVBState(1, "replica") // persisted out of band for the restart
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Second life: warm up from the same backing store.
	s2 := NewStore(mock, nil, testConfig(clk))
	t.Cleanup(func() { _ = s2.Close() })
	s2.Warmup(RetainAll)

	for i := 0; i < 5; i++ {
		gv := s2.Get(fmt.Sprintf("key-%d", i), 0, nil, false, true)
		if gv.Status != StatusSuccess {
			t.Errorf("key-%d after warmup = %v, want Success", i, gv.Status)
			continue
		}
		if !bytes.Equal(gv.Item.Value, []byte("v")) {
			t.Errorf("key-%d value = %q, want %q", i, gv.Item.Value, "v")
		}
		if gv.Item.RowID <= 0 {
			t.Errorf("key-%d has no row id after warmup", i)
		}
		if ks, _ := s2.GetKeyStats(fmt.Sprintf("key-%d", i), 0); ks.Dirty {
			t.Errorf("key-%d dirty after warmup", i)
		}
	}

	// The replica partition came back in its persisted state.
	vb := s2.GetVBucket(1)
	if vb == nil || vb.State() != VBReplica {
		t.Errorf("partition 1 state after warmup = %v, want replica", vb)
	}
	if got := s2.stats.WarmedUp.Get(); got != 6 {
		t.Errorf("warmedUp counter = %d, want 6", got)
	}
}

func TestWarmupCreatesUnknownPartitionsPending(t *testing.T) {
	clk := &manualClock{}
	mock := newMockKVStore()
	mock.Set(&kvstore.Row{Key: "k", VBucketID: 7, Cas: 1, Value: []byte("v")}, func(int, int64) {})

	s := NewStore(mock, nil, testConfig(clk))
	t.Cleanup(func() { _ = s.Close() })
	s.Warmup(RetainAll)

	vb := s.GetVBucket(7)
	if vb == nil {
		t.Fatal("partition 7 not created during warmup")
	}
	if vb.State() != VBPending {
		t.Errorf("partition 7 state = %v, want pending", vb.State())
	}
}

func TestWarmupNonResidentPolicy(t *testing.T) {
	clk := &manualClock{}
	mock := newMockKVStore()

	s := NewStore(mock, nil, testConfig(clk))
	value := bytes.Repeat([]byte("x"), 100)
	if err := s.Set(NewItem("big", 0, 0, 0, 0, value), nil, false); err != nil {
		t.Fatal(err)
	}
	drainDirtyQueue(s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(mock, nil, testConfig(clk))
	t.Cleanup(func() { _ = s2.Close() })
	s2.Warmup(func() bool { return false })

	// Metadata-only: the key exists but a read needs a background fetch.
	gv := s2.Get("big", 0, nil, false, true)
	if gv.Status != StatusWouldBlock {
		t.Fatalf("get of metadata-only key = %v, want WouldBlock", gv.Status)
	}
	if got := s2.stats.numNonResident.Load(); got != 1 {
		t.Errorf("numNonResident = %d, want 1", got)
	}
}

func TestWarmupEmergencyPurge(t *testing.T) {
	clk := &manualClock{}
	mock := newMockKVStore()

	// Seed the backing store with values that cannot all fit in memory.
	s := NewStore(mock, nil, testConfig(clk))
	value := bytes.Repeat([]byte("x"), 200)
	for i := 0; i < 6; i++ {
		if err := s.Set(NewItem(fmt.Sprintf("key-%d", i), 0, 0, 0, 0, value), nil, false); err != nil {
			t.Fatal(err)
		}
	}
	drainDirtyQueue(s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Second life with a budget that holds roughly four of the six values.
	cfg := testConfig(clk)
	cfg.MaxDataSize = 4 * 280
	s2 := NewStore(mock, nil, cfg)
	t.Cleanup(func() { _ = s2.Close() })
	s2.Warmup(RetainAll)

	if got := s2.stats.WarmedUp.Get(); got != 6 {
		t.Errorf("warmedUp counter = %d, want 6", got)
	}
	// The purge must have ejected at least one earlier value to make room.
	if got := s2.stats.NumValueEjects.Get(); got == 0 {
		t.Error("no values ejected despite the emergency purge")
	}
	// Every key is at least present as metadata.
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("key-%d", i)
		gv := s2.Get(key, 0, nil, false, true)
		if gv.Status != StatusSuccess && gv.Status != StatusWouldBlock {
			t.Errorf("%s after purge warmup = %v", key, gv.Status)
		}
	}
}

func TestWarmupCountsDuplicates(t *testing.T) {
	clk := &manualClock{}
	mock := newMockKVStore()

	s := NewStore(mock, nil, testConfig(clk))
	t.Cleanup(func() { _ = s.Close() })

	// A key that is already in memory when its row streams in.
	if err := s.Set(NewItem("dup", 0, 0, 0, 0, []byte("mem")), nil, false); err != nil {
		t.Fatal(err)
	}
	drainDirtyQueue(s)

	s.Warmup(RetainAll)

	if got := s.stats.WarmDups.Get(); got != 1 {
		t.Errorf("warmDups counter = %d, want 1", got)
	}
	// The in-memory value wins over the warmed-up row.
	if gv := s.Get("dup", 0, nil, false, true); !bytes.Equal(gv.Item.Value, []byte("mem")) {
		t.Errorf("duplicate overwrote the live value: %q", gv.Item.Value)
	}
}
