package ep

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/epcache/lib/kvstore"
)

// mockKVStore is a scriptable backing store: it records every call and can
// be told to fail the next N sets, deletes, or commits.
type mockKVStore struct {
	mu     sync.Mutex
	rows   map[int64]*kvstore.Row
	byKey  map[string]int64
	states map[uint16]string
	nextID int64

	failSets    int
	failDels    int
	failCommits int
	failVBDels  int

	setKeys   []string
	delKeys   []string
	delVBIDs  []uint16
	numResets int
}

func newMockKVStore() *mockKVStore {
	return &mockKVStore{
		rows:   map[int64]*kvstore.Row{},
		byKey:  map[string]int64{},
		states: map[uint16]string{},
	}
}

func mockRowKey(vb uint16, key string) string {
	return fmt.Sprintf("%d/%s", vb, key)
}

func (m *mockKVStore) Begin()    {}
func (m *mockKVStore) Rollback() {}

func (m *mockKVStore) Commit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommits > 0 {
		m.failCommits--
		return false
	}
	return true
}

func (m *mockKVStore) Set(row *kvstore.Row, cb func(affected int, newRowID int64)) {
	m.mu.Lock()
	m.setKeys = append(m.setKeys, row.Key)
	if m.failSets > 0 {
		m.failSets--
		m.mu.Unlock()
		cb(-1, 0)
		return
	}
	cp := *row
	if row.RowID <= 0 {
		m.nextID++
		cp.RowID = m.nextID
		m.rows[cp.RowID] = &cp
		m.byKey[mockRowKey(cp.VBucketID, cp.Key)] = cp.RowID
		m.mu.Unlock()
		cb(1, cp.RowID)
		return
	}
	if _, ok := m.rows[row.RowID]; !ok {
		m.mu.Unlock()
		cb(0, 0)
		return
	}
	m.rows[row.RowID] = &cp
	m.mu.Unlock()
	cb(1, 0)
}

func (m *mockKVStore) Del(key string, vb uint16, rowID int64, cb func(affected int)) {
	m.mu.Lock()
	m.delKeys = append(m.delKeys, key)
	if m.failDels > 0 {
		m.failDels--
		m.mu.Unlock()
		cb(-1)
		return
	}
	if _, ok := m.rows[rowID]; !ok {
		m.mu.Unlock()
		cb(0)
		return
	}
	delete(m.rows, rowID)
	delete(m.byKey, mockRowKey(vb, key))
	m.mu.Unlock()
	cb(1)
}

func (m *mockKVStore) Get(key string, vb uint16, rowID int64, cb func(kvstore.GetValue)) {
	m.mu.Lock()
	row, ok := m.rows[rowID]
	if !ok {
		m.mu.Unlock()
		cb(kvstore.GetValue{Status: kvstore.GetNotFound, RowID: rowID})
		return
	}
	cp := *row
	m.mu.Unlock()
	cb(kvstore.GetValue{Row: &cp, Status: kvstore.GetSuccess, RowID: rowID})
}

func (m *mockKVStore) SetVBState(vb uint16, state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[vb] = state
	return true
}

func (m *mockKVStore) DelVBucket(vb uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delVBIDs = append(m.delVBIDs, vb)
	if m.failVBDels > 0 {
		m.failVBDels--
		return false
	}
	for id, row := range m.rows {
		if row.VBucketID == vb {
			delete(m.rows, id)
			delete(m.byKey, mockRowKey(vb, row.Key))
		}
	}
	delete(m.states, vb)
	return true
}

func (m *mockKVStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numResets++
	m.rows = map[int64]*kvstore.Row{}
	m.byKey = map[string]int64{}
}

func (m *mockKVStore) Dump(cb func(*kvstore.Row)) {
	m.mu.Lock()
	rows := make([]*kvstore.Row, 0, len(m.rows))
	for _, row := range m.rows {
		cp := *row
		rows = append(rows, &cp)
	}
	m.mu.Unlock()
	for _, row := range rows {
		cb(row)
	}
}

func (m *mockKVStore) VBStates(cb func(uint16, string)) {
	m.mu.Lock()
	states := make(map[uint16]string, len(m.states))
	for vb, state := range m.states {
		states[vb] = state
	}
	m.mu.Unlock()
	for vb, state := range states {
		cb(vb, state)
	}
}

func (m *mockKVStore) Close() error { return nil }

func (m *mockKVStore) numRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *mockKVStore) rowIDFor(vb uint16, key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byKey[mockRowKey(vb, key)]
}

func (m *mockKVStore) setCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.setKeys...)
}

// manualClock is a hand-cranked relative clock for deterministic age math.
type manualClock struct {
	now atomic.Uint32
}

func (c *manualClock) advance(seconds uint32) {
	c.now.Add(seconds)
}

func (c *manualClock) clock() Clock {
	epoch := time.Unix(0, 0)
	return Clock{
		Current: func() uint32 { return c.now.Load() },
		Abs: func(rel uint32) time.Time {
			return epoch.Add(time.Duration(rel) * time.Second)
		},
	}
}

// notification is one cookie wake-up delivered through the server API.
type notification struct {
	cookie Cookie
	status Status
}

// recordingAPI collects cookie notifications and exposes them on a channel.
type recordingAPI struct {
	ch chan notification
}

func newRecordingAPI() *recordingAPI {
	return &recordingAPI{ch: make(chan notification, 64)}
}

func (r *recordingAPI) NotifyIOComplete(cookie Cookie, status Status) {
	r.ch <- notification{cookie: cookie, status: status}
}

func (r *recordingAPI) await(t testingT, what string) notification {
	select {
	case n := <-r.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return notification{}
	}
}

// testingT is the slice of *testing.T the helpers need.
type testingT interface {
	Fatalf(format string, args ...interface{})
	Helper()
}

// testConfig builds a small, deterministic store config: tiny hash table,
// manual clock, no background flusher, ages tuned so everything is
// immediately eligible.
func testConfig(clk *manualClock) *Config {
	cfg := DefaultConfig()
	cfg.HashSize = 97
	cfg.HashLocks = 7
	cfg.MinDataAge = 0
	cfg.QueueAgeCap = 3600
	cfg.ItemExpiryWindow = 0
	cfg.FlusherSleep = time.Hour
	cfg.StartFlusher = false
	cfg.Clock = clk.clock()
	return cfg
}

// drainDirtyQueue flushes everything currently queued, returning the
// rejects of the round.
func drainDirtyQueue(s *Store) []QueuedItem {
	rejects := make([]QueuedItem, 0)
	if !s.beginFlush() {
		return rejects
	}
	for len(s.writing) > 0 {
		s.flushSome(&rejects)
	}
	s.completeFlush(rejects, s.clock.Current())
	// completeFlush moved the rejects back into writing; report them anyway
	// so tests can assert on the round's outcome.
	return rejects
}
