package kvstore

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is a KVStore that keeps rows in process memory. It backs the
// server when no database path is configured and the kvstore conformance
// tests; transactions are a no-op since every write is immediately visible.
type MemoryStore struct {
	rows    *xsync.MapOf[string, *Row] // composite "vbucket/key" -> row
	byID    *xsync.MapOf[int64, *Row]
	states  *xsync.MapOf[uint16, string]
	nextRow atomic.Int64
}

// NewMemoryStore creates an empty in-memory backing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   xsync.NewMapOf[string, *Row](),
		byID:   xsync.NewMapOf[int64, *Row](),
		states: xsync.NewMapOf[uint16, string](),
	}
}

func rowKey(vbucket uint16, key string) string {
	return fmt.Sprintf("%d/%s", vbucket, key)
}

func cloneRow(r *Row) *Row {
	cp := *r
	cp.Value = make([]byte, len(r.Value))
	copy(cp.Value, r.Value)
	return &cp
}

// --------------------------------------------------------------------------
// Interface Methods (docu see interface.go)
// --------------------------------------------------------------------------

func (m *MemoryStore) Begin()       {}
func (m *MemoryStore) Commit() bool { return true }
func (m *MemoryStore) Rollback()    {}
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Set(row *Row, cb func(affected int, newRowID int64)) {
	stored := cloneRow(row)
	if row.RowID <= 0 {
		stored.RowID = m.nextRow.Add(1)
		m.rows.Store(rowKey(stored.VBucketID, stored.Key), stored)
		m.byID.Store(stored.RowID, stored)
		cb(1, stored.RowID)
		return
	}
	if _, ok := m.byID.Load(row.RowID); !ok {
		cb(0, 0)
		return
	}
	m.rows.Store(rowKey(stored.VBucketID, stored.Key), stored)
	m.byID.Store(stored.RowID, stored)
	cb(1, 0)
}

func (m *MemoryStore) Del(key string, vbucket uint16, rowID int64, cb func(affected int)) {
	if _, ok := m.byID.LoadAndDelete(rowID); !ok {
		cb(0)
		return
	}
	m.rows.Delete(rowKey(vbucket, key))
	cb(1)
}

func (m *MemoryStore) Get(key string, vbucket uint16, rowID int64, cb func(GetValue)) {
	row, ok := m.byID.Load(rowID)
	if !ok {
		cb(GetValue{Status: GetNotFound, RowID: rowID})
		return
	}
	cb(GetValue{Row: cloneRow(row), Status: GetSuccess, RowID: rowID})
}

func (m *MemoryStore) SetVBState(vbucket uint16, state string) bool {
	m.states.Store(vbucket, state)
	return true
}

func (m *MemoryStore) DelVBucket(vbucket uint16) bool {
	m.states.Delete(vbucket)
	m.rows.Range(func(k string, row *Row) bool {
		if row.VBucketID == vbucket {
			m.rows.Delete(k)
			m.byID.Delete(row.RowID)
		}
		return true
	})
	return true
}

func (m *MemoryStore) Reset() {
	m.rows.Clear()
	m.byID.Clear()
	m.states.Clear()
}

func (m *MemoryStore) Dump(cb func(*Row)) {
	m.rows.Range(func(_ string, row *Row) bool {
		cb(cloneRow(row))
		return true
	})
}

func (m *MemoryStore) VBStates(cb func(vbucket uint16, state string)) {
	m.states.Range(func(vb uint16, state string) bool {
		cb(vb, state)
		return true
	})
}

// NumRows returns the number of stored rows. O(n); intended for tests and
// stats, not hot paths.
func (m *MemoryStore) NumRows() int {
	return m.rows.Size()
}
