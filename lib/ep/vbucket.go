package ep

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Partition State
// --------------------------------------------------------------------------

// VBucketState is the lifecycle state of one partition.
type VBucketState int32

const (
	VBActive VBucketState = iota
	VBReplica
	VBPending
	VBDead
)

func (s VBucketState) String() string {
	switch s {
	case VBActive:
		return "active"
	case VBReplica:
		return "replica"
	case VBPending:
		return "pending"
	case VBDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ParseVBucketState maps a state tag back to its state. Unknown tags map
// to dead, the safe default for a partition of unclear provenance.
func ParseVBucketState(s string) VBucketState {
	switch s {
	case "active":
		return VBActive
	case "replica":
		return VBReplica
	case "pending":
		return VBPending
	default:
		return VBDead
	}
}

// --------------------------------------------------------------------------
// Server Callback
// --------------------------------------------------------------------------

// Cookie is an opaque client handle parked on blocked operations.
type Cookie interface{}

// ServerAPI lets the store notify a parked client that its operation can
// be retried or that queued I/O finished.
type ServerAPI interface {
	NotifyIOComplete(cookie Cookie, status Status)
}

// --------------------------------------------------------------------------
// VBucket
// --------------------------------------------------------------------------

// maxPendingOps caps the parked-cookie list per partition. Beyond the cap,
// operations degrade to NotMyPartition instead of growing the list.
const maxPendingOps = 4096

// VBucket is one partition: a hash table plus lifecycle state and the
// cookies parked while the partition is pending. Handles stay valid after
// removal from the table; background tasks holding one must re-check the
// state after re-acquiring locks.
type VBucket struct {
	id    uint16
	state atomic.Int32
	ht    *HashTable

	opsMu      sync.Mutex
	pendingOps map[Cookie]struct{}
}

// NewVBucket creates a partition with its own hash table.
func NewVBucket(id uint16, state VBucketState, cfg *Config, stats *Stats) *VBucket {
	vb := &VBucket{
		id:         id,
		ht:         NewHashTable(id, cfg.HashSize, cfg.HashLocks, cfg.Clock, stats),
		pendingOps: make(map[Cookie]struct{}),
	}
	vb.state.Store(int32(state))
	return vb
}

// ID returns the partition number.
func (vb *VBucket) ID() uint16 { return vb.id }

// HashTable exposes the partition's table.
func (vb *VBucket) HashTable() *HashTable { return vb.ht }

// State returns the current lifecycle state.
func (vb *VBucket) State() VBucketState {
	return VBucketState(vb.state.Load())
}

// SetState transitions the partition.
func (vb *VBucket) SetState(to VBucketState) {
	vb.state.Store(int32(to))
}

// AddPendingOp parks a cookie until the next state change. Cookies are
// deduped by identity; returns false when the list is full and the caller
// should fail the operation instead of blocking it.
func (vb *VBucket) AddPendingOp(cookie Cookie) bool {
	if cookie == nil {
		return false
	}
	vb.opsMu.Lock()
	defer vb.opsMu.Unlock()
	if _, ok := vb.pendingOps[cookie]; ok {
		return true
	}
	if len(vb.pendingOps) >= maxPendingOps {
		return false
	}
	vb.pendingOps[cookie] = struct{}{}
	return true
}

// FireAllOps drains the parked cookies and notifies each one so the client
// retries its operation.
func (vb *VBucket) FireAllOps(api ServerAPI) {
	vb.opsMu.Lock()
	ops := vb.pendingOps
	vb.pendingOps = make(map[Cookie]struct{})
	vb.opsMu.Unlock()

	if api == nil {
		return
	}
	for cookie := range ops {
		api.NotifyIOComplete(cookie, StatusSuccess)
	}
}

func (vb *VBucket) String() string {
	return fmt.Sprintf("vb%d(%s)", vb.id, vb.State())
}

// --------------------------------------------------------------------------
// VBucket Map
// --------------------------------------------------------------------------

// VBucketMap is the partition table: partition id to handle, plus the set
// of partitions whose on-disk deletion is still outstanding.
type VBucketMap struct {
	buckets  *xsync.MapOf[uint16, *VBucket]
	deleting *xsync.MapOf[uint16, struct{}]
}

// NewVBucketMap creates an empty partition table.
func NewVBucketMap() *VBucketMap {
	return &VBucketMap{
		buckets:  xsync.NewMapOf[uint16, *VBucket](),
		deleting: xsync.NewMapOf[uint16, struct{}](),
	}
}

// AddBucket registers a partition handle.
func (m *VBucketMap) AddBucket(vb *VBucket) {
	m.buckets.Store(vb.id, vb)
}

// GetBucket returns the handle for an id, or nil.
func (m *VBucketMap) GetBucket(id uint16) *VBucket {
	vb, _ := m.buckets.Load(id)
	return vb
}

// RemoveBucket detaches a partition from the table and returns its handle.
func (m *VBucketMap) RemoveBucket(id uint16) *VBucket {
	vb, _ := m.buckets.LoadAndDelete(id)
	return vb
}

// GetBuckets lists the registered partition ids.
func (m *VBucketMap) GetBuckets() []uint16 {
	ids := make([]uint16, 0, m.buckets.Size())
	m.buckets.Range(func(id uint16, _ *VBucket) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// SetBucketDeletion flags or clears a partition's pending on-disk deletion.
func (m *VBucketMap) SetBucketDeletion(id uint16, pending bool) {
	if pending {
		m.deleting.Store(id, struct{}{})
	} else {
		m.deleting.Delete(id)
	}
}

// IsBucketDeletion reports whether a partition's deletion is outstanding.
func (m *VBucketMap) IsBucketDeletion(id uint16) bool {
	_, ok := m.deleting.Load(id)
	return ok
}
