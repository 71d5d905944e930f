package ep

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Mutation Results
// --------------------------------------------------------------------------

// MutationType is the outcome of a hash-table write.
type MutationType int

const (
	MutNotFound MutationType = iota // no prior entry; a new one was created unless the item carried a CAS
	MutInvalidCas
	MutWasClean // updated a clean entry; caller must queue a dirty marker
	MutWasDirty // updated an already-dirty entry; no new marker needed
	MutIsLocked
	MutNoMem
	MutInvalidVBucket
)

func (m MutationType) String() string {
	switch m {
	case MutNotFound:
		return "NotFound"
	case MutInvalidCas:
		return "InvalidCas"
	case MutWasClean:
		return "WasClean"
	case MutWasDirty:
		return "WasDirty"
	case MutIsLocked:
		return "IsLocked"
	case MutNoMem:
		return "NoMem"
	case MutInvalidVBucket:
		return "InvalidVBucket"
	default:
		return "Unknown"
	}
}

// AddType is the outcome of a fail-if-exists insert.
type AddType int

const (
	AddSuccess AddType = iota
	AddNoMem
	AddExists
	AddUnDel // a tombstone or expired entry was revived
)

// --------------------------------------------------------------------------
// Hash Table
// --------------------------------------------------------------------------

// generateSeed creates a random seed for the hash so bucket distribution
// differs between table instances.
func generateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// hashKey is FNV-1a with a seed folded into the offset basis.
func hashKey(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// HashTable is a striped-lock chained hash map of key to StoredValue. The
// bucket count and the (smaller) mutex count are fixed at construction;
// bucket i is guarded by mutex i mod nLocks. Callers must never hold more
// than one bucket lock.
type HashTable struct {
	vbucket uint16
	size    int
	seed    uint64
	buckets []*StoredValue
	mutexes []sync.Mutex

	clock Clock
	stats *Stats

	// memSize tracks the accounted bytes of this table's values.
	memSize        atomic.Int64
	numItems       atomic.Int64
	numNonResident atomic.Int64
}

// NewHashTable creates a table for one partition.
func NewHashTable(vbucket uint16, size, nLocks int, clock Clock, stats *Stats) *HashTable {
	return &HashTable{
		vbucket: vbucket,
		size:    size,
		seed:    generateSeed(),
		buckets: make([]*StoredValue, size),
		mutexes: make([]sync.Mutex, nLocks),
		clock:   clock,
		stats:   stats,
	}
}

// Bucket computes the bucket number for a key.
func (ht *HashTable) Bucket(key string) int {
	return int(hashKey(key, ht.seed) % uint64(ht.size))
}

// GetMutex returns the mutex guarding a bucket number.
func (ht *HashTable) GetMutex(bucketNum int) *sync.Mutex {
	return &ht.mutexes[bucketNum%len(ht.mutexes)]
}

// MemSize reports the accounted bytes of resident values.
func (ht *HashTable) MemSize() int64 { return ht.memSize.Load() }

// NumItems reports the number of entries, tombstones included.
func (ht *HashTable) NumItems() int64 { return ht.numItems.Load() }

// NumNonResident reports the number of paged-out entries.
func (ht *HashTable) NumNonResident() int64 { return ht.numNonResident.Load() }

// hasAvailableSpace checks the store-wide byte budget for a prospective
// insert.
func (ht *HashTable) hasAvailableSpace(itm *Item) bool {
	max := ht.stats.maxDataSize.Load()
	if max <= 0 {
		return true
	}
	needed := int64(len(itm.Key)+len(itm.Value)) + storedValueOverhead
	return ht.stats.currentSize.Load()+needed <= max
}

// accountAdd/accountFree move bytes in and out of the table-local and
// store-wide counters.
func (ht *HashTable) accountAdd(n int64) {
	if n == 0 {
		return
	}
	ht.memSize.Add(n)
	ht.stats.currentSize.Add(n)
}

func (ht *HashTable) accountFree(n int64) {
	if n == 0 {
		return
	}
	ht.memSize.Add(-n)
	ht.stats.currentSize.Add(-n)
}

// UnlockedFind walks the bucket chain. Tombstones are returned only when
// wantDeleted is set. The caller must hold the bucket's mutex.
func (ht *HashTable) UnlockedFind(key string, bucketNum int, wantDeleted bool) *StoredValue {
	for v := ht.buckets[bucketNum]; v != nil; v = v.next {
		if v.key == key {
			if v.isDeleted() && !wantDeleted {
				return nil
			}
			return v
		}
	}
	return nil
}

// Find looks a key up under the bucket lock.
func (ht *HashTable) Find(key string, wantDeleted bool) *StoredValue {
	bucketNum := ht.Bucket(key)
	mutex := ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()
	return ht.UnlockedFind(key, bucketNum, wantDeleted)
}

// UnlockedSet inserts or updates under the caller-held bucket lock.
//
// The returned mutation type tells the caller what to do next: MutWasClean
// and MutNotFound require a dirty-queue entry, MutWasDirty does not, and
// the failure codes map onto facade errors.
func (ht *HashTable) UnlockedSet(itm *Item, bucketNum int) MutationType {
	if itm.VBucketID != ht.vbucket {
		return MutInvalidVBucket
	}

	now := ht.clock.Current()
	v := ht.UnlockedFind(itm.Key, bucketNum, true)
	if v == nil {
		if itm.Cas != 0 {
			return MutNotFound
		}
		if !ht.hasAvailableSpace(itm) {
			return MutNoMem
		}
		itm.SetNewCas()
		nv := newStoredValue(itm, now)
		nv.next = ht.buckets[bucketNum]
		ht.buckets[bucketNum] = nv
		ht.numItems.Add(1)
		ht.accountAdd(nv.size())
		return MutNotFound
	}

	if v.isLocked(now) {
		if itm.Cas != v.cas {
			return MutIsLocked
		}
		v.unlock()
	}
	if itm.Cas != 0 && itm.Cas != v.cas {
		return MutInvalidCas
	}
	if !ht.hasAvailableSpace(itm) {
		return MutNoMem
	}

	rv := MutWasClean
	if v.isDirty() {
		rv = MutWasDirty
	}
	if !v.isResident() && !v.isDeleted() {
		ht.numNonResident.Add(-1)
		ht.stats.numNonResident.Add(-1)
	}

	itm.SetNewCas()
	delta := v.setValue(itm.Value, now)
	v.cas = itm.Cas
	v.flags = itm.Flags
	v.exptime = itm.Exptime
	ht.accountAdd(delta)

	return rv
}

// Set inserts or updates under the bucket lock.
func (ht *HashTable) Set(itm *Item) MutationType {
	bucketNum := ht.Bucket(itm.Key)
	mutex := ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()
	return ht.UnlockedSet(itm, bucketNum)
}

// UnlockedAdd is the fail-if-exists insert. isRestore stores the item clean
// with its persisted identity (warm-up path); retainValue=false stores the
// entry non-resident immediately.
func (ht *HashTable) UnlockedAdd(itm *Item, bucketNum int, isRestore, retainValue bool) AddType {
	now := ht.clock.Current()
	v := ht.UnlockedFind(itm.Key, bucketNum, true)

	if v != nil && !v.isDeleted() && !v.isExpired(now) {
		return AddExists
	}
	if !ht.hasAvailableSpace(itm) {
		return AddNoMem
	}

	if itm.Cas == 0 {
		itm.SetNewCas()
	}

	rv := AddSuccess
	if v != nil {
		rv = AddUnDel
		if !v.isDeleted() && !v.isResident() {
			ht.numNonResident.Add(-1)
			ht.stats.numNonResident.Add(-1)
		}
		delta := v.setValue(itm.Value, now)
		v.flags = itm.Flags
		v.exptime = itm.Exptime
		ht.accountAdd(delta)
	} else {
		v = newStoredValue(itm, now)
		v.next = ht.buckets[bucketNum]
		ht.buckets[bucketNum] = v
		ht.numItems.Add(1)
		ht.accountAdd(v.size())
	}
	v.cas = itm.Cas

	if isRestore {
		v.rowID = itm.RowID
		v.markClean()
	}
	if !retainValue {
		if freed, ok := v.ejectValue(now); ok {
			ht.accountFree(freed)
			ht.numNonResident.Add(1)
			ht.stats.numNonResident.Add(1)
		}
	}
	return rv
}

// Add inserts under the bucket lock, failing if the key exists.
func (ht *HashTable) Add(itm *Item, isRestore, retainValue bool) AddType {
	bucketNum := ht.Bucket(itm.Key)
	mutex := ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()
	return ht.UnlockedAdd(itm, bucketNum, isRestore, retainValue)
}

// UnlockedSoftDelete tombstones an entry under the caller-held bucket
// lock. The entry stays addressable until the backing store confirms the
// removal.
func (ht *HashTable) UnlockedSoftDelete(key string, bucketNum int) MutationType {
	v := ht.UnlockedFind(key, bucketNum, false)
	if v == nil {
		return MutNotFound
	}
	if !v.isResident() {
		ht.numNonResident.Add(-1)
		ht.stats.numNonResident.Add(-1)
	}
	wasClean, freed := v.del(ht.clock.Current())
	ht.accountFree(freed)
	if wasClean {
		return MutWasClean
	}
	return MutWasDirty
}

// SoftDelete tombstones an entry under the bucket lock.
func (ht *HashTable) SoftDelete(key string) MutationType {
	bucketNum := ht.Bucket(key)
	mutex := ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()
	return ht.UnlockedSoftDelete(key, bucketNum)
}

// UnlockedDel physically removes an entry. Only called once the backing
// store acknowledged the row removal.
func (ht *HashTable) UnlockedDel(key string, bucketNum int) bool {
	var prev *StoredValue
	for v := ht.buckets[bucketNum]; v != nil; v = v.next {
		if v.key == key {
			if prev == nil {
				ht.buckets[bucketNum] = v.next
			} else {
				prev.next = v.next
			}
			ht.numItems.Add(-1)
			if !v.isResident() && !v.isDeleted() {
				ht.numNonResident.Add(-1)
				ht.stats.numNonResident.Add(-1)
			}
			ht.accountFree(v.size())
			return true
		}
		prev = v
	}
	return false
}

// Visit calls the visitor for every entry, tombstones included, one bucket
// lock at a time. Visitors must be fast and must not block or take other
// locks.
func (ht *HashTable) Visit(visitor func(*StoredValue)) {
	for i := 0; i < ht.size; i++ {
		mutex := ht.GetMutex(i)
		mutex.Lock()
		for v := ht.buckets[i]; v != nil; v = v.next {
			visitor(v)
		}
		mutex.Unlock()
	}
}

// EjectValue drops the payload of a clean resident entry under the bucket
// lock, making it non-resident.
func (ht *HashTable) EjectValue(v *StoredValue) bool {
	freed, ok := v.ejectValue(ht.clock.Current())
	if ok {
		ht.accountFree(freed)
		ht.numNonResident.Add(1)
		ht.stats.numNonResident.Add(1)
	}
	return ok
}

// Clear drops every entry and reports the released totals so the caller
// can adjust store-wide stats.
func (ht *HashTable) Clear() (numItems, memSize, numNonResident int64) {
	for i := 0; i < ht.size; i++ {
		mutex := ht.GetMutex(i)
		mutex.Lock()
		for v := ht.buckets[i]; v != nil; v = v.next {
			memSize += v.size()
			numItems++
			if !v.isResident() && !v.isDeleted() {
				numNonResident++
			}
		}
		ht.buckets[i] = nil
		mutex.Unlock()
	}
	ht.numItems.Add(-numItems)
	ht.memSize.Add(-memSize)
	ht.numNonResident.Add(-numNonResident)
	return numItems, memSize, numNonResident
}
