package ep

import "sync/atomic"

// casCounter stamps every mutation with a store-wide monotonic token.
var casCounter atomic.Uint64

func nextCas() uint64 {
	return casCounter.Add(1)
}

// InvalidCas is returned in place of the real token when a locked item is
// read without going through GetLocked, so the token cannot be forged.
const InvalidCas = ^uint64(0)

// --------------------------------------------------------------------------
// Item
// --------------------------------------------------------------------------

// Item is the unit of exchange at the facade: what clients store and what
// reads hand back. Exptime is an absolute stamp in the store's relative
// time domain; zero means no expiry.
type Item struct {
	Key       string
	VBucketID uint16
	Flags     uint32
	Exptime   uint32
	Cas       uint64
	Value     []byte
	RowID     int64
}

// NewItem builds an Item with no persisted identity yet.
func NewItem(key string, vbucket uint16, flags, exptime uint32, cas uint64, value []byte) *Item {
	return &Item{
		Key:       key,
		VBucketID: vbucket,
		Flags:     flags,
		Exptime:   exptime,
		Cas:       cas,
		Value:     value,
		RowID:     -1,
	}
}

// SetNewCas stamps the item with a fresh token.
func (i *Item) SetNewCas() {
	i.Cas = nextCas()
}

// --------------------------------------------------------------------------
// StoredValue
// --------------------------------------------------------------------------

// storedValueOverhead approximates the bookkeeping bytes per entry for
// memory accounting.
const storedValueOverhead = 64

// ejectionThreshold is the minimum payload worth ejecting; tiny values cost
// more to page back in than they free.
const ejectionThreshold = 32

// StoredValue is the in-memory record for one key. It is owned by its hash
// table bucket: every access must hold the bucket mutex.
type StoredValue struct {
	key     string
	value   []byte // nil when non-resident or deleted
	cas     uint64
	flags   uint32
	exptime uint32

	rowID       int64  // backing-store identity, -1 before first persist
	dirtied     uint32 // stamp of the most recent write
	lockedUntil uint32 // exclusive to the lock holder while in the future

	dirty     bool
	deleted   bool
	pendingID bool
	resident  bool

	next *StoredValue // bucket chain
}

func newStoredValue(itm *Item, now uint32) *StoredValue {
	v := &StoredValue{
		key:     itm.Key,
		flags:   itm.Flags,
		exptime: itm.Exptime,
		cas:     itm.Cas,
		rowID:   -1,
	}
	v.setValue(itm.Value, now)
	return v
}

// setValue replaces the payload and marks the entry dirty. Returns the
// change in accounted bytes.
func (v *StoredValue) setValue(value []byte, now uint32) int64 {
	delta := int64(len(value)) - int64(len(v.value))
	v.value = value
	v.resident = true
	v.deleted = false
	v.markDirty(now)
	return delta
}

func (v *StoredValue) markDirty(now uint32) {
	v.dirty = true
	v.dirtied = now
}

// markClean clears the dirty flag and reports the stamp of the last write.
func (v *StoredValue) markClean() (dirtied uint32) {
	dirtied = v.dirtied
	v.dirty = false
	return dirtied
}

// reDirty restores the dirty state after a failed or deferred persist,
// keeping the original write stamp.
func (v *StoredValue) reDirty(dirtied uint32) {
	v.dirty = true
	v.dirtied = dirtied
}

func (v *StoredValue) isDirty() bool    { return v.dirty }
func (v *StoredValue) isDeleted() bool  { return v.deleted }
func (v *StoredValue) isResident() bool { return v.resident }

func (v *StoredValue) isExpired(now uint32) bool {
	return v.exptime != 0 && now >= v.exptime
}

func (v *StoredValue) isLocked(now uint32) bool {
	if v.lockedUntil == 0 {
		return false
	}
	if now < v.lockedUntil {
		return true
	}
	v.lockedUntil = 0
	return false
}

func (v *StoredValue) lock(until uint32) { v.lockedUntil = until }
func (v *StoredValue) unlock()           { v.lockedUntil = 0 }

func (v *StoredValue) hasID() bool       { return v.rowID > 0 }
func (v *StoredValue) getID() int64      { return v.rowID }
func (v *StoredValue) isPendingID() bool { return v.pendingID }
func (v *StoredValue) setPendingID()     { v.pendingID = true }

// setID records the persisted identity. Valid only once, while a pending
// assignment is outstanding.
func (v *StoredValue) setID(id int64) {
	v.rowID = id
	v.pendingID = false
}

// clearID forgets the persisted identity, e.g. after the row was removed
// underneath a revived key.
func (v *StoredValue) clearID() {
	v.rowID = -1
	v.pendingID = false
}

// size is the accounted footprint of the entry.
func (v *StoredValue) size() int64 {
	return int64(len(v.key)) + int64(len(v.value)) + storedValueOverhead
}

// del tombstones the entry: frees the payload, keeps the record. Reports
// whether it was clean and the freed bytes.
func (v *StoredValue) del(now uint32) (wasClean bool, freed int64) {
	wasClean = !v.dirty
	freed = int64(len(v.value))
	v.value = nil
	v.resident = false
	v.deleted = true
	v.markDirty(now)
	return wasClean, freed
}

// ejectValue drops the payload of a clean resident entry, making it
// non-resident. Dirty, deleted, locked, or small values are not ejected.
func (v *StoredValue) ejectValue(now uint32) (freed int64, ok bool) {
	if v.dirty || v.deleted || !v.resident || v.isLocked(now) || len(v.value) < ejectionThreshold {
		return 0, false
	}
	freed = int64(len(v.value))
	v.value = nil
	v.resident = false
	return freed, true
}

// restoreValue reattaches a payload fetched from disk. Fails if the entry
// is already resident again or was deleted in the meantime.
func (v *StoredValue) restoreValue(value []byte) (added int64, ok bool) {
	if v.resident || v.deleted {
		return 0, false
	}
	v.value = value
	v.resident = true
	return int64(len(value)), true
}

// toItem copies the entry out for a reader. The CAS is replaced with the
// invalid sentinel while the item is locked.
func (v *StoredValue) toItem(vbucket uint16, now uint32) *Item {
	cas := v.cas
	if v.isLocked(now) {
		cas = InvalidCas
	}
	value := make([]byte, len(v.value))
	copy(value, v.value)
	return &Item{
		Key:       v.key,
		VBucketID: vbucket,
		Flags:     v.flags,
		Exptime:   v.exptime,
		Cas:       cas,
		Value:     value,
		RowID:     v.rowID,
	}
}

// --------------------------------------------------------------------------
// Queued Items
// --------------------------------------------------------------------------

// QueueOp is the kind of work a dirty-queue entry asks the flusher to do.
type QueueOp int

const (
	OpSet QueueOp = iota
	OpDel
	OpFlush // drop all rows in the backing store
)

func (op QueueOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpDel:
		return "del"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// QueuedItem marks one key of one partition as awaiting flush.
type QueuedItem struct {
	Key       string
	VBucketID uint16
	Op        QueueOp

	// DirtiedAt is the enqueue stamp; the flusher ages entries against it.
	DirtiedAt uint32
}

// size approximates the queue entry's memory footprint for the overhead
// accounting.
func (qi QueuedItem) size() int64 {
	return int64(len(qi.Key)) + 24
}
