package ep

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/epcache/lib/dispatcher"
	"github.com/ValentinKolb/epcache/lib/kvstore"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("ep")

// GetValue is the result of a read: the item (nil unless found and
// resident), a status, and the row id when one is known. A WouldBlock
// status with RowID set means a background fetch was queued.
type GetValue struct {
	Item   *Item
	Status Status
	RowID  int64
}

// KeyStats is the per-key metadata snapshot served by GetKeyStats.
type KeyStats struct {
	Dirty        bool
	Flags        uint32
	Exptime      uint32
	Cas          uint64
	DataAge      uint32
	LastModified time.Time
}

// KeyVBPair names one key of one partition, for batch operations.
type KeyVBPair struct {
	VBucketID uint16
	Key       string
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is the eventually-persistent store facade. Client operations hit
// the in-memory partition tables and return immediately; persistence and
// paging happen on the two background dispatchers.
//
// Lock order, where both are needed: vbsetMutex before any hash-table
// bucket mutex. Never hold a bucket mutex across backing-store I/O.
type Store struct {
	cfg        *Config
	clock      Clock
	underlying kvstore.KVStore
	serverAPI  ServerAPI
	stats      *Stats

	vbuckets   *VBucketMap
	vbsetMutex sync.Mutex

	dispatcher      *dispatcher.Dispatcher // I/O tasks
	nonIODispatcher *dispatcher.Dispatcher // tasks that may block on client code

	flusher *Flusher

	towrite *dirtyQueue
	writing []QueuedItem // flusher-owned buffer

	bgFetchQueue  atomic.Int64
	doPersistence bool
}

// NewStore wires the store to its backing store and starts the background
// machinery. serverAPI may be nil when no client notification is needed.
func NewStore(underlying kvstore.KVStore, serverAPI ServerAPI, cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.withDefaults()

	stats := NewStats()
	stats.minDataAge.Store(int64(cfg.MinDataAge))
	stats.queueAgeCap.Store(int64(cfg.QueueAgeCap))
	stats.maxDataSize.Store(cfg.MaxDataSize)
	stats.memLowWat.Store(cfg.MemLowWatermark)
	stats.memHighWat.Store(cfg.MemHighWatermark)
	stats.txnSize.Store(int64(cfg.TxnSize))

	s := &Store{
		cfg:           cfg,
		clock:         cfg.Clock,
		underlying:    underlying,
		serverAPI:     serverAPI,
		stats:         stats,
		vbuckets:      NewVBucketMap(),
		towrite:       newDirtyQueue(),
		doPersistence: cfg.DoPersistence,
	}

	s.dispatcher = dispatcher.New()
	s.nonIODispatcher = dispatcher.New()
	s.flusher = NewFlusher(s, s.dispatcher)

	if cfg.StartVB0 {
		s.vbuckets.AddBucket(NewVBucket(0, VBActive, cfg, stats))
	}

	s.dispatcher.Start()
	s.nonIODispatcher.Start()
	if cfg.StartFlusher {
		s.flusher.Start()
	}

	return s
}

// Stats returns the store's stats hub.
func (s *Store) Stats() *Stats { return s.stats }

// Flusher returns the write-behind flusher, mainly for pause/resume.
func (s *Store) Flusher() *Flusher { return s.flusher }

// Close stops the flusher and both dispatchers. The current flush batch is
// drained; anything still dirty afterwards is lost, which is the
// eventually-persistent contract.
func (s *Store) Close() error {
	if s.flusher.Stop() {
		s.flusher.Wait()
	}
	s.dispatcher.Stop()
	s.nonIODispatcher.Stop()
	return s.underlying.Close()
}

// --------------------------------------------------------------------------
// Partition Access
// --------------------------------------------------------------------------

// GetVBucket returns the handle for a partition id, or nil.
func (s *Store) GetVBucket(id uint16) *VBucket {
	return s.vbuckets.GetBucket(id)
}

// getVBucketWithState returns the partition only if it is in the wanted
// state.
func (s *Store) getVBucketWithState(id uint16, wanted VBucketState) *VBucket {
	vb := s.vbuckets.GetBucket(id)
	if vb == nil || vb.State() != wanted {
		return nil
	}
	return vb
}

// fetchValidValue applies the expiration policy during a lookup: an
// expired live entry is soft-deleted on the spot and reported as missing.
// Tombstones are returned only when wantDeleted is set and ignore expiry.
// The caller must hold the bucket's mutex.
func (s *Store) fetchValidValue(vb *VBucket, key string, bucketNum int, wantDeleted bool) *StoredValue {
	v := vb.ht.UnlockedFind(key, bucketNum, wantDeleted)
	if v != nil && v.isDeleted() {
		return v
	}
	if v != nil && v.isExpired(s.clock.Current()) {
		s.stats.Expired.Inc()
		if vb.ht.UnlockedSoftDelete(key, bucketNum) == MutWasClean {
			s.queueDirty(key, vb.id, OpDel)
		}
		return nil
	}
	return v
}

// queueDirty marks a key as awaiting flush. With persistence disabled this
// is a no-op and the store is a plain cache.
func (s *Store) queueDirty(key string, vbid uint16, op QueueOp) {
	if !s.doPersistence {
		return
	}
	qi := QueuedItem{Key: key, VBucketID: vbid, Op: op, DirtiedAt: s.clock.Current()}
	s.towrite.Push(qi)
	s.stats.memOverhead.Add(qi.size())
	s.stats.TotalEnqueued.Inc()
	s.stats.queueSize.Store(s.towrite.Len())
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get reads a key. Non-resident hits schedule a background fetch (when
// queueBG is set) and report WouldBlock together with the row id; the
// cookie is notified once the fetch lands. honorStates=false serves reads
// from replica and pending partitions, used by internal consumers.
func (s *Store) Get(key string, vbucket uint16, cookie Cookie, queueBG, honorStates bool) GetValue {
	vb := s.GetVBucket(vbucket)
	switch {
	case vb == nil:
		s.stats.NumNotMyVBuckets.Inc()
		return GetValue{Status: StatusNotMyPartition}
	case honorStates && vb.State() == VBDead:
		s.stats.NumNotMyVBuckets.Inc()
		return GetValue{Status: StatusNotMyPartition}
	case vb.State() == VBActive:
		// OK
	case honorStates && vb.State() == VBReplica:
		s.stats.NumNotMyVBuckets.Inc()
		return GetValue{Status: StatusNotMyPartition}
	case honorStates && vb.State() == VBPending:
		if vb.AddPendingOp(cookie) {
			return GetValue{Status: StatusWouldBlock}
		}
		s.stats.NumNotMyVBuckets.Inc()
		return GetValue{Status: StatusNotMyPartition}
	}

	bucketNum := vb.ht.Bucket(key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()

	v := s.fetchValidValue(vb, key, bucketNum, false)
	if v == nil {
		return GetValue{Status: StatusNotFound}
	}

	if !v.isResident() {
		if queueBG {
			s.bgFetch(key, vbucket, v.getID(), cookie)
		}
		return GetValue{Status: StatusWouldBlock, RowID: v.getID()}
	}

	return GetValue{
		Item:   v.toItem(vbucket, s.clock.Current()),
		Status: StatusSuccess,
		RowID:  v.getID(),
	}
}

// GetFromUnderlying reads a key's persisted copy, bypassing residency: the
// value is fetched from the backing store on the I/O dispatcher and handed
// to cb. Used for key-inspection paths that must see what disk sees.
func (s *Store) GetFromUnderlying(key string, vbucket uint16, cookie Cookie, cb func(kvstore.GetValue)) error {
	vb := s.GetVBucket(vbucket)
	switch {
	case vb == nil, vb != nil && vb.State() == VBDead:
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	case vb.State() == VBActive:
		// OK
	case vb.State() == VBReplica:
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	case vb.State() == VBPending:
		if vb.AddPendingOp(cookie) {
			return NewError(StatusWouldBlock, "")
		}
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	}

	bucketNum := vb.ht.Bucket(key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()
	v := s.fetchValidValue(vb, key, bucketNum, false)
	if v == nil {
		mutex.Unlock()
		return NewError(StatusNotFound, "")
	}
	rowID := v.getID()
	mutex.Unlock()

	s.bgFetchQueue.Add(1)
	s.stats.bgFetchQueue.Add(1)
	s.dispatcher.Schedule(
		&vkeyStatBGFetchCallback{ep: s, key: key, vbucket: vbucket, rowID: rowID, cookie: cookie, lookup: cb},
		dispatcher.PriorityVKeyStatBGFetcher, s.cfg.BGFetchDelay, false)
	return NewError(StatusWouldBlock, "")
}

// GetLocked reads a key and takes its lock for lockTimeout seconds,
// stamping a fresh CAS only the lock holder knows. A locked item answers
// with an empty engaged sentinel (success, no item).
func (s *Store) GetLocked(key string, vbucket uint16, lockTimeout uint32) GetValue {
	vb := s.getVBucketWithState(vbucket, VBActive)
	if vb == nil {
		s.stats.NumNotMyVBuckets.Inc()
		return GetValue{Status: StatusNotMyPartition}
	}

	bucketNum := vb.ht.Bucket(key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()

	v := s.fetchValidValue(vb, key, bucketNum, false)
	if v == nil {
		return GetValue{Status: StatusNotFound}
	}

	now := s.clock.Current()
	if v.isLocked(now) {
		// Engaged: empty value, no error.
		return GetValue{Status: StatusSuccess}
	}

	v.lock(now + lockTimeout)
	v.cas = nextCas()

	value := make([]byte, len(v.value))
	copy(value, v.value)
	return GetValue{
		Item: &Item{
			Key:       v.key,
			VBucketID: vbucket,
			Flags:     v.flags,
			Exptime:   v.exptime,
			Cas:       v.cas,
			Value:     value,
			RowID:     v.rowID,
		},
		Status: StatusSuccess,
		RowID:  v.rowID,
	}
}

// GetKeyStats reports per-key metadata for active partitions.
func (s *Store) GetKeyStats(key string, vbucket uint16) (KeyStats, bool) {
	vb := s.getVBucketWithState(vbucket, VBActive)
	if vb == nil {
		return KeyStats{}, false
	}

	bucketNum := vb.ht.Bucket(key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()

	v := s.fetchValidValue(vb, key, bucketNum, false)
	if v == nil {
		return KeyStats{}, false
	}
	return KeyStats{
		Dirty:        v.isDirty(),
		Flags:        v.flags,
		Exptime:      v.exptime,
		Cas:          v.cas,
		DataAge:      v.dirtied,
		LastModified: s.clock.Abs(v.dirtied),
	}, true
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Set inserts or updates an item. force lets replication ingest write into
// replica and pending partitions.
func (s *Store) Set(itm *Item, cookie Cookie, force bool) error {
	vb := s.GetVBucket(itm.VBucketID)
	switch {
	case vb == nil, vb != nil && vb.State() == VBDead:
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	case vb.State() == VBActive:
		// OK
	case vb.State() == VBReplica && !force:
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	case vb.State() == VBPending && !force:
		if vb.AddPendingOp(cookie) {
			return NewError(StatusWouldBlock, "")
		}
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	}

	casOp := itm.Cas != 0

	switch mtype := vb.ht.Set(itm); mtype {
	case MutNoMem:
		return NewError(StatusNoMemory, "")
	case MutInvalidCas, MutIsLocked:
		return NewError(StatusExists, "cas mismatch")
	case MutWasDirty:
		// Already pending a flush; no new marker needed.
	case MutNotFound:
		if casOp {
			return NewError(StatusNotFound, "")
		}
		s.queueDirty(itm.Key, itm.VBucketID, OpSet)
	case MutWasClean:
		s.queueDirty(itm.Key, itm.VBucketID, OpSet)
	case MutInvalidVBucket:
		return NewError(StatusNotMyPartition, "")
	}

	return nil
}

// Add inserts an item only if the key is absent. A CAS in the request is
// rejected.
func (s *Store) Add(itm *Item, cookie Cookie) error {
	vb := s.GetVBucket(itm.VBucketID)
	switch {
	case vb == nil, vb != nil && (vb.State() == VBDead || vb.State() == VBReplica):
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	case vb.State() == VBActive:
		// OK
	case vb.State() == VBPending:
		if vb.AddPendingOp(cookie) {
			return NewError(StatusWouldBlock, "")
		}
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	}

	if itm.Cas != 0 {
		// Adding with a cas value doesn't make sense.
		return NewError(StatusNotStored, "add does not take a cas")
	}

	switch vb.ht.Add(itm, false, true) {
	case AddNoMem:
		return NewError(StatusNoMemory, "")
	case AddExists:
		return NewError(StatusExists, "key exists")
	case AddSuccess, AddUnDel:
		s.queueDirty(itm.Key, itm.VBucketID, OpSet)
	}
	return nil
}

// Del soft-deletes a key: the tombstone stays addressable until the
// backing store confirms the row removal.
func (s *Store) Del(key string, vbucket uint16, cookie Cookie) error {
	vb := s.GetVBucket(vbucket)
	switch {
	case vb == nil, vb != nil && vb.State() == VBDead:
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	case vb.State() == VBActive:
		// OK
	case vb.State() == VBReplica:
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	case vb.State() == VBPending:
		if vb.AddPendingOp(cookie) {
			return NewError(StatusWouldBlock, "")
		}
		s.stats.NumNotMyVBuckets.Inc()
		return NewError(StatusNotMyPartition, "")
	}

	switch vb.ht.SoftDelete(key) {
	case MutNotFound:
		return NewError(StatusNotFound, "")
	case MutWasClean:
		s.queueDirty(key, vbucket, OpDel)
	}
	return nil
}

// DeleteMany soft-deletes a batch of keys across partitions.
func (s *Store) DeleteMany(pairs []KeyVBPair) {
	for _, p := range pairs {
		vb := s.GetVBucket(p.VBucketID)
		if vb == nil {
			continue
		}
		bucketNum := vb.ht.Bucket(p.Key)
		mutex := vb.ht.GetMutex(bucketNum)
		mutex.Lock()
		if v := vb.ht.UnlockedFind(p.Key, bucketNum, false); v != nil {
			if vb.ht.UnlockedSoftDelete(p.Key, bucketNum) == MutWasClean {
				s.queueDirty(p.Key, vb.id, OpDel)
			}
		}
		mutex.Unlock()
	}
}

// EvictKey drops the payload of a clean resident entry, keeping only its
// metadata in memory. Returns a human-readable outcome message.
func (s *Store) EvictKey(key string, vbucket uint16) (string, error) {
	vb := s.GetVBucket(vbucket)
	if vb == nil || vb.State() != VBActive {
		return "", NewError(StatusNotMyPartition, "")
	}

	bucketNum := vb.ht.Bucket(key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()

	v := s.fetchValidValue(vb, key, bucketNum, false)
	if v == nil {
		return "Not found.", NewError(StatusNotFound, "")
	}
	if !v.isResident() {
		return "Already ejected.", nil
	}
	if vb.ht.EjectValue(v) {
		s.stats.NumValueEjects.Inc()
		return "Ejected.", nil
	}
	return "Can't eject: Dirty or a small object.", nil
}

// Reset clears every active partition's table and enqueues one flush-all
// marker, so the backing store is dropped on the flusher's schedule. Reset
// is a barrier, not an atomic: mutations racing the marker survive in
// memory but not on disk.
func (s *Store) Reset() {
	for _, id := range s.vbuckets.GetBuckets() {
		vb := s.getVBucketWithState(id, VBActive)
		if vb == nil {
			continue
		}
		_, memSize, numNonResident := vb.ht.Clear()
		s.stats.currentSize.Add(-memSize)
		s.stats.numNonResident.Add(-numNonResident)
	}
	s.queueDirty("", 0, OpFlush)
}

// --------------------------------------------------------------------------
// Background Fetch
// --------------------------------------------------------------------------

// bgFetchCallback pages a non-resident value back in for a blocked read.
type bgFetchCallback struct {
	ep      *Store
	key     string
	vbucket uint16
	rowID   int64
	cookie  Cookie
	init    time.Time
}

func (cb *bgFetchCallback) Run(d *dispatcher.Dispatcher, t dispatcher.TaskID) bool {
	cb.ep.completeBGFetch(cb.key, cb.vbucket, cb.rowID, cb.cookie, cb.init, time.Now())
	return false
}

func (cb *bgFetchCallback) Description() string {
	return fmt.Sprintf("Fetching item from disk: %s", cb.key)
}

// vkeyStatBGFetchCallback reads a row for a client-supplied callback
// instead of rehydrating the table.
type vkeyStatBGFetchCallback struct {
	ep      *Store
	key     string
	vbucket uint16
	rowID   int64
	cookie  Cookie
	lookup  func(kvstore.GetValue)
}

func (cb *vkeyStatBGFetchCallback) Run(d *dispatcher.Dispatcher, t dispatcher.TaskID) bool {
	cb.ep.bgFetchQueue.Add(-1)
	cb.ep.stats.bgFetchQueue.Add(-1)
	cb.ep.underlying.Get(cb.key, cb.vbucket, cb.rowID, cb.lookup)
	return false
}

func (cb *vkeyStatBGFetchCallback) Description() string {
	return fmt.Sprintf("Fetching item from disk for vkey stat: %s", cb.key)
}

// bgFetch queues a disk load for a non-resident read. Caller holds the
// bucket lock; the fetch itself runs later on the I/O dispatcher.
func (s *Store) bgFetch(key string, vbucket uint16, rowID int64, cookie Cookie) {
	s.bgFetchQueue.Add(1)
	s.stats.bgFetchQueue.Add(1)
	log.Debugf("queued a background fetch, now at %d", s.bgFetchQueue.Load())
	s.dispatcher.Schedule(
		&bgFetchCallback{ep: s, key: key, vbucket: vbucket, rowID: rowID, cookie: cookie, init: time.Now()},
		dispatcher.PriorityBGFetcher, s.cfg.BGFetchDelay, false)
}

// completeBGFetch performs the disk read and reconciles the result into
// the table. vbsetMutex is taken before the bucket lock so the fetch
// cannot race a partition deletion.
func (s *Store) completeBGFetch(key string, vbucket uint16, rowID int64, cookie Cookie, init, start time.Time) {
	s.bgFetchQueue.Add(-1)
	s.stats.bgFetchQueue.Add(-1)
	s.stats.BGFetched.Inc()
	log.Debugf("completed a background fetch, now at %d", s.bgFetchQueue.Load())

	// Go find the data.
	var gv kvstore.GetValue
	s.underlying.Get(key, vbucket, rowID, func(result kvstore.GetValue) {
		gv = result
	})

	// Lock to prevent a race between a fetch for restore and a delete.
	s.vbsetMutex.Lock()

	vb := s.GetVBucket(vbucket)
	if vb != nil && vb.State() == VBActive && gv.Status == kvstore.GetSuccess {
		bucketNum := vb.ht.Bucket(key)
		mutex := vb.ht.GetMutex(bucketNum)
		mutex.Lock()
		if v := s.fetchValidValue(vb, key, bucketNum, false); v != nil {
			if added, ok := v.restoreValue(gv.Row.Value); ok {
				vb.ht.accountAdd(added)
				vb.ht.numNonResident.Add(-1)
				s.stats.numNonResident.Add(-1)
			}
		}
		mutex.Unlock()
	}
	s.vbsetMutex.Unlock()

	stop := time.Now()
	s.stats.BGWaitHisto.Update(start.Sub(init).Microseconds())
	s.stats.BGLoadHisto.Update(stop.Sub(start).Microseconds())

	if s.serverAPI != nil {
		status := StatusSuccess
		switch gv.Status {
		case kvstore.GetNotFound:
			status = StatusNotFound
		case kvstore.GetError:
			status = StatusTmpFail
		}
		s.serverAPI.NotifyIOComplete(cookie, status)
	}
}

// --------------------------------------------------------------------------
// Partition Lifecycle
// --------------------------------------------------------------------------

// notifyVBStateChangeCallback fires the parked cookies of a partition on
// the non-I/O dispatcher, since clients may block in the notification.
type notifyVBStateChangeCallback struct {
	vb  *VBucket
	api ServerAPI
}

func (cb *notifyVBStateChangeCallback) Run(d *dispatcher.Dispatcher, t dispatcher.TaskID) bool {
	cb.vb.FireAllOps(cb.api)
	return false
}

func (cb *notifyVBStateChangeCallback) Description() string {
	return fmt.Sprintf("Notifying state change of vbucket %d", cb.vb.ID())
}

// setVBStateCallback persists a partition's state tag.
type setVBStateCallback struct {
	ep    *Store
	vbid  uint16
	state string
}

func (cb *setVBStateCallback) Run(d *dispatcher.Dispatcher, t dispatcher.TaskID) bool {
	cb.ep.completeSetVBState(cb.vbid, cb.state)
	return false
}

func (cb *setVBStateCallback) Description() string {
	return fmt.Sprintf("Setting vbucket %d state to %s", cb.vbid, cb.state)
}

// vbucketDeletionCallback removes a partition's rows from disk.
type vbucketDeletionCallback struct {
	ep   *Store
	vbid uint16
}

func (cb *vbucketDeletionCallback) Run(d *dispatcher.Dispatcher, t dispatcher.TaskID) bool {
	cb.ep.completeVBucketDeletion(cb.vbid)
	return false
}

func (cb *vbucketDeletionCallback) Description() string {
	return fmt.Sprintf("Removing vbucket %d from disk", cb.vbid)
}

// SetVBucketState transitions (or creates) a partition, wakes its parked
// cookies, and schedules the durable state write.
func (s *Store) SetVBucketState(vbid uint16, to VBucketState) {
	// Lock to prevent a race between a failed update and an add.
	s.vbsetMutex.Lock()
	defer s.vbsetMutex.Unlock()

	vb := s.vbuckets.GetBucket(vbid)
	if vb == nil {
		vb = NewVBucket(vbid, to, s.cfg, s.stats)
		s.vbuckets.AddBucket(vb)
	} else {
		vb.SetState(to)
	}

	s.nonIODispatcher.Schedule(
		&notifyVBStateChangeCallback{vb: vb, api: s.serverAPI},
		dispatcher.PriorityNotifyVBState, 0, false)
	s.dispatcher.Schedule(
		&setVBStateCallback{ep: s, vbid: vbid, state: to.String()},
		dispatcher.PriorityVBucketPersist, 0, false)
}

// completeSetVBState writes the state tag; failures reschedule with a 5s
// delay.
func (s *Store) completeSetVBState(vbid uint16, state string) {
	if !s.underlying.SetVBState(vbid, state) {
		log.Debugf("rescheduling a task to set the state of vbucket %d on disk", vbid)
		s.dispatcher.Schedule(
			&setVBStateCallback{ep: s, vbid: vbid, state: state},
			dispatcher.PriorityVBucketPersist, 5*time.Second, false)
	}
}

// DeleteVBucket detaches a dead partition and schedules its removal from
// disk. Returns false if the partition is absent or not dead.
func (s *Store) DeleteVBucket(vbid uint16) bool {
	// Lock to prevent a race between a failed update, an add, and a delete.
	s.vbsetMutex.Lock()
	vb := s.vbuckets.GetBucket(vbid)
	if vb == nil || vb.State() != VBDead {
		s.vbsetMutex.Unlock()
		return false
	}
	s.vbuckets.SetBucketDeletion(vbid, true)
	detached := s.vbuckets.RemoveBucket(vbid)
	s.vbsetMutex.Unlock()

	if detached != nil {
		s.stats.currentSize.Add(-detached.ht.MemSize())
		s.stats.numNonResident.Add(-detached.ht.NumNonResident())
	}
	s.dispatcher.Schedule(
		&vbucketDeletionCallback{ep: s, vbid: vbid},
		dispatcher.PriorityVBucketDeletion, 0, false)
	return true
}

// completeVBucketDeletion drops the partition's rows; idempotent. It is
// skipped only when the partition is present in a live state and no
// on-disk deletion is flagged for it.
func (s *Store) completeVBucketDeletion(vbid uint16) {
	s.vbsetMutex.Lock()
	vb := s.vbuckets.GetBucket(vbid)
	obsolete := vb != nil && vb.State() != VBDead && !s.vbuckets.IsBucketDeletion(vbid)
	s.vbsetMutex.Unlock()
	if obsolete {
		return
	}

	start := time.Now()
	if s.underlying.DelVBucket(vbid) {
		s.vbuckets.SetBucketDeletion(vbid, false)
		s.stats.VBucketDeletions.Inc()
		s.stats.DiskVBDelHisto.Update(time.Since(start).Microseconds())
	} else {
		s.stats.VBucketDelFails.Inc()
		log.Debugf("rescheduling a task to delete vbucket %d from disk", vbid)
		s.dispatcher.Schedule(
			&vbucketDeletionCallback{ep: s, vbid: vbid},
			dispatcher.PriorityVBucketDeletion, 10*time.Second, false)
	}
}

// invokeOnLockedStoredValue re-finds a value under its bucket lock and
// applies fn to it. Reports false when the entry has disappeared; fn must
// not block.
func (s *Store) invokeOnLockedStoredValue(key string, vbid uint16, fn func(*StoredValue)) bool {
	vb := s.GetVBucket(vbid)
	if vb == nil {
		return false
	}
	bucketNum := vb.ht.Bucket(key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()

	v := vb.ht.UnlockedFind(key, bucketNum, true)
	if v == nil {
		return false
	}
	fn(v)
	return true
}
