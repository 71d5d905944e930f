package ep

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/epcache/lib/dispatcher"
	"github.com/ValentinKolb/epcache/lib/kvstore"
	"github.com/lni/dragonboat/v4/logger"
)

var flusherLog = logger.GetLogger("flusher")

// --------------------------------------------------------------------------
// Flush Entry Points (owned by the flusher task)
// --------------------------------------------------------------------------

// beginFlush swaps the producer queue into the flusher-owned writing
// buffer. Returns false when there is nothing to do, which also resets the
// dirty-age gauge.
func (s *Store) beginFlush() bool {
	if s.towrite.Empty() && len(s.writing) == 0 {
		s.stats.dirtyAge.Store(0)
		return false
	}
	s.towrite.DrainTo(&s.writing)
	s.stats.flusherTodo.Store(int64(len(s.writing)))
	s.stats.queueSize.Store(s.towrite.Len())
	flusherLog.Debugf("flushing %d items with %d still in queue", len(s.writing), s.towrite.Len())
	return true
}

// completeFlush requeues the rejects of a flush round and records timing.
func (s *Store) completeFlush(rejects []QueuedItem, flushStart uint32) {
	s.writing = append(s.writing, rejects...)
	s.stats.queueSize.Store(s.towrite.Len() + int64(len(s.writing)))

	duration := int64(s.clock.Current() - flushStart)
	s.stats.flushDuration.Store(duration)
	setIfBigger(&s.stats.flushDurationHighWat, duration)
}

// flushSome persists up to one transaction's worth of queued items. A
// pending background fetch preempts the batch so reads stay responsive.
// Returns the smallest defer hint produced (seconds), or minDataAge when no
// item produced a smaller one, for the flusher's next sleep.
func (s *Store) flushSome(rejects *[]QueuedItem) int {
	s.underlying.Begin()
	oldest := int(s.stats.minDataAge.Load())
	for i := 0; i < s.cfg.TxnSize && len(s.writing) > 0 && s.bgFetchQueue.Load() == 0; i++ {
		n := s.flushOne(rejects)
		if n != 0 && n < oldest {
			oldest = n
		}
	}
	if s.bgFetchQueue.Load() > 0 {
		s.stats.FlusherPreempts.Inc()
	}

	cstart := time.Now()
	for !s.underlying.Commit() {
		time.Sleep(time.Second)
		s.stats.CommitFailed.Inc()
	}
	s.stats.FlusherCommits.Inc()
	s.stats.DiskCommitHisto.Update(time.Since(cstart).Microseconds())
	s.stats.commitTime.Store(int64(time.Since(cstart) / time.Second))
	return oldest
}

// flushOne pops the next queued item and dispatches on its operation.
func (s *Store) flushOne(rejects *[]QueuedItem) int {
	qi := s.writing[0]
	s.writing = s.writing[1:]
	s.stats.memOverhead.Add(-qi.size())
	s.stats.flusherTodo.Add(-1)

	switch qi.Op {
	case OpFlush:
		return s.flushOneDeleteAll()
	case OpSet, OpDel:
		return s.flushOneDelOrSet(qi, rejects)
	}
	return 0
}

// flushOneDeleteAll applies a reset marker: the backing store drops all
// rows.
func (s *Store) flushOneDeleteAll() int {
	s.underlying.Reset()
	return 1
}

// flushOneDelOrSet resolves a queued set/del against the current in-memory
// state and issues the matching backing-store write. The bucket lock is
// dropped before any I/O. Returns the defer hint in seconds when the item
// was rejected as too young, else 0.
func (s *Store) flushOneDelOrSet(qi QueuedItem, rejects *[]QueuedItem) int {
	vb := s.GetVBucket(qi.VBucketID)
	if vb == nil {
		return 0
	}

	bucketNum := vb.ht.Bucket(qi.Key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()

	v := s.fetchValidValue(vb, qi.Key, bucketNum, true)

	found := v != nil
	deleted := found && v.isDeleted()
	isDirty := found && v.isDirty()
	var rowID int64 = -1
	if found {
		rowID = v.getID()
	}

	queued := qi.DirtiedAt
	var dirtied uint32
	var snapshot *kvstore.Row
	ret := 0

	if isDirty && v.isExpired(s.clock.Current()+s.cfg.ItemExpiryWindow) {
		// The item will expire before anyone can read it back; skip the
		// write entirely.
		s.stats.FlushExpired.Inc()
		v.markClean()
		isDirty = false
	}

	if isDirty {
		dirtied = v.markClean()
		now := s.clock.Current()
		dataAge := int(now - dirtied)
		dirtyAge := int(now - queued)
		eligible := true

		if v.isPendingID() {
			eligible = false
		} else if dirtyAge > int(s.stats.queueAgeCap.Load()) {
			s.stats.TooOld.Inc()
		} else if dataAge < int(s.stats.minDataAge.Load()) {
			// Skip this one. It's too young.
			eligible = false
			ret = int(s.stats.minDataAge.Load()) - dataAge
			s.stats.TooYoung.Inc()
		}

		if eligible {
			s.stats.dirtyAge.Store(int64(dirtyAge))
			s.stats.dataAge.Store(int64(dataAge))
			setIfBigger(&s.stats.dirtyAgeHighWat, int64(dirtyAge))
			setIfBigger(&s.stats.dataAgeHighWat, int64(dataAge))
			if !deleted {
				// Copy it for the duration of the write.
				value := make([]byte, len(v.value))
				copy(value, v.value)
				snapshot = &kvstore.Row{
					Key:       qi.Key,
					VBucketID: qi.VBucketID,
					Flags:     v.flags,
					Exptime:   v.exptime,
					Cas:       v.cas,
					Value:     value,
					RowID:     rowID,
				}
			}
			if rowID == -1 {
				v.setPendingID()
			}
		} else {
			isDirty = false
			v.reDirty(dirtied)
			*rejects = append(*rejects, qi)
			s.stats.memOverhead.Add(qi.size())
		}
	}

	mutex.Unlock()

	pcb := &persistenceCallback{ep: s, qi: qi, rejects: rejects, dirtied: dirtied}

	if isDirty && !deleted {
		if s.vbuckets.IsBucketDeletion(qi.VBucketID) {
			// The partition is being flushed from disk; requeue instead of
			// writing through it and leaving an orphan row behind.
			s.towrite.Push(qi)
			s.stats.memOverhead.Add(qi.size())
			s.stats.TotalEnqueued.Inc()
			s.stats.queueSize.Store(s.towrite.Len())
		} else {
			histo := s.stats.DiskUpdateHisto
			if rowID == -1 {
				histo = s.stats.DiskInsertHisto
			}
			start := time.Now()
			s.underlying.Set(snapshot, pcb.onSetResult)
			histo.Update(time.Since(start).Microseconds())
		}
	} else if isDirty && deleted {
		if rowID > 0 {
			start := time.Now()
			s.underlying.Del(qi.Key, qi.VBucketID, rowID, pcb.onDelResult)
			s.stats.DiskDelHisto.Update(time.Since(start).Microseconds())
		} else {
			// Nothing persisted yet; still run the deletion callback so the
			// tombstone is cleaned up.
			pcb.onDelResult(0)
		}
	}

	return ret
}

// --------------------------------------------------------------------------
// Persistence Callback
// --------------------------------------------------------------------------

// persistenceCallback closes over one queued item so a failed write can be
// requeued and a successful insert can report its row id back into the
// hash table.
type persistenceCallback struct {
	ep      *Store
	qi      QueuedItem
	rejects *[]QueuedItem
	dirtied uint32
}

// onSetResult handles the outcome of a persisted set.
func (pcb *persistenceCallback) onSetResult(affected int, newRowID int64) {
	s := pcb.ep
	if affected == 1 {
		if newRowID > 0 {
			s.stats.NewItems.Inc()
			pcb.setID(newRowID)
		}
		if vb := s.GetVBucket(pcb.qi.VBucketID); vb != nil && vb.State() != VBActive {
			// The partition moved on while we flushed; give its memory back
			// when the cache is above the low watermark.
			lowWat := s.stats.memLowWat.Load()
			if lowWat > 0 && s.stats.currentSize.Load() > lowWat {
				s.invokeOnLockedStoredValue(pcb.qi.Key, pcb.qi.VBucketID, func(v *StoredValue) {
					if vb.ht.EjectValue(v) {
						s.stats.NumValueEjects.Inc()
					}
				})
			}
		}
		return
	}
	if affected == 0 {
		// Ambiguous: the row vanished and we cannot learn its id.
		flusherLog.Warningf("persisting vb%d, returned 0 updates for %q", pcb.qi.VBucketID, pcb.qi.Key)
		return
	}
	pcb.redirty()
}

// onDelResult handles the outcome of a persisted delete. affected 0 means
// the row did not exist, which still completes the tombstone's removal.
func (pcb *persistenceCallback) onDelResult(affected int) {
	s := pcb.ep
	if affected < 0 {
		pcb.redirty()
		return
	}
	if affected > 0 {
		s.stats.DelItems.Inc()
	}
	// The row is gone from disk; the tombstone may leave the table, unless
	// the key was revived in the meantime.
	vb := s.GetVBucket(pcb.qi.VBucketID)
	if vb == nil {
		return
	}
	bucketNum := vb.ht.Bucket(pcb.qi.Key)
	mutex := vb.ht.GetMutex(bucketNum)
	mutex.Lock()
	defer mutex.Unlock()

	v := vb.ht.UnlockedFind(pcb.qi.Key, bucketNum, true)
	if v != nil && v.isDeleted() {
		vb.ht.UnlockedDel(pcb.qi.Key, bucketNum)
	} else if v != nil {
		v.clearID()
	}
}

// setID records the freshly assigned row id on the stored value, unless
// the entry was concurrently replaced.
func (pcb *persistenceCallback) setID(id int64) {
	did := pcb.ep.invokeOnLockedStoredValue(pcb.qi.Key, pcb.qi.VBucketID, func(v *StoredValue) {
		v.setID(id)
	})
	if !did {
		flusherLog.Warningf("failed to set id on vb%d %q", pcb.qi.VBucketID, pcb.qi.Key)
	}
}

// redirty restores the dirty state after a transient backing-store failure
// and parks the item on the reject queue for the next round.
func (pcb *persistenceCallback) redirty() {
	s := pcb.ep
	s.stats.memOverhead.Add(pcb.qi.size())
	s.stats.FlushFailed.Inc()
	s.invokeOnLockedStoredValue(pcb.qi.Key, pcb.qi.VBucketID, func(v *StoredValue) {
		v.reDirty(pcb.dirtied)
		// The persist is no longer outstanding; a retry must be eligible.
		v.pendingID = false
	})
	*pcb.rejects = append(*pcb.rejects, pcb.qi)
}

// --------------------------------------------------------------------------
// Flusher
// --------------------------------------------------------------------------

type flusherState int32

const (
	flusherInitializing flusherState = iota
	flusherRunning
	flusherPaused
	flusherStopping
	flusherStopped
)

func (st flusherState) String() string {
	switch st {
	case flusherInitializing:
		return "initializing"
	case flusherRunning:
		return "running"
	case flusherPaused:
		return "paused"
	case flusherStopping:
		return "stopping"
	case flusherStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Flusher drains the dirty queue into the backing store. It is a single
// self-rescheduling task on the I/O dispatcher, so flushing never runs
// concurrently with itself or with background fetches.
type Flusher struct {
	store *Store
	disp  *dispatcher.Dispatcher
	state atomic.Int32
	done  chan struct{}
}

// NewFlusher creates the flusher for a store.
func NewFlusher(store *Store, disp *dispatcher.Dispatcher) *Flusher {
	return &Flusher{
		store: store,
		disp:  disp,
		done:  make(chan struct{}),
	}
}

// State reports the flusher's lifecycle state.
func (f *Flusher) State() string {
	return flusherState(f.state.Load()).String()
}

// Start schedules the flusher task.
func (f *Flusher) Start() {
	if !f.state.CompareAndSwap(int32(flusherInitializing), int32(flusherRunning)) {
		return
	}
	f.disp.Schedule(f, dispatcher.PriorityFlusher, 0, true)
}

// Stop asks the flusher to shut down after one final drain. Returns true
// if a shutdown was initiated; use Wait to block until it finishes.
func (f *Flusher) Stop() bool {
	return f.state.CompareAndSwap(int32(flusherRunning), int32(flusherStopping)) ||
		f.state.CompareAndSwap(int32(flusherPaused), int32(flusherStopping))
}

// Wait blocks until the flusher has stopped.
func (f *Flusher) Wait() {
	<-f.done
}

// Pause holds the flusher between rounds; dirty items keep queueing.
func (f *Flusher) Pause() bool {
	return f.state.CompareAndSwap(int32(flusherRunning), int32(flusherPaused))
}

// Resume restarts a paused flusher.
func (f *Flusher) Resume() bool {
	return f.state.CompareAndSwap(int32(flusherPaused), int32(flusherRunning))
}

// Run is the dispatcher callback: one flush round per invocation.
func (f *Flusher) Run(d *dispatcher.Dispatcher, t dispatcher.TaskID) bool {
	switch flusherState(f.state.Load()) {
	case flusherPaused:
		d.Snooze(t, f.store.cfg.FlusherSleep)
		return true

	case flusherStopping:
		// Final drain: write out what is queued right now, then stop.
		flusherLog.Infof("shutting down flusher (write of all dirty items)")
		f.flushRound(d, t)
		f.state.Store(int32(flusherStopped))
		close(f.done)
		return false

	case flusherRunning:
		f.flushRound(d, t)
		return true

	default:
		return false
	}
}

// flushRound drains the queue once and decides the next sleep.
func (f *Flusher) flushRound(d *dispatcher.Dispatcher, t dispatcher.TaskID) {
	s := f.store

	if !s.beginFlush() {
		d.Snooze(t, s.cfg.FlusherSleep)
		return
	}

	flushStart := s.clock.Current()
	rejects := make([]QueuedItem, 0)
	minDefer := 0

	for len(s.writing) > 0 && s.bgFetchQueue.Load() == 0 {
		oldest := s.flushSome(&rejects)
		if minDefer == 0 || (oldest > 0 && oldest < minDefer) {
			minDefer = oldest
		}
	}

	s.completeFlush(rejects, flushStart)

	switch {
	case s.bgFetchQueue.Load() > 0 && len(s.writing) > 0:
		// Preempted: yield so the fetches run, then come right back.
		d.Snooze(t, 0)
	case len(rejects) > 0:
		sleep := time.Duration(minDefer) * time.Second
		if sleep <= 0 || sleep > s.cfg.FlusherSleep {
			sleep = s.cfg.FlusherSleep
		}
		d.Snooze(t, sleep)
	default:
		d.Snooze(t, 0)
	}
}

// Description implements dispatcher.Callback.
func (f *Flusher) Description() string {
	return fmt.Sprintf("Running a flusher loop: %s", f.State())
}
