package ep

import (
	"github.com/ValentinKolb/epcache/lib/kvstore"
	"github.com/lni/dragonboat/v4/logger"
)

var warmupLog = logger.GetLogger("warmup")

// ResidencyPolicy decides whether a warmed-up value keeps its payload in
// memory. Returning false loads metadata only.
type ResidencyPolicy func() bool

// RetainAll keeps every warmed-up value resident.
func RetainAll() bool { return true }

// warmupLoader is the callback sink that repopulates partitions from the
// backing store at start-up.
type warmupLoader struct {
	ep        *Store
	policy    ResidencyPolicy
	hasPurged bool
}

// Warmup streams the backing store's contents back into memory: first the
// recorded partition states, then every row. Rows of unknown partitions
// create them in the pending state. Errors are counted and logged, never
// returned; a failed warm-up leaves a smaller cache, not a broken store.
func (s *Store) Warmup(policy ResidencyPolicy) {
	if policy == nil {
		policy = RetainAll
	}

	s.underlying.VBStates(func(vbid uint16, state string) {
		s.vbsetMutex.Lock()
		if vb := s.vbuckets.GetBucket(vbid); vb == nil {
			s.vbuckets.AddBucket(NewVBucket(vbid, ParseVBucketState(state), s.cfg, s.stats))
		} else {
			vb.SetState(ParseVBucketState(state))
		}
		s.vbsetMutex.Unlock()
	})

	loader := &warmupLoader{ep: s, policy: policy}
	s.underlying.Dump(loader.load)
}

// load ingests one persisted row.
func (l *warmupLoader) load(row *kvstore.Row) {
	s := l.ep

	s.vbsetMutex.Lock()
	vb := s.vbuckets.GetBucket(row.VBucketID)
	if vb == nil {
		vb = NewVBucket(row.VBucketID, VBPending, s.cfg, s.stats)
		s.vbuckets.AddBucket(vb)
	}
	s.vbsetMutex.Unlock()

	itm := &Item{
		Key:       row.Key,
		VBucketID: row.VBucketID,
		Flags:     row.Flags,
		Exptime:   row.Exptime,
		Cas:       row.Cas,
		Value:     row.Value,
		RowID:     row.RowID,
	}
	retain := l.policy()
	succeeded := false

	switch vb.ht.Add(itm, true, retain) {
	case AddSuccess, AddUnDel:
		succeeded = true
	case AddExists:
		warmupLog.Warningf("warmup dataload error: duplicate key: %s", itm.Key)
		s.stats.WarmDups.Inc()
		succeeded = true
	case AddNoMem:
		if l.hasPurged {
			if s.stats.WarmOOM.Get() == 0 {
				warmupLog.Warningf("warmup dataload failure: max data size too low")
			}
			s.stats.WarmOOM.Inc()
			break
		}
		warmupLog.Warningf("emergency startup purge to free space for load")
		l.purge()

		// Try that item again.
		switch vb.ht.Add(itm, true, retain) {
		case AddSuccess, AddUnDel:
			succeeded = true
		case AddExists:
			warmupLog.Warningf("warmup dataload error: duplicate key: %s", itm.Key)
			s.stats.WarmDups.Inc()
			succeeded = true
		case AddNoMem:
			warmupLog.Warningf("cannot store an item after emergency purge")
			s.stats.WarmOOM.Inc()
		}
	}

	if succeeded && !retain {
		s.stats.NumValueEjects.Inc()
	}
	s.stats.WarmedUp.Inc()
}

// purge ejects every ejectable value across all partitions. One-shot per
// warm-up session.
func (l *warmupLoader) purge() {
	s := l.ep
	for _, vbid := range s.vbuckets.GetBuckets() {
		vb := s.vbuckets.GetBucket(vbid)
		if vb == nil {
			continue
		}
		vb.ht.Visit(func(v *StoredValue) {
			if vb.ht.EjectValue(v) {
				s.stats.NumValueEjects.Inc()
			}
		})
	}
	l.hasPurged = true
}
