package ep

import (
	"sync/atomic"

	vmetrics "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// histogramReservoir and histogramAlpha size the exponentially decaying
// reservoir behind each latency histogram.
const (
	histogramReservoir = 1028
	histogramAlpha     = 0.015
)

// Stats aggregates the store's operational counters. Monotonic counters are
// VictoriaMetrics counters so they can be scraped straight off the set;
// settable gauges are atomics exported through gauge closures; latency
// distributions are go-metrics histograms (microseconds).
type Stats struct {
	set      *vmetrics.Set
	registry gometrics.Registry

	// counters
	TotalEnqueued    *vmetrics.Counter
	FlusherCommits   *vmetrics.Counter
	CommitFailed     *vmetrics.Counter
	FlusherPreempts  *vmetrics.Counter
	TooYoung         *vmetrics.Counter
	TooOld           *vmetrics.Counter
	FlushExpired     *vmetrics.Counter
	FlushFailed      *vmetrics.Counter
	NewItems         *vmetrics.Counter
	DelItems         *vmetrics.Counter
	Expired          *vmetrics.Counter
	BGFetched        *vmetrics.Counter
	NumNotMyVBuckets *vmetrics.Counter
	NumValueEjects   *vmetrics.Counter
	VBucketDeletions *vmetrics.Counter
	VBucketDelFails  *vmetrics.Counter
	WarmedUp         *vmetrics.Counter
	WarmDups         *vmetrics.Counter
	WarmOOM          *vmetrics.Counter

	// gauges
	queueSize            atomic.Int64
	flusherTodo          atomic.Int64
	bgFetchQueue         atomic.Int64
	currentSize          atomic.Int64
	memOverhead          atomic.Int64
	numNonResident       atomic.Int64
	dirtyAge             atomic.Int64
	dirtyAgeHighWat      atomic.Int64
	dataAge              atomic.Int64
	dataAgeHighWat       atomic.Int64
	flushDuration        atomic.Int64
	flushDurationHighWat atomic.Int64
	commitTime           atomic.Int64

	// tunables surfaced as gauges
	minDataAge  atomic.Int64
	queueAgeCap atomic.Int64
	maxDataSize atomic.Int64
	memLowWat   atomic.Int64
	memHighWat  atomic.Int64
	txnSize     atomic.Int64

	// histograms (microseconds)
	DiskInsertHisto gometrics.Histogram
	DiskUpdateHisto gometrics.Histogram
	DiskDelHisto    gometrics.Histogram
	DiskCommitHisto gometrics.Histogram
	DiskVBDelHisto  gometrics.Histogram
	BGWaitHisto     gometrics.Histogram
	BGLoadHisto     gometrics.Histogram
}

// NewStats creates a stats hub with all series registered on a private
// metrics set.
func NewStats() *Stats {
	s := &Stats{
		set:      vmetrics.NewSet(),
		registry: gometrics.NewRegistry(),
	}

	counter := func(name string) *vmetrics.Counter {
		return s.set.NewCounter("epcache_" + name + "_total")
	}
	s.TotalEnqueued = counter("enqueued")
	s.FlusherCommits = counter("flusher_commits")
	s.CommitFailed = counter("commit_failed")
	s.FlusherPreempts = counter("flusher_preempts")
	s.TooYoung = counter("flush_too_young")
	s.TooOld = counter("flush_too_old")
	s.FlushExpired = counter("flush_expired")
	s.FlushFailed = counter("flush_failed")
	s.NewItems = counter("new_items")
	s.DelItems = counter("del_items")
	s.Expired = counter("expired")
	s.BGFetched = counter("bg_fetched")
	s.NumNotMyVBuckets = counter("not_my_vbuckets")
	s.NumValueEjects = counter("value_ejects")
	s.VBucketDeletions = counter("vbucket_deletions")
	s.VBucketDelFails = counter("vbucket_deletion_failures")
	s.WarmedUp = counter("warmed_up")
	s.WarmDups = counter("warmup_duplicates")
	s.WarmOOM = counter("warmup_oom")

	gauge := func(name string, v *atomic.Int64) {
		s.set.NewGauge("epcache_"+name, func() float64 { return float64(v.Load()) })
	}
	gauge("queue_size", &s.queueSize)
	gauge("flusher_todo", &s.flusherTodo)
	gauge("bg_fetch_queue", &s.bgFetchQueue)
	gauge("current_size_bytes", &s.currentSize)
	gauge("mem_overhead_bytes", &s.memOverhead)
	gauge("num_non_resident", &s.numNonResident)
	gauge("dirty_age_seconds", &s.dirtyAge)
	gauge("dirty_age_high_watermark_seconds", &s.dirtyAgeHighWat)
	gauge("data_age_seconds", &s.dataAge)
	gauge("data_age_high_watermark_seconds", &s.dataAgeHighWat)
	gauge("flush_duration_seconds", &s.flushDuration)
	gauge("flush_duration_high_watermark_seconds", &s.flushDurationHighWat)
	gauge("commit_time_seconds", &s.commitTime)
	gauge("min_data_age_seconds", &s.minDataAge)
	gauge("queue_age_cap_seconds", &s.queueAgeCap)
	gauge("max_data_size_bytes", &s.maxDataSize)
	gauge("mem_low_watermark_bytes", &s.memLowWat)
	gauge("mem_high_watermark_bytes", &s.memHighWat)
	gauge("txn_size", &s.txnSize)

	histogram := func(name string) gometrics.Histogram {
		return gometrics.GetOrRegisterHistogram(name, s.registry,
			gometrics.NewExpDecaySample(histogramReservoir, histogramAlpha))
	}
	s.DiskInsertHisto = histogram("disk_insert_us")
	s.DiskUpdateHisto = histogram("disk_update_us")
	s.DiskDelHisto = histogram("disk_del_us")
	s.DiskCommitHisto = histogram("disk_commit_us")
	s.DiskVBDelHisto = histogram("disk_vbucket_del_us")
	s.BGWaitHisto = histogram("bg_wait_us")
	s.BGLoadHisto = histogram("bg_load_us")

	return s
}

// Set returns the metrics set for Prometheus export.
func (s *Stats) Set() *vmetrics.Set { return s.set }

// setIfBigger raises a watermark gauge.
func setIfBigger(g *atomic.Int64, v int64) {
	for {
		cur := g.Load()
		if v <= cur || g.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Snapshot captures the gauge and counter values for the stats endpoint.
func (s *Stats) Snapshot() map[string]interface{} {
	hist := func(h gometrics.Histogram) map[string]interface{} {
		snap := h.Snapshot()
		return map[string]interface{}{
			"count": snap.Count(),
			"mean":  snap.Mean(),
			"p95":   snap.Percentile(0.95),
			"p99":   snap.Percentile(0.99),
			"max":   snap.Max(),
		}
	}
	return map[string]interface{}{
		"enqueued":                 s.TotalEnqueued.Get(),
		"flusher_commits":          s.FlusherCommits.Get(),
		"commit_failed":            s.CommitFailed.Get(),
		"flusher_preempts":         s.FlusherPreempts.Get(),
		"flush_too_young":          s.TooYoung.Get(),
		"flush_too_old":            s.TooOld.Get(),
		"flush_expired":            s.FlushExpired.Get(),
		"flush_failed":             s.FlushFailed.Get(),
		"new_items":                s.NewItems.Get(),
		"del_items":                s.DelItems.Get(),
		"expired":                  s.Expired.Get(),
		"bg_fetched":               s.BGFetched.Get(),
		"not_my_vbuckets":          s.NumNotMyVBuckets.Get(),
		"value_ejects":             s.NumValueEjects.Get(),
		"vbucket_deletions":        s.VBucketDeletions.Get(),
		"vbucket_deletion_fails":   s.VBucketDelFails.Get(),
		"warmed_up":                s.WarmedUp.Get(),
		"warmup_duplicates":        s.WarmDups.Get(),
		"warmup_oom":               s.WarmOOM.Get(),
		"queue_size":               s.queueSize.Load(),
		"flusher_todo":             s.flusherTodo.Load(),
		"bg_fetch_queue":           s.bgFetchQueue.Load(),
		"current_size_bytes":       s.currentSize.Load(),
		"mem_overhead_bytes":       s.memOverhead.Load(),
		"num_non_resident":         s.numNonResident.Load(),
		"dirty_age_seconds":        s.dirtyAge.Load(),
		"dirty_age_high_watermark": s.dirtyAgeHighWat.Load(),
		"data_age_seconds":         s.dataAge.Load(),
		"data_age_high_watermark":  s.dataAgeHighWat.Load(),
		"flush_duration_seconds":   s.flushDuration.Load(),
		"commit_time_seconds":      s.commitTime.Load(),
		"disk_insert":              hist(s.DiskInsertHisto),
		"disk_update":              hist(s.DiskUpdateHisto),
		"disk_del":                 hist(s.DiskDelHisto),
		"disk_commit":              hist(s.DiskCommitHisto),
		"disk_vbucket_del":         hist(s.DiskVBDelHisto),
		"bg_wait":                  hist(s.BGWaitHisto),
		"bg_load":                  hist(s.BGLoadHisto),
	}
}
