package dispatcher

import (
	"container/heap"
	"sync/atomic"
	"testing"
	"time"
)

type countingCallback struct {
	count *atomic.Int32
	done  chan struct{}
}

func (c *countingCallback) Run(d *Dispatcher, t TaskID) bool {
	c.count.Add(1)
	if c.done != nil {
		select {
		case c.done <- struct{}{}:
		default:
		}
	}
	return false
}

func (c *countingCallback) Description() string { return "test callback" }

type orderRecorder struct {
	order *[]string
	name  string
	done  chan struct{}
}

func (o *orderRecorder) Run(d *Dispatcher, t TaskID) bool {
	*o.order = append(*o.order, o.name)
	if o.done != nil {
		o.done <- struct{}{}
	}
	return false
}

func (o *orderRecorder) Description() string { return o.name }

func TestDispatcherRunsScheduledTasks(t *testing.T) {
	d := New()
	d.Start()

	var count atomic.Int32
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		d.Schedule(&countingCallback{count: &count, done: done}, PriorityBGFetcher, 0, true)
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-deadline:
			t.Fatalf("timed out waiting for callbacks, got %d", count.Load())
		}
	}

	if got := count.Load(); got != 3 {
		t.Errorf("expected 3 callbacks, got %d", got)
	}
	d.Stop()
}

func TestDispatcherStopDropsDelayedTasks(t *testing.T) {
	d := New()
	d.Start()

	var count atomic.Int32
	done := make(chan struct{}, 1)

	// Two delayed tasks must never run; the immediate one must.
	d.Schedule(&countingCallback{count: &count}, PriorityBGFetcher, 3*time.Second, true)
	d.Schedule(&countingCallback{count: &count}, PriorityFlusher, 3*time.Second, true)
	d.Schedule(&countingCallback{count: &count, done: done}, PriorityVBucketDeletion, 0, false)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("immediate task did not run before stop")
	}
	d.Stop()

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 callback, got %d", got)
	}
}

func TestDispatcherDelayIsHonored(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	var count atomic.Int32
	done := make(chan struct{}, 1)
	delay := 100 * time.Millisecond

	scheduledAt := time.Now()
	d.Schedule(&countingCallback{count: &count, done: done}, PriorityBGFetcher, delay, false)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never ran")
	}
	if elapsed := time.Since(scheduledAt); elapsed < delay {
		t.Errorf("task ran after %v, before its %v delay", elapsed, delay)
	}
}

func TestDispatcherPriorityOrder(t *testing.T) {
	d := New()

	var order []string
	done := make(chan struct{})

	// Scheduled before Start so all three are due at once; the worker must
	// pick them in priority order.
	at := 50 * time.Millisecond
	d.Schedule(&orderRecorder{order: &order, name: "flusher", done: done}, PriorityFlusher, at, false)
	d.Schedule(&orderRecorder{order: &order, name: "deletion"}, PriorityVBucketDeletion, at, false)
	d.Schedule(&orderRecorder{order: &order, name: "bgfetch"}, PriorityBGFetcher, at, false)

	// All three share a wake time only approximately; re-pin them exactly
	// and restore the heap order for the new keys.
	d.mu.Lock()
	runAt := time.Now().Add(at)
	for _, task := range d.tasks {
		task.runAt = runAt
	}
	heap.Init(&d.tasks)
	d.mu.Unlock()

	d.Start()
	defer d.Stop()

	<-done
	// flusher has the highest numeric priority and so runs last; once its
	// done fires, the other two have already appended.
	want := []string{"bgfetch", "deletion", "flusher"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

type snoozingCallback struct {
	runs  *atomic.Int32
	limit int32
	done  chan struct{}
}

func (s *snoozingCallback) Run(d *Dispatcher, t TaskID) bool {
	n := s.runs.Add(1)
	if n >= s.limit {
		close(s.done)
		return false
	}
	d.Snooze(t, time.Millisecond)
	return true
}

func (s *snoozingCallback) Description() string { return "snoozer" }

func TestDispatcherSnoozeReschedules(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	var runs atomic.Int32
	done := make(chan struct{})
	d.Schedule(&snoozingCallback{runs: &runs, limit: 5, done: done}, PriorityFlusher, 0, true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("snoozing task stalled after %d runs", runs.Load())
	}
	if got := runs.Load(); got != 5 {
		t.Errorf("expected 5 runs, got %d", got)
	}
}

func TestDispatcherNoRescheduleWhenForbidden(t *testing.T) {
	d := New()
	d.Start()
	defer d.Stop()

	var runs atomic.Int32
	done := make(chan struct{})
	// limit > 1 means the callback asks for more runs, but the task was
	// submitted with mayReschedule=false.
	cb := &snoozingCallback{runs: &runs, limit: 100, done: done}
	d.Schedule(cb, PriorityFlusher, 0, false)

	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("expected exactly 1 run, got %d", got)
	}
}
