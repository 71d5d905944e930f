package dispatcher

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("dispatcher")

// --------------------------------------------------------------------------
// Priorities
// --------------------------------------------------------------------------

// Priority orders tasks that are due at the same time. Lower runs first.
type Priority int

const (
	PriorityBGFetcher         Priority = 0
	PriorityVBucketDeletion   Priority = 1
	PriorityVBucketPersist    Priority = 2
	PriorityVKeyStatBGFetcher Priority = 3
	PriorityNotifyVBState     Priority = 3
	PriorityFlusher           Priority = 5
)

// --------------------------------------------------------------------------
// Tasks
// --------------------------------------------------------------------------

// TaskID identifies a scheduled task.
type TaskID uint64

// Callback is the unit of work the dispatcher runs.
//
// Run is invoked by the worker goroutine. Returning true asks the
// dispatcher to run the callback again; the next wake-up time is whatever
// the callback set via Snooze (immediately, if it never snoozed). A task
// scheduled with mayReschedule=false is dropped regardless of the return
// value.
type Callback interface {
	Run(d *Dispatcher, t TaskID) bool
	Description() string
}

type task struct {
	id            TaskID
	cb            Callback
	priority      Priority
	runAt         time.Time
	seq           uint64
	mayReschedule bool
	index         int
}

// taskHeap orders tasks by (runAt, priority, seq).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].runAt.Equal(h[j].runAt) {
		return h[i].runAt.Before(h[j].runAt)
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// Dispatcher schedules callbacks on a single worker goroutine.
type Dispatcher struct {
	mu      sync.Mutex
	tasks   taskHeap
	wake    chan struct{}
	stopped chan struct{}

	running  *task // task currently executing, guarded by mu
	snoozeAt time.Time

	nextID  atomic.Uint64
	nextSeq uint64
	state   atomic.Int32 // 0 = new, 1 = running, 2 = stopping, 3 = stopped
}

const (
	stateNew int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// New creates a dispatcher. Call Start before scheduling work.
func New() *Dispatcher {
	return &Dispatcher{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
//
// Thread-safety: Start must be called at most once.
func (d *Dispatcher) Start() {
	if !d.state.CompareAndSwap(stateNew, stateRunning) {
		return
	}
	go d.run()
}

// Schedule enqueues cb to run no earlier than now+delay. Tasks due at the
// same instant run in ascending priority order, ties broken by submission
// order. The returned TaskID can be passed to Snooze from within the
// callback.
//
// Thread-safety: This method is thread-safe and can be called concurrently,
// including from a running callback.
func (d *Dispatcher) Schedule(cb Callback, priority Priority, delay time.Duration, mayReschedule bool) TaskID {
	id := TaskID(d.nextID.Add(1))

	d.mu.Lock()
	d.nextSeq++
	t := &task{
		id:            id,
		cb:            cb,
		priority:      priority,
		runAt:         time.Now().Add(delay),
		seq:           d.nextSeq,
		mayReschedule: mayReschedule,
	}
	heap.Push(&d.tasks, t)
	d.mu.Unlock()

	d.poke()
	return id
}

// Snooze sets the next wake-up time for the currently running task. It has
// an effect only when called from within that task's Run method; the new
// time is applied when Run returns true.
func (d *Dispatcher) Snooze(t TaskID, delay time.Duration) {
	d.mu.Lock()
	if d.running != nil && d.running.id == t {
		d.snoozeAt = time.Now().Add(delay)
	}
	d.mu.Unlock()
}

// Stop shuts the dispatcher down and blocks until the worker exits. The
// currently running callback is drained and tasks that are already due may
// still run; tasks waiting on a delay are dropped.
func (d *Dispatcher) Stop() {
	if d.state.CompareAndSwap(stateNew, stateStopped) {
		close(d.stopped)
		return
	}
	if !d.state.CompareAndSwap(stateRunning, stateStopping) {
		<-d.stopped
		return
	}
	d.poke()
	<-d.stopped
}

// poke nudges the worker without blocking.
func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer func() {
		d.state.Store(stateStopped)
		close(d.stopped)
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()

		stopping := d.state.Load() == stateStopping

		if len(d.tasks) == 0 {
			d.mu.Unlock()
			if stopping {
				return
			}
			<-d.wake
			continue
		}

		next := d.tasks[0]
		now := time.Now()

		if next.runAt.After(now) {
			d.mu.Unlock()
			if stopping {
				// Remaining tasks all have future wake times; drop them.
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(next.runAt.Sub(now))
			select {
			case <-timer.C:
			case <-d.wake:
			}
			continue
		}

		heap.Pop(&d.tasks)
		d.running = next
		d.snoozeAt = now
		d.mu.Unlock()

		again := d.safeRun(next)

		d.mu.Lock()
		rescheduleAt := d.snoozeAt
		d.running = nil
		if again && next.mayReschedule {
			next.runAt = rescheduleAt
			d.nextSeq++
			next.seq = d.nextSeq
			heap.Push(&d.tasks, next)
		}
		d.mu.Unlock()
	}
}

// safeRun shields the worker from a panicking callback.
func (d *Dispatcher) safeRun(t *task) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task %q panicked: %v", t.cb.Description(), r)
		}
	}()
	return t.cb.Run(d, t.id)
}
