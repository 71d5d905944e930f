package ep

import (
	"runtime"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Dirty Queue
// --------------------------------------------------------------------------

// qnode is a single element of the producer-side queue.
type qnode struct {
	item QueuedItem
	next atomic.Pointer[qnode]
}

// dirtyQueue is the producer half of the dual-buffer dirty queue: a
// lock-free multi-producer linked list fed by mutators. The flusher moves
// every queued entry out via DrainTo and owns the moved entries from then
// on.
//
// The implementation is a sentinel-node CAS-append list. Under concurrent
// pushes, ordering between producers is decided by which append completes
// first; entries from a single producer stay in order, which is all the
// per-key ordering guarantee requires (mutations to one key happen under
// its bucket lock).
type dirtyQueue struct {
	head atomic.Pointer[qnode]
	tail atomic.Pointer[qnode]
	size atomic.Int64
}

func newDirtyQueue() *dirtyQueue {
	q := &dirtyQueue{}
	sentinel := &qnode{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Push appends an entry.
//
// Thread-safety: safe for any number of concurrent producers.
func (q *dirtyQueue) Push(item QueuedItem) {
	newNode := &qnode{item: item}

	var backoff uint8
	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// The tail CAS may lose to a helping producer; the tail
				// still converges.
				q.tail.CompareAndSwap(tailNode, newNode)
				q.size.Add(1)
				return
			}
		} else {
			// Help a producer that appended but has not advanced the tail.
			q.tail.CompareAndSwap(tailNode, next)
		}

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// DrainTo moves every queued entry into dst in FIFO order and reports the
// count.
//
// Thread-safety: single consumer only; concurrent pushes are fine and will
// be picked up by a later drain.
func (q *dirtyQueue) DrainTo(dst *[]QueuedItem) int {
	n := 0
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			return n
		}
		*dst = append(*dst, next.item)
		q.head.Store(next)
		next.item = QueuedItem{}
		q.size.Add(-1)
		n++
	}
}

// Len is the approximate number of queued entries.
func (q *dirtyQueue) Len() int64 {
	return q.size.Load()
}

// Empty reports whether nothing is queued.
func (q *dirtyQueue) Empty() bool {
	head := q.head.Load()
	return head.next.Load() == nil
}
