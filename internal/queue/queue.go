// Package queue implements a small generic FIFO used for the connection's
// outgoing frame queue and for buffering frames destined for a link whose
// mux goroutine isn't ready to receive them yet.
package queue

import "sync"

// Queue is a FIFO of T backed by a ring buffer. Enqueue on a full queue
// grows the buffer, so no element is dropped.
type Queue[T any] struct {
	buf   []T
	head  int
	count int
}

// New returns an empty Queue with room for capacity elements before it
// must grow.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return q.count
}

// Enqueue appends v, growing the backing array if the queue is full.
func (q *Queue[T]) Enqueue(v T) {
	if q.count == len(q.buf) {
		q.grow()
	}
	idx := (q.head + q.count) % len(q.buf)
	q.buf[idx] = v
	q.count++
}

// Dequeue removes and returns a pointer to the oldest element, or nil if
// the queue is empty. The pointer is only valid until the next mutating
// call on q.
func (q *Queue[T]) Dequeue() *T {
	if q.count == 0 {
		return nil
	}
	v := &q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v
}

func (q *Queue[T]) grow() {
	next := make([]T, len(q.buf)*2)
	for i := 0; i < q.count; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

// Holder synchronizes access to a Queue across goroutines: any number of
// producers Enqueue and signal via Wait's returned channel, one consumer
// receives the queue off that channel, Dequeues under the implicit
// hand-off, and Releases it back. mu guards every access to the
// underlying Queue since, unlike the original single-producer design this
// is modeled on, a connection's outgoing queue is fed by several session
// and link goroutines at once.
type Holder[T any] struct {
	mu   sync.Mutex
	q    *Queue[T]
	wait chan *Queue[T]
}

// NewHolder wraps q for cross-goroutine waiting.
func NewHolder[T any](q *Queue[T]) *Holder[T] {
	return &Holder[T]{q: q, wait: make(chan *Queue[T], 1)}
}

// Wait returns a channel that yields the underlying queue once it holds
// at least one element. Call Release after Dequeue-ing from the result.
func (h *Holder[T]) Wait() chan *Queue[T] {
	h.mu.Lock()
	if h.q.Len() > 0 {
		select {
		case h.wait <- h.q:
		default:
		}
	}
	h.mu.Unlock()
	return h.wait
}

// Enqueue adds v to the underlying queue and wakes any waiter.
func (h *Holder[T]) Enqueue(v T) {
	h.mu.Lock()
	h.q.Enqueue(v)
	select {
	case h.wait <- h.q:
	default:
	}
	h.mu.Unlock()
}

// Len returns the number of elements currently queued. Safe to call from
// any goroutine; used as a hint (e.g. "has the outgoing queue drained
// enough to terminate") rather than as a synchronization point itself.
func (h *Holder[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Len()
}

// Release must be called after the queue handed out by Wait has been
// drained of the element the caller wanted, re-arming the waiter if more
// elements remain. The caller must hold no other reference to q by this
// point: Dequeue/Enqueue on q outside of the mu-guarded methods above is
// no longer safe once a Holder wraps it.
func (h *Holder[T]) Release(q *Queue[T]) {
	h.mu.Lock()
	if q.Len() > 0 {
		select {
		case h.wait <- q:
		default:
		}
	}
	h.mu.Unlock()
}
