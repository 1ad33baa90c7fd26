package lib

import "sync"

const minQueueCap = 8

// Queue is an unbounded, mutex-guarded double-ended FIFO. Waiters block on a
// condition variable until an item is pushed or the queue is closed.
//
// The zero value is an empty queue ready for use. Items pushed by a single
// goroutine keep their relative order; there is no ordering between producers.
type Queue[T any] struct {
	mu   sync.Mutex
	cond sync.Cond

	buf    []T    // ring storage, len is zero or a power of two
	head   uint64 // index of the front item
	n      uint64 // number of items
	closed bool
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) lock() {
	q.mu.Lock()
	if q.cond.L == nil {
		q.cond.L = &q.mu
	}
}

func (q *Queue[T]) mask() uint64 { return uint64(len(q.buf)) - 1 }

func (q *Queue[T]) grow() {
	size := uint64(len(q.buf)) * 2
	if size < minQueueCap {
		size = minQueueCap
	}
	buf := make([]T, size)
	for i := uint64(0); i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)&q.mask()]
	}
	q.buf = buf
	q.head = 0
}

// PushBack appends v and wakes one waiter.
func (q *Queue[T]) PushBack(v T) {
	q.lock()
	defer q.mu.Unlock()

	if q.n == uint64(len(q.buf)) {
		q.grow()
	}
	q.buf[(q.head+q.n)&q.mask()] = v
	q.n++
	q.cond.Signal()
}

// PushFront prepends v and wakes one waiter.
func (q *Queue[T]) PushFront(v T) {
	q.lock()
	defer q.mu.Unlock()

	if q.n == uint64(len(q.buf)) {
		q.grow()
	}
	q.head = (q.head - 1) & q.mask()
	q.buf[q.head] = v
	q.n++
	q.cond.Signal()
}

// PopFront removes the front item. It returns false if the queue is empty.
func (q *Queue[T]) PopFront() (T, bool) {
	q.lock()
	defer q.mu.Unlock()
	return q.popFront()
}

// PopBack removes the back item. It returns false if the queue is empty.
func (q *Queue[T]) PopBack() (T, bool) {
	q.lock()
	defer q.mu.Unlock()
	return q.popBack()
}

// Front returns the front item without removing it.
func (q *Queue[T]) Front() (T, bool) {
	q.lock()
	defer q.mu.Unlock()

	var zero T
	if q.n == 0 {
		return zero, false
	}
	return q.buf[q.head], true
}

// Back returns the back item without removing it.
func (q *Queue[T]) Back() (T, bool) {
	q.lock()
	defer q.mu.Unlock()

	var zero T
	if q.n == 0 {
		return zero, false
	}
	return q.buf[(q.head+q.n-1)&q.mask()], true
}

// WaitPopFront blocks until the queue is non-empty, then removes the front
// item. It returns false only once the queue is closed and drained.
func (q *Queue[T]) WaitPopFront() (T, bool) {
	q.lock()
	defer q.mu.Unlock()

	q.wait()
	return q.popFront()
}

// WaitPopBack blocks until the queue is non-empty, then removes the back item.
// It returns false only once the queue is closed and drained.
func (q *Queue[T]) WaitPopBack() (T, bool) {
	q.lock()
	defer q.mu.Unlock()

	q.wait()
	return q.popBack()
}

// Wait blocks until the queue is non-empty. It returns false if the queue was
// closed while empty.
func (q *Queue[T]) Wait() bool {
	q.lock()
	defer q.mu.Unlock()

	q.wait()
	return q.n > 0
}

func (q *Queue[T]) Empty() bool {
	q.lock()
	defer q.mu.Unlock()
	return q.n == 0
}

func (q *Queue[T]) Count() int {
	q.lock()
	defer q.mu.Unlock()
	return int(q.n)
}

// Clear drops every item. Waiters are not notified.
func (q *Queue[T]) Clear() {
	q.lock()
	defer q.mu.Unlock()

	clear(q.buf)
	q.head = 0
	q.n = 0
}

// Close wakes every waiter. Waits on a closed queue return as soon as it is
// empty; pushes and pops keep working.
func (q *Queue[T]) Close() {
	q.lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// reopen undoes Close so waits block again.
func (q *Queue[T]) reopen() {
	q.lock()
	defer q.mu.Unlock()

	q.closed = false
}

func (q *Queue[T]) wait() {
	for q.n == 0 && !q.closed {
		q.cond.Wait()
	}
}

func (q *Queue[T]) popFront() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) & q.mask()
	q.n--
	return v, true
}

func (q *Queue[T]) popBack() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	i := (q.head + q.n - 1) & q.mask()
	v := q.buf[i]
	q.buf[i] = zero
	q.n--
	return v, true
}
