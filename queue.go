package extprocmux

import (
	"container/list"
	"sync"
)

// queue is an unbounded FIFO with a blocking dequeue. Handles use it for the
// transactions routed to them and servers use it for replies awaiting their
// turn on the wire.
//
// It is unbounded so that whoever enqueues (a submitting caller, or a stream's
// receive loop) never blocks on whoever dequeues. Bounds come from elsewhere:
// a handle only ever holds the transactions the reuse policy routed to it, and
// a server only holds replies for requests the client has already sent.
type queue[T any] struct {
	mu                sync.Mutex
	cond              sync.Cond
	closed, cancelled bool
	items             *list.List
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{items: list.New()}
	q.cond.L = &q.mu
	return q
}

// push adds an item. It returns false if the queue is already closed or
// cancelled, in which case the item was not added.
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.cancelled {
		return false
	}
	signal := q.items.Len() == 0
	q.items.PushBack(item)
	if signal {
		q.cond.Signal()
	}
	return true
}

// close prevents further pushes. Items already queued can still be dequeued.
func (q *queue[_]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handleClosure(&q.closed)
}

// cancel closes the queue and discards its contents, returning whatever had
// not yet been dequeued.
func (q *queue[T]) cancel() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handleClosure(&q.cancelled)
	var remaining []T
	for e := q.items.Front(); e != nil; e = e.Next() {
		remaining = append(remaining, e.Value.(T))
	}
	q.items.Init()
	return remaining
}

func (q *queue[_]) handleClosure(b *bool) {
	if *b {
		return
	}
	*b = true
	if q.items.Len() == 0 {
		q.cond.Broadcast()
	}
}

func (q *queue[_]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// dequeue blocks until an item is available. It returns false once the queue
// is cancelled, or closed and empty.
func (q *queue[T]) dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	for {
		if q.cancelled {
			return zero, false
		}
		if element := q.items.Front(); element != nil {
			return q.items.Remove(element).(T), true
		}
		if q.closed {
			return zero, false
		}
		q.cond.Wait()
	}
}
