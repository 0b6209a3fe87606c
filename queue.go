package stepifi

import (
	"context"
	"sync"
)

// FIFOQueue is a bounded first-in-first-out queue of job references feeding
// the worker pool. A job reference is removed atomically at dequeue, so a job
// can only be delivered to one worker; re-delivery happens only through an
// explicit re-enqueue on retry, which places the job at the back of the queue.
//
// Remove tombstones a queued id so a cancelled job is skipped at dequeue
// instead of being fished out of the channel.
type FIFOQueue struct {
	items chan string

	mu      sync.Mutex
	removed map[string]struct{}
	closed  bool
}

// NewFIFOQueue creates a queue holding at most capacity job references.
func NewFIFOQueue(capacity int) *FIFOQueue {
	return &FIFOQueue{
		items:   make(chan string, capacity),
		removed: make(map[string]struct{}),
	}
}

// Enqueue appends a job reference at the back of the queue.
// Returns ErrQueueFull when at capacity and ErrQueueClosed after Close.
func (q *FIFOQueue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	// Re-enqueueing an id that was tombstoned while queued clears the
	// tombstone: the new reference is a fresh delivery.
	delete(q.removed, id)

	// The send stays under the mutex so Close cannot close the channel
	// between the closed check and the send; the default arm keeps the
	// send from ever blocking while the lock is held.
	select {
	case q.items <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a job reference is available, the context is cancelled,
// or the queue is closed and drained. Tombstoned ids are skipped.
func (q *FIFOQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case id, ok := <-q.items:
			if !ok {
				return "", ErrQueueClosed
			}
			q.mu.Lock()
			_, skip := q.removed[id]
			delete(q.removed, id)
			q.mu.Unlock()
			if skip {
				continue
			}
			return id, nil
		}
	}
}

// Remove tombstones a queued job reference so it is discarded at dequeue.
// Removing an id that is not queued is harmless: a later Enqueue of the same
// id clears the tombstone.
func (q *FIFOQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.removed[id] = struct{}{}
}

// Len returns the number of queued references, including tombstoned ones.
func (q *FIFOQueue) Len() int {
	return len(q.items)
}

// Close stops the queue. Pending references are still drained by Dequeue;
// after the channel empties, Dequeue returns ErrQueueClosed.
func (q *FIFOQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}
