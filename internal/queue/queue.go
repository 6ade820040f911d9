// Package queue implements the bounded priority queue that applies
// backpressure to wave execution. Lower numeric priority dequeues first;
// equal priorities are FIFO by insertion sequence, so dequeue order is
// total and replayable. Waiting consumers are woken in FIFO order.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/types"
)

// Item is one queued unit of work.
type Item[T any] struct {
	Value    T
	Priority int
	Deadline time.Time // zero means no deadline

	seq uint64
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Enqueued    uint64
	Dequeued    uint64
	Rejected    uint64
	Expired     uint64
	CurrentSize int
	Peak        int
}

// Queue is a bounded min-heap with capacity-threshold backpressure.
type Queue[T any] struct {
	mu       sync.Mutex
	items    itemHeap[T]
	waiters  []chan Item[T] // FIFO; each receives exactly one item
	capacity int
	thresh   int
	closed   bool
	nextSeq  uint64
	stats    Stats
	met      *metrics.Metrics
	now      func() time.Time
}

// New builds a queue with the given capacity and threshold percentage
// (producers should back off once size reaches capacity*thresholdPct/100).
func New[T any](capacity, thresholdPct int, met *metrics.Metrics) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	if thresholdPct < 1 || thresholdPct > 100 {
		thresholdPct = 80
	}
	t := (capacity*thresholdPct + 50) / 100
	if t < 1 {
		t = 1
	}
	return &Queue[T]{
		capacity: capacity,
		thresh:   t,
		met:      met,
		now:      time.Now,
	}
}

// WithClock overrides the deadline clock for tests.
func (q *Queue[T]) WithClock(now func() time.Time) *Queue[T] {
	q.now = now
	return q
}

// Enqueue offers one item. Returns ErrQueueFull immediately when the queue
// is at capacity and ErrQueueDrained after Close.
func (q *Queue[T]) Enqueue(value T, priority int, deadline time.Time) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.ErrQueueDrained
	}
	q.purgeExpiredLocked()

	it := Item[T]{Value: value, Priority: priority, Deadline: deadline, seq: q.nextSeq}
	q.nextSeq++

	// Direct handoff to the oldest waiter keeps wakeup FIFO; the heap is
	// necessarily empty whenever a waiter is parked.
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.stats.Enqueued++
		q.stats.Dequeued++
		q.mu.Unlock()
		if q.met != nil {
			q.met.QueueEnqueued.Inc()
			q.met.QueueDequeued.Inc()
		}
		w <- it
		return nil
	}

	if len(q.items) >= q.capacity {
		q.stats.Rejected++
		q.mu.Unlock()
		if q.met != nil {
			q.met.QueueRejected.Inc()
		}
		logging.Get(logging.CategoryQueue).Debugw("enqueue rejected", "capacity", q.capacity)
		return types.ErrQueueFull
	}
	heap.Push(&q.items, it)
	q.stats.Enqueued++
	if len(q.items) > q.stats.Peak {
		q.stats.Peak = len(q.items)
	}
	q.mu.Unlock()
	if q.met != nil {
		q.met.QueueEnqueued.Inc()
	}
	return nil
}

// Dequeue takes the next item, waiting up to maxWait. Items past their
// deadline are dropped (counted as expired) before selection; an expired
// handoff retries within the same maxWait window, never extending it.
// Returns ErrQueueTimeout when the wait elapses and ErrQueueDrained once the
// queue is closed and empty.
func (q *Queue[T]) Dequeue(ctx context.Context, maxWait time.Duration) (Item[T], error) {
	waitDeadline := time.Now().Add(maxWait)
	for {
		q.mu.Lock()
		q.purgeExpiredLocked()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(Item[T])
			q.stats.Dequeued++
			q.mu.Unlock()
			if q.met != nil {
				q.met.QueueDequeued.Inc()
			}
			return it, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Item[T]{}, types.ErrQueueDrained
		}

		w := make(chan Item[T], 1)
		q.waiters = append(q.waiters, w)
		q.mu.Unlock()

		remaining := time.Until(waitDeadline)
		if remaining <= 0 {
			q.abandonWaiter(w)
			return Item[T]{}, types.ErrQueueTimeout
		}
		timer := time.NewTimer(remaining)

		select {
		case it, ok := <-w:
			timer.Stop()
			if !ok {
				return Item[T]{}, types.ErrQueueDrained
			}
			if !it.Deadline.IsZero() && q.now().After(it.Deadline) {
				q.mu.Lock()
				q.stats.Expired++
				q.stats.Dequeued-- // handed off but never delivered as work
				q.mu.Unlock()
				if q.met != nil {
					q.met.QueueExpired.Inc()
				}
				continue
			}
			return it, nil
		case <-timer.C:
			q.abandonWaiter(w)
			return Item[T]{}, types.ErrQueueTimeout
		case <-ctx.Done():
			timer.Stop()
			q.abandonWaiter(w)
			return Item[T]{}, ctx.Err()
		}
	}
}

// abandonWaiter unregisters w, re-queueing an item that raced into it.
func (q *Queue[T]) abandonWaiter(w chan Item[T]) {
	q.mu.Lock()
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	// Not found: an enqueuer already committed an item to w.
	select {
	case it, ok := <-w:
		if ok {
			heap.Push(&q.items, it)
			q.stats.Dequeued--
		}
	default:
	}
	q.mu.Unlock()
}

// AtCapacity reports whether producers should back off (size ≥ threshold).
func (q *Queue[T]) AtCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked()
	return len(q.items) >= q.thresh
}

// Close drains waiters. Queued items remain dequeueable; once empty,
// Dequeue returns ErrQueueDrained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	ws := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

// StatsSnapshot returns current counters.
func (q *Queue[T]) StatsSnapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked()
	s := q.stats
	s.CurrentSize = len(q.items)
	return s
}

// purgeExpiredLocked drops items past their deadline. Callers hold q.mu.
func (q *Queue[T]) purgeExpiredLocked() {
	if len(q.items) == 0 {
		return
	}
	now := q.now()
	kept := q.items[:0]
	expired := 0
	for _, it := range q.items {
		if !it.Deadline.IsZero() && now.After(it.Deadline) {
			expired++
			continue
		}
		kept = append(kept, it)
	}
	if expired > 0 {
		q.items = kept
		heap.Init(&q.items)
		q.stats.Expired += uint64(expired)
		if q.met != nil {
			q.met.QueueExpired.Add(float64(expired))
		}
	}
}

// itemHeap orders by (priority asc, seq asc).
type itemHeap[T any] []Item[T]

func (h itemHeap[T]) Len() int { return len(h) }
func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap[T]) Push(x any)        { *h = append(*h, x.(Item[T])) }
func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
