package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"waveforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDequeueOrderPriorityThenFIFO(t *testing.T) {
	q := New[string](10, 80, nil)
	require.NoError(t, q.Enqueue("low-a", 3, time.Time{}))
	require.NoError(t, q.Enqueue("crit", 0, time.Time{}))
	require.NoError(t, q.Enqueue("low-b", 3, time.Time{}))
	require.NoError(t, q.Enqueue("high", 1, time.Time{}))

	var got []string
	for i := 0; i < 4; i++ {
		it, err := q.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		got = append(got, it.Value)
	}
	assert.Equal(t, []string{"crit", "high", "low-a", "low-b"}, got)
}

func TestEnqueueRejectsAtCapacity(t *testing.T) {
	q := New[int](2, 100, nil)
	require.NoError(t, q.Enqueue(1, 0, time.Time{}))
	require.NoError(t, q.Enqueue(2, 0, time.Time{}))
	require.ErrorIs(t, q.Enqueue(3, 0, time.Time{}), types.ErrQueueFull)

	s := q.StatsSnapshot()
	assert.Equal(t, uint64(2), s.Enqueued)
	assert.Equal(t, uint64(1), s.Rejected)
	assert.Equal(t, 2, s.CurrentSize)
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q := New[int](4, 80, nil)
	start := time.Now()
	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, types.ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDequeueRespectsContextCancel(t *testing.T) {
	q := New[int](4, 80, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.Dequeue(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDirectHandoffWakesWaiter(t *testing.T) {
	q := New[string](4, 80, nil)
	got := make(chan string, 1)
	go func() {
		it, err := q.Dequeue(context.Background(), time.Second)
		if err == nil {
			got <- it.Value
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue("hello", 0, time.Time{}))

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestExpiredItemsArePurged(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := New[int](4, 80, nil).WithClock(func() time.Time { return now })

	require.NoError(t, q.Enqueue(1, 0, now.Add(10*time.Millisecond)))
	require.NoError(t, q.Enqueue(2, 0, time.Time{}))

	now = now.Add(time.Second)
	it, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, it.Value)

	s := q.StatsSnapshot()
	assert.Equal(t, uint64(1), s.Expired)
}

func TestExpiredHandoffDoesNotExtendWait(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := New[int](8, 80, nil).WithClock(func() time.Time { return now })

	// A feeder keeps handing the parked waiter already-expired items. Each
	// redelivery must retry within the original wait window, so Dequeue
	// still times out close to maxWait instead of being kept alive forever.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		past := now.Add(-time.Second)
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				_ = q.Enqueue(1, 0, past)
			}
		}
	}()

	const maxWait = 100 * time.Millisecond
	start := time.Now()
	_, err := q.Dequeue(context.Background(), maxWait)
	elapsed := time.Since(start)
	close(stop)
	<-done

	require.ErrorIs(t, err, types.ErrQueueTimeout)
	assert.GreaterOrEqual(t, elapsed, maxWait)
	assert.Less(t, elapsed, 5*maxWait)
}

func TestCloseDrainsThenReportsDrained(t *testing.T) {
	q := New[int](4, 80, nil)
	require.NoError(t, q.Enqueue(1, 0, time.Time{}))
	q.Close()

	require.ErrorIs(t, q.Enqueue(2, 0, time.Time{}), types.ErrQueueDrained)

	it, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, it.Value)

	_, err = q.Dequeue(context.Background(), time.Second)
	require.ErrorIs(t, err, types.ErrQueueDrained)
}

func TestCloseWakesParkedWaiters(t *testing.T) {
	q := New[int](4, 80, nil)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Dequeue(context.Background(), time.Minute)
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, types.ErrQueueDrained)
	}
}

func TestAtCapacityThreshold(t *testing.T) {
	q := New[int](10, 80, nil)
	for i := 0; i < 7; i++ {
		require.NoError(t, q.Enqueue(i, 0, time.Time{}))
	}
	assert.False(t, q.AtCapacity())
	require.NoError(t, q.Enqueue(7, 0, time.Time{}))
	assert.True(t, q.AtCapacity())
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const n = 200
	q := New[int](n, 80, nil)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				for q.Enqueue(base+i, i%3, time.Time{}) != nil {
					time.Sleep(time.Millisecond)
				}
			}
		}(p * 1000)
	}

	var mu sync.Mutex
	seen := make(map[int]bool)
	var cg sync.WaitGroup
	for c := 0; c < 4; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				it, err := q.Dequeue(context.Background(), 50*time.Millisecond)
				if errors.Is(err, types.ErrQueueDrained) {
					return
				}
				if err != nil {
					continue
				}
				mu.Lock()
				seen[it.Value] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	q.Close()
	cg.Wait()

	assert.Len(t, seen, n)
	s := q.StatsSnapshot()
	assert.Equal(t, uint64(n), s.Enqueued)
	assert.Equal(t, uint64(n), s.Dequeued)
}
