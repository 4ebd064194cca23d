package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
)

// fakeReadiness implements ReadinessChecker for tests.
type fakeReadiness struct {
	ready atomic.Bool
}

func (f *fakeReadiness) CanProcessMessages() bool { return f.ready.Load() }

func newTestQueue(t *testing.T, cfg Config) (*MessageQueue, *fakeReadiness) {
	t.Helper()
	r := &fakeReadiness{}
	return NewMessageQueue("conn-1", r, cfg), r
}

func payloads(msgs []QueuedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func TestMessageQueue_FlushReturnsMessagesInOrder(t *testing.T) {
	q, r := newTestQueue(t, DefaultConfig())

	for i := 1; i <= 3; i++ {
		res, err := q.EnqueueIfNotReady([]byte(fmt.Sprintf("m%d", i)), models.PriorityNormal)
		require.NoError(t, err)
		assert.Equal(t, ActionQueued, res.Action)
		assert.Equal(t, i, res.Size)
	}

	r.ready.Store(true)
	res, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Flushed())
	assert.Equal(t, []string{"m1", "m2", "m3"}, payloads(res.Messages))
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 0, q.Size())

	// Exactly once: a second flush does not drain again.
	again, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, again.AlreadyFlushed)
	assert.Empty(t, again.Messages)
}

func TestMessageQueue_BypassOnlyAfterFlush(t *testing.T) {
	q, r := newTestQueue(t, DefaultConfig())
	r.ready.Store(true)

	// Ready but not yet flushed: still buffered so it cannot overtake a backlog.
	res, err := q.EnqueueIfNotReady([]byte("early"), models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, res.Action)

	flush, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, payloads(flush.Messages))

	res, err = q.EnqueueIfNotReady([]byte("late"), models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, ActionBypass, res.Action)
	assert.Equal(t, 0, q.Size())
}

func TestMessageQueue_FlushNotReady(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig())
	_, err := q.EnqueueIfNotReady([]byte("m1"), models.PriorityNormal)
	require.NoError(t, err)

	res, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.NotReady)
	assert.Equal(t, 1, q.Size())
}

func TestMessageQueue_EvictOldestOnOverflow(t *testing.T) {
	q, r := newTestQueue(t, Config{MaxSize: 10, OverflowPolicy: OverflowEvictOldest})

	for i := 0; i < 15; i++ {
		res, err := q.EnqueueIfNotReady([]byte(fmt.Sprintf("m%d", i)), models.PriorityNormal)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.Size, 10)
	}

	assert.Equal(t, 10, q.Size())
	assert.True(t, q.HasOverflowOccurred())

	r.ready.Store(true)
	res, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Messages, 10)
	assert.Equal(t, "m5", string(res.Messages[0].Payload))
	assert.Equal(t, "m14", string(res.Messages[9].Payload))
}

func TestMessageQueue_StrictEvictionReportsOverflow(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxSize: 1, OverflowPolicy: OverflowEvictOldest, Strict: true})

	_, err := q.EnqueueIfNotReady([]byte("a"), models.PriorityNormal)
	require.NoError(t, err)

	res, err := q.EnqueueIfNotReady([]byte("b"), models.PriorityNormal)
	var overflowErr *BufferOverflowError
	require.ErrorAs(t, err, &overflowErr)
	assert.Equal(t, ActionQueued, res.Action)
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, 1, q.Size())
}

func TestMessageQueue_RejectPolicy(t *testing.T) {
	q, r := newTestQueue(t, Config{MaxSize: 2, OverflowPolicy: OverflowReject})

	for i := 0; i < 2; i++ {
		_, err := q.EnqueueIfNotReady([]byte(fmt.Sprintf("m%d", i)), models.PriorityNormal)
		require.NoError(t, err)
	}

	res, err := q.EnqueueIfNotReady([]byte("m2"), models.PriorityCritical)
	var overflowErr *BufferOverflowError
	require.ErrorAs(t, err, &overflowErr)
	assert.Equal(t, OverflowReject, overflowErr.Policy)
	assert.Equal(t, ActionRejected, res.Action)
	assert.True(t, q.HasOverflowOccurred())

	r.ready.Store(true)
	flush, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1"}, payloads(flush.Messages))
}

func TestMessageQueue_InterruptedFlushRequeuesRemainder(t *testing.T) {
	q, r := newTestQueue(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		_, err := q.EnqueueIfNotReady([]byte(fmt.Sprintf("m%d", i)), models.PriorityNormal)
		require.NoError(t, err)
	}
	r.ready.Store(true)

	sendErr := errors.New("socket closed")
	res, err := q.FlushWhenReady(context.Background(), func(_ context.Context, batch []QueuedMessage) (int, error) {
		return 2, sendErr
	})
	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, []string{"m0", "m1"}, payloads(res.Messages))

	// Retry picks up exactly the undelivered remainder, in order.
	var got []string
	res, err = q.FlushWhenReady(context.Background(), func(_ context.Context, batch []QueuedMessage) (int, error) {
		got = append(got, payloads(batch)...)
		return len(batch), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, got)
	assert.Equal(t, 3, res.Delivered)
}

func TestMessageQueue_ExpiredContextKeepsBacklog(t *testing.T) {
	q, r := newTestQueue(t, DefaultConfig())
	_, err := q.EnqueueIfNotReady([]byte("m0"), models.PriorityNormal)
	require.NoError(t, err)
	r.ready.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err = q.FlushWhenReady(ctx, func(context.Context, []QueuedMessage) (int, error) {
		called = true
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, 1, q.Size())
}

func TestMessageQueue_ConcurrentFlushGuard(t *testing.T) {
	q, r := newTestQueue(t, DefaultConfig())
	_, err := q.EnqueueIfNotReady([]byte("m0"), models.PriorityNormal)
	require.NoError(t, err)
	r.ready.Store(true)

	started := make(chan struct{})
	release := make(chan struct{})
	var deliveries atomic.Int32

	done := make(chan FlushResult, 1)
	go func() {
		res, _ := q.FlushWhenReady(context.Background(), func(_ context.Context, batch []QueuedMessage) (int, error) {
			deliveries.Add(int32(len(batch)))
			close(started)
			<-release
			return len(batch), nil
		})
		done <- res
	}()

	<-started
	second, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, second.AlreadyFlushing)
	assert.Empty(t, second.Messages)

	close(release)
	first := <-done
	assert.True(t, first.Flushed())
	assert.Equal(t, int32(1), deliveries.Load())
}

func TestMessageQueue_EnqueueDuringFlushIsNotLost(t *testing.T) {
	q, r := newTestQueue(t, DefaultConfig())
	_, err := q.EnqueueIfNotReady([]byte("before"), models.PriorityNormal)
	require.NoError(t, err)
	r.ready.Store(true)

	var got []string
	first := true
	res, err := q.FlushWhenReady(context.Background(), func(_ context.Context, batch []QueuedMessage) (int, error) {
		if first {
			first = false
			// A producer races the flush; it must be queued, not bypassed.
			enq, err := q.EnqueueIfNotReady([]byte("during"), models.PriorityNormal)
			require.NoError(t, err)
			assert.Equal(t, ActionQueued, enq.Action)
		}
		got = append(got, payloads(batch)...)
		return len(batch), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "during"}, got)
	assert.Equal(t, 2, res.Rounds)
}

func TestMessageQueue_ConcurrentProducersZeroLoss(t *testing.T) {
	q, r := newTestQueue(t, Config{MaxSize: 10000, OverflowPolicy: OverflowEvictOldest})

	const producers = 8
	const perProducer = 200

	var mu sync.Mutex
	var received []string
	sendDirect := func(p []byte) {
		mu.Lock()
		received = append(received, string(p))
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := []byte(fmt.Sprintf("p%d-%d", p, i))
				res, err := q.EnqueueIfNotReady(payload, models.PriorityNormal)
				if err != nil {
					t.Errorf("enqueue: %v", err)
					return
				}
				if res.Action == ActionBypass {
					sendDirect(payload)
				}
			}
		}(p)
	}

	time.Sleep(5 * time.Millisecond)
	r.ready.Store(true)
	_, err := q.FlushWhenReady(context.Background(), func(_ context.Context, batch []QueuedMessage) (int, error) {
		for _, m := range batch {
			sendDirect(m.Payload)
		}
		return len(batch), nil
	})
	require.NoError(t, err)
	wg.Wait()

	// Anything that arrived after the last flush round was bypassed; if a
	// producer lost the race with the final round, flush once more.
	_, err = q.FlushWhenReady(context.Background(), func(_ context.Context, batch []QueuedMessage) (int, error) {
		for _, m := range batch {
			sendDirect(m.Payload)
		}
		return len(batch), nil
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, producers*perProducer)

	seen := make(map[string]bool, len(received))
	lastIdx := make(map[int]int)
	for _, s := range received {
		assert.False(t, seen[s], "duplicate %s", s)
		seen[s] = true
		var p, i int
		_, err := fmt.Sscanf(s, "p%d-%d", &p, &i)
		require.NoError(t, err)
		if prev, ok := lastIdx[p]; ok {
			assert.Greater(t, i, prev, "producer %d out of order", p)
		}
		lastIdx[p] = i
	}
}

func TestMessageQueue_RollbackStartsNewCycle(t *testing.T) {
	q, r := newTestQueue(t, DefaultConfig())
	r.ready.Store(true)
	_, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)

	r.ready.Store(false)
	res, err := q.EnqueueIfNotReady([]byte("after-rollback"), models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, res.Action)

	r.ready.Store(true)
	flush, err := q.FlushWhenReady(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, flush.Flushed())
	assert.Equal(t, []string{"after-rollback"}, payloads(flush.Messages))
}

func TestMessageQueue_DrainCloses(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig())
	_, err := q.EnqueueIfNotReady([]byte("m0"), models.PriorityHigh)
	require.NoError(t, err)

	pending := q.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, models.PriorityHigh, pending[0].Priority)
	assert.Nil(t, q.Drain())

	res, err := q.EnqueueIfNotReady([]byte("m1"), models.PriorityNormal)
	require.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, ActionRejected, res.Action)
	assert.True(t, q.Stats().Closed)
}
