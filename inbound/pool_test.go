package inbound

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolDispatchIsNonBlocking(t *testing.T) {
	pool := NewPool(2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	start := time.Now()
	pool.TryDispatch(Job{
		Instance: "inst1",
		ChatJID:  "123",
		Run: func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	})
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestPoolSameChatKeepsOrder(t *testing.T) {
	pool := NewPool(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var mu sync.Mutex
	var results []int

	for i := 1; i <= 5; i++ {
		val := i
		pool.TryDispatch(Job{
			Instance: "inst1",
			ChatJID:  "chat1",
			Run: func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				results = append(results, val)
				mu.Unlock()
				return nil
			},
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 5
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, results, "jobs for one chat must run in dispatch order")
}

func TestPoolDifferentChatsRunInParallel(t *testing.T) {
	pool := NewPool(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var activeCount int32
	for i := 0; i < 4; i++ {
		pool.TryDispatch(Job{
			Instance: "inst1",
			ChatJID:  string(rune('A' + i)),
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&activeCount, 1)
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&activeCount, -1)
				return nil
			},
		})
	}

	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&activeCount), int32(2))
}

func TestPoolPanicCostsOneJobNotTheWorker(t *testing.T) {
	pool := NewPool(1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var processed int32
	pool.TryDispatch(Job{
		Instance: "inst1",
		ChatJID:  "chat1",
		Run: func(ctx context.Context) error {
			panic("handler exploded")
		},
	})
	pool.TryDispatch(Job{
		Instance: "inst1",
		ChatJID:  "chat1",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&processed, 1)
			return nil
		},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&processed) == 1
	}, time.Second, 5*time.Millisecond, "worker must survive a panicking handler")

	stats := pool.GetStats()
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, int64(2), stats.TotalProcessed)
}

func TestPoolDropsWhenShardIsFull(t *testing.T) {
	pool := NewPool(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	block := make(chan struct{})
	// Occupy the worker, then fill its one queue slot.
	pool.TryDispatch(Job{Instance: "i", ChatJID: "c", Run: func(ctx context.Context) error {
		<-block
		return nil
	}})
	time.Sleep(10 * time.Millisecond)
	require.True(t, pool.TryDispatch(Job{Instance: "i", ChatJID: "c", Run: func(ctx context.Context) error { return nil }}))

	dropped := pool.TryDispatch(Job{Instance: "i", ChatJID: "c", Run: func(ctx context.Context) error { return nil }})
	assert.False(t, dropped, "a full shard must reject, not block")
	assert.Equal(t, int64(1), pool.GetStats().TotalDropped)
	close(block)
}

func TestPoolGracefulStopFinishesQueuedJobs(t *testing.T) {
	pool := NewPool(2, 10)
	ctx, cancel := context.WithCancel(context.Background())

	pool.Start(ctx)

	var completed int32
	for i := 0; i < 2; i++ {
		pool.TryDispatch(Job{
			Instance: "inst1",
			ChatJID:  string(rune('A' + i)),
			Run: func(ctx context.Context) error {
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&completed, 1)
				return nil
			},
		})
	}

	time.Sleep(10 * time.Millisecond)
	cancel()
	pool.Stop()

	assert.Equal(t, int32(2), atomic.LoadInt32(&completed))
}

func TestPoolShardingIsConsistentAndFair(t *testing.T) {
	pool := NewPool(4, 100)

	shard := pool.shardFor("inst1", "chat123")
	assert.Equal(t, shard, pool.shardFor("inst1", "chat123"))
	assert.GreaterOrEqual(t, shard, 0)
	assert.Less(t, shard, 4)

	shardCounts := make(map[int]int)
	for i := 0; i < 100; i++ {
		shardCounts[pool.shardFor("inst1", string(rune(i)))]++
	}
	for shard, count := range shardCounts {
		assert.Greater(t, count, 10, "shard %d is starved", shard)
	}
}
