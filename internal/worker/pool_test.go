package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/askbot/internal/agent"
	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/queue"
)

func setupBackend(t *testing.T, opts queue.Options) *queue.RedisQ {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb, opts, zaptest.NewLogger(t))
}

// startPool runs the pool until the test ends and waits for it to drain.
func startPool(t *testing.T, q *queue.RedisQ, a agent.Agent, opts Options) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(q, a, opts, zaptest.NewLogger(t)).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, q *queue.RedisQ, key string) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), key)
		if err != nil || j == nil || !j.Terminal() {
			return false
		}
		job = j
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func enqueue(t *testing.T, q *queue.RedisQ, id, message string) {
	t.Helper()
	_, _, err := q.Enqueue(context.Background(), domain.NewJob(domain.Telegram, id, "u1", "alice", message, nil))
	require.NoError(t, err)
}

func TestPoolCompletesJob(t *testing.T) {
	q := setupBackend(t, queue.Options{})
	got := make(chan agent.RequestContext, 1)
	a := agent.Func(func(_ context.Context, m string, rc agent.RequestContext) (string, error) {
		got <- rc
		time.Sleep(50 * time.Millisecond)
		return "hello", nil
	})
	enqueue(t, q, "1", "hi")
	startPool(t, q, a, Options{Block: 50 * time.Millisecond})

	job := waitTerminal(t, q, "telegram-1")
	assert.Equal(t, domain.Completed, job.State)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Success)
	assert.Equal(t, "hello", job.Result.Response)
	assert.GreaterOrEqual(t, job.Result.ProcessingTime, 50*time.Millisecond)
	rc := <-got
	assert.Equal(t, domain.Telegram, rc.Platform)
	assert.Equal(t, "alice", rc.UserName)
}

func TestPoolRetriesThenConvertsFailure(t *testing.T) {
	const base = 20 * time.Millisecond
	q := setupBackend(t, queue.Options{Backoff: base})

	var mu sync.Mutex
	var calls []time.Time
	a := agent.Func(func(context.Context, string, agent.RequestContext) (string, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return "", errors.New("upstream unavailable")
	})
	enqueue(t, q, "1", "hi")
	startPool(t, q, a, Options{Block: 20 * time.Millisecond, MaintainInterval: 5 * time.Millisecond})

	job := waitTerminal(t, q, "telegram-1")
	assert.Equal(t, domain.Completed, job.State, "final failure is converted, not left failed")
	require.NotNil(t, job.Result)
	assert.False(t, job.Result.Success)
	assert.Equal(t, "upstream unavailable", job.Result.Error)
	assert.Equal(t, 3, job.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	// Scores are stored in whole milliseconds.
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), base-time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 2*base-time.Millisecond)
}

func TestPoolRecoversFromSlowFirstAttempt(t *testing.T) {
	q := setupBackend(t, queue.Options{Backoff: 10 * time.Millisecond})
	var n atomic.Int32
	a := agent.Func(func(context.Context, string, agent.RequestContext) (string, error) {
		if n.Add(1) == 1 {
			return "", errors.New("timeout")
		}
		return "second time lucky", nil
	})
	enqueue(t, q, "1", "hi")
	startPool(t, q, a, Options{Block: 20 * time.Millisecond, MaintainInterval: 5 * time.Millisecond})

	job := waitTerminal(t, q, "telegram-1")
	assert.True(t, job.Result.Success)
	assert.Equal(t, "second time lucky", job.Result.Response)
	assert.Equal(t, 2, job.Attempts)
}

func TestPoolTreatsPanicAsFailure(t *testing.T) {
	q := setupBackend(t, queue.Options{MaxAttempts: 1})
	a := agent.Func(func(context.Context, string, agent.RequestContext) (string, error) {
		panic("nil map")
	})
	enqueue(t, q, "1", "hi")
	startPool(t, q, a, Options{Block: 20 * time.Millisecond})

	job := waitTerminal(t, q, "telegram-1")
	assert.False(t, job.Result.Success)
	assert.Contains(t, job.Result.Error, "agent panic")
}

func TestPoolConcurrencyBound(t *testing.T) {
	q := setupBackend(t, queue.Options{})
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	a := agent.Func(func(context.Context, string, agent.RequestContext) (string, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return "ok", nil
	})
	for i := 0; i < 8; i++ {
		enqueue(t, q, fmt.Sprint(i), "hi")
	}
	startPool(t, q, a, Options{Concurrency: 5, Block: 20 * time.Millisecond})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	require.Eventually(t, func() bool { return inFlight.Load() == 5 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(5), peak.Load(), "sixth job must wait for a slot")

	m, err := q.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Active)
	assert.Equal(t, int64(3), m.Waiting)

	unblock()
	for i := 0; i < 8; i++ {
		waitTerminal(t, q, fmt.Sprintf("telegram-%d", i))
	}
	assert.Equal(t, int32(5), peak.Load())
}

func TestPoolDrainsInFlightOnShutdown(t *testing.T) {
	q := setupBackend(t, queue.Options{})
	started := make(chan struct{})
	a := agent.Func(func(context.Context, string, agent.RequestContext) (string, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "done", nil
	})
	enqueue(t, q, "1", "hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(q, a, Options{Block: 20 * time.Millisecond}, zaptest.NewLogger(t)).Run(ctx)
	}()

	<-started
	cancel()
	<-done

	job, err := q.Get(context.Background(), "telegram-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, job.State)
	assert.Equal(t, "done", job.Result.Response)
}
