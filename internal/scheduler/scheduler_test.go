package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftnest/control-plane/internal/metrics"
)

func TestDecodeTask_RejectsIncompletePayload(t *testing.T) {
	_, err := decodeTask(`{"kind":"complete_provisioning"}`)
	require.Error(t, err)
	_, err = decodeTask(`not json`)
	require.Error(t, err)

	raw, err := encodeTask(Task{Kind: KindCompleteProvisioning, OwnerID: "usr_1", ServerID: "srv_1"})
	require.NoError(t, err)
	task, err := decodeTask(raw)
	require.NoError(t, err)
	assert.Equal(t, "srv_1", task.ServerID)
}

func TestTimer_RequiresHandler(t *testing.T) {
	tm := NewTimer(nil)
	err := tm.Schedule(context.Background(), Task{Kind: KindCompleteProvisioning, ServerID: "srv_1"}, time.Millisecond)
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestTimer_RunsTaskDetachedFromCallerContext(t *testing.T) {
	metrics.ResetDefaultForTest()
	tm := NewTimer(nil)
	var got atomic.Value
	tm.Bind(func(ctx context.Context, task Task) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		got.Store(task.ServerID)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tm.Schedule(ctx, Task{Kind: KindCompleteProvisioning, ServerID: "srv_1"}, 5*time.Millisecond))
	cancel()
	tm.Wait()

	assert.Equal(t, "srv_1", got.Load())
	assert.Equal(t, uint64(1), metrics.Default().CounterValue(metrics.SchedulerTasksTotal,
		map[string]string{"backend": "timer", "kind": string(KindCompleteProvisioning), "status": "ok"}))
}

func TestTimer_RecoversFromPanic(t *testing.T) {
	metrics.ResetDefaultForTest()
	tm := NewTimer(nil)
	tm.Bind(func(context.Context, Task) error { panic("boom") })

	require.NoError(t, tm.Schedule(context.Background(), Task{Kind: KindCompleteProvisioning, ServerID: "srv_1"}, 0))
	tm.Wait()

	assert.Equal(t, uint64(1), metrics.Default().CounterValue(metrics.SchedulerTasksTotal,
		map[string]string{"backend": "timer", "kind": string(KindCompleteProvisioning), "status": "panic"}))
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisQueue(t *testing.T, clock *fixedClock) (*Redis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisOptions{Key: "test:tasks", Now: clock.Now}), client
}

func TestRedis_PollHandlesOnlyDueTasks(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q, _ := newRedisQueue(t, clock)
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, Task{Kind: KindCompleteProvisioning, OwnerID: "usr_1", ServerID: "srv_soon"}, 5*time.Second))
	require.NoError(t, q.Schedule(ctx, Task{Kind: KindCompleteProvisioning, OwnerID: "usr_1", ServerID: "srv_later"}, time.Hour))

	var seen []string
	h := func(_ context.Context, task Task) error {
		seen = append(seen, task.ServerID)
		return nil
	}

	n, err := q.Poll(ctx, h, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(5 * time.Second)
	n, err = q.Poll(ctx, h, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"srv_soon"}, seen)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRedis_FailedTaskIsNotRequeued(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	q, _ := newRedisQueue(t, clock)
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, Task{Kind: KindCompleteProvisioning, ServerID: "srv_1"}, 0))
	n, err := q.Poll(ctx, func(context.Context, Task) error { return errors.New("boom") }, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedis_DropsUndecodableMembers(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	q, client := newRedisQueue(t, clock)
	ctx := context.Background()

	require.NoError(t, client.ZAdd(ctx, "test:tasks", redis.Z{Score: 0, Member: "garbage"}).Err())
	n, err := q.Poll(ctx, func(context.Context, Task) error {
		t.Fatalf("handler must not see an undecodable task")
		return nil
	}, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedis_ConcurrentPollersClaimOnce(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	q, _ := newRedisQueue(t, clock)
	ctx := context.Background()

	for _, id := range []string{"srv_1", "srv_2", "srv_3", "srv_4"} {
		require.NoError(t, q.Schedule(ctx, Task{Kind: KindCompleteProvisioning, ServerID: id}, 0))
	}

	var handled atomic.Int64
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Poll(ctx, func(context.Context, Task) error {
				handled.Add(1)
				return nil
			}, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(4), handled.Load())
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "://nope", 1, time.Millisecond)
	require.ErrorIs(t, err, ErrInvalidRedisURL)
}

func TestConnect_Miniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr(), 2, time.Millisecond)
	require.NoError(t, err)
	_ = client.Close()
}
