package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patient-intake-service/internal/entity"
	"patient-intake-service/internal/service"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []service.Event
}

func (r *recorder) listen(_ context.Context, ev service.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ service.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ service.EventType) (service.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return service.Event{}, false
}

var testKeys = service.KeysWithPrefix("test")

func newTestQueue(t *testing.T, opts ...service.QueueOption) (*service.RedisQueue, *miniredis.Miniredis, *fakeClock, *recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]service.QueueOption{service.WithClock(clock.Now)}, opts...)
	q := service.NewRedisQueue(rdb, testKeys, log, opts...)

	rec := &recorder{}
	q.Subscribe(rec.listen)
	return q, mr, clock, rec
}

var anaPayload = entity.Payload{"nombre": "Ana", "apellidos": "García", "dni": "12345678A"}

func TestRedisQueue_Enqueue_PersistsBeforeReturn(t *testing.T) {
	q, mr, _, rec := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, service.JobName, anaPayload, service.DefaultRetryPolicy())
	require.NoError(t, err)

	assert.Equal(t, entity.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.True(t, mr.Exists(testKeys.JobPrefix+job.ID.String()))

	ready, err := mr.List(testKeys.Ready)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID.String()}, ready)
	assert.Equal(t, 1, rec.count(service.EventEnqueued))
}

func TestRedisQueue_Enqueue_UniqueIDsUnderConcurrency(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	const n = 40
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Enqueue(ctx, service.JobName, anaPayload, service.DefaultRetryPolicy())
			if err == nil {
				ids <- job.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestRedisQueue_Enqueue_StoreUnreachable(t *testing.T) {
	q, mr, _, rec := newTestQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), service.JobName, anaPayload, service.DefaultRetryPolicy())

	var enqErr *service.EnqueueError
	require.ErrorAs(t, err, &enqErr)
	assert.Equal(t, 0, rec.count(service.EventEnqueued))
}

func TestRedisQueue_RetriesWithBackoffThenFailsOnce(t *testing.T) {
	q, mr, clock, rec := newTestQueue(t)
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, service.JobName, anaPayload, service.DefaultRetryPolicy())
	require.NoError(t, err)

	cause := errors.New("login page did not load")
	delays := []time.Duration{5 * time.Second, 10 * time.Second}

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Claim(ctx, time.Second)
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, enq.ID, job.ID)
		assert.Equal(t, attempt, job.Attempt)
		assert.Equal(t, entity.StatusActive, job.Status)

		status, err := q.Fail(ctx, job, cause, true)
		require.NoError(t, err)

		if attempt == 3 {
			assert.Equal(t, entity.StatusFailedTerminal, status)
			break
		}
		assert.Equal(t, entity.StatusFailedRetryable, status)

		ev, ok := rec.last(service.EventRetrying)
		require.True(t, ok)
		assert.Equal(t, delays[attempt-1], ev.Delay)

		// not due a millisecond early
		clock.Advance(delays[attempt-1] - time.Millisecond)
		n, err := q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		clock.Advance(time.Millisecond)
		n, err = q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	assert.Equal(t, 1, rec.count(service.EventFailed))
	assert.Equal(t, 2, rec.count(service.EventRetrying))
	assert.Equal(t, 0, rec.count(service.EventCompleted))

	failed, _ := rec.last(service.EventFailed)
	assert.Equal(t, cause.Error(), failed.Job.Error)
	assert.Equal(t, 3, failed.Job.Attempt)

	assert.False(t, mr.Exists(testKeys.JobPrefix+enq.ID.String()))
	archived, err := q.FailedJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, enq.ID, archived[0].ID)
	assert.Equal(t, entity.StatusFailedTerminal, archived[0].Status)
}

func TestRedisQueue_TerminalFailureSkipsRetries(t *testing.T) {
	q, _, _, rec := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, service.JobName, anaPayload, service.DefaultRetryPolicy())
	require.NoError(t, err)

	job, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)

	status, err := q.Fail(ctx, job, errors.New("payload unreadable"), false)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailedTerminal, status)
	assert.Equal(t, 1, rec.count(service.EventFailed))
	assert.Equal(t, 0, rec.count(service.EventRetrying))
}

func TestRedisQueue_CompletePurgesJob(t *testing.T) {
	q, mr, _, rec := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, service.JobName, anaPayload, service.DefaultRetryPolicy())
	require.NoError(t, err)

	job, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job, []byte(`{"screenshot":"x.png"}`)))

	assert.False(t, mr.Exists(testKeys.JobPrefix+job.ID.String()))
	processing, _ := mr.List(testKeys.Processing)
	assert.Empty(t, processing)
	assert.Equal(t, 1, rec.count(service.EventCompleted))
	assert.Equal(t, 0, rec.count(service.EventFailed))
}

func TestRedisQueue_ClaimEmpty(t *testing.T) {
	q, _, _, _ := newTestQueue(t)

	_, err := q.Claim(context.Background(), time.Second)
	assert.ErrorIs(t, err, service.ErrNoJob)
}

func TestRedisQueue_RequeueStaleKeepsAttemptCount(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, service.JobName, anaPayload, service.DefaultRetryPolicy())
	require.NoError(t, err)

	first, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, first.Attempt)

	// process restarts with the job still in processing
	moved, err := q.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	again, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)
}

func TestRedisQueue_InterruptedFinalAttemptBecomesTerminal(t *testing.T) {
	q, _, _, rec := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, service.JobName, anaPayload, service.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Second})
	require.NoError(t, err)

	_, err = q.Claim(ctx, time.Second)
	require.NoError(t, err)

	_, err = q.RequeueStale(ctx)
	require.NoError(t, err)

	_, err = q.Claim(ctx, time.Second)
	assert.ErrorIs(t, err, service.ErrNoJob)
	assert.Equal(t, 1, rec.count(service.EventFailed))
}

func TestRedisQueue_FailedArchiveIsBounded(t *testing.T) {
	q, _, _, _ := newTestQueue(t, service.WithArchiveSize(2))
	ctx := context.Background()

	for _, n := range []string{"Ana", "Luis", "Marta"} {
		_, err := q.Enqueue(ctx, service.JobName, entity.Payload{"nombre": n}, service.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Second})
		require.NoError(t, err)
		job, err := q.Claim(ctx, time.Second)
		require.NoError(t, err)
		_, err = q.Fail(ctx, job, errors.New("boom"), true)
		require.NoError(t, err)
	}

	archived, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, "Marta", archived[0].Payload["nombre"])
	assert.Equal(t, "Luis", archived[1].Payload["nombre"])
}
