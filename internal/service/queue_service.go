package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"patient-intake-service/internal/entity"
)

// ErrNoJob is returned by Claim when nothing became ready within the timeout.
var ErrNoJob = errors.New("no job ready")

var errInterrupted = errors.New("delivery interrupted on final attempt (process restart)")

// EnqueueError means the submission could not be persisted and was not accepted.
type EnqueueError struct {
	Err error
}

func (e *EnqueueError) Error() string {
	return "enqueue: " + e.Err.Error()
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// RetryPolicy is fixed per job at enqueue time.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// Backoff returns the delay before retry k: base * 2^(k-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return backoff(p.BaseDelay, attempt)
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	return base << (attempt - 1)
}

type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventActive    EventType = "active"
	EventRetrying  EventType = "retrying"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is emitted after a lifecycle transition has been persisted.
type Event struct {
	Type  EventType
	Job   entity.Job
	Delay time.Duration
}

type Listener func(ctx context.Context, ev Event)

type QueueKeys struct {
	Ready      string
	Processing string
	Delayed    string
	Failed     string
	JobPrefix  string
}

func KeysWithPrefix(prefix string) QueueKeys {
	return QueueKeys{
		Ready:      prefix + ":queue",
		Processing: prefix + ":processing",
		Delayed:    prefix + ":delayed",
		Failed:     prefix + ":failed",
		JobPrefix:  prefix + ":job:",
	}
}

// promoteScript moves due ids from the delayed zset to the ready list.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// RedisQueue is a durable single-consumer job queue on Redis.
// Ready:    list, LPUSH on enqueue, BRPOPLPUSH ready -> processing on claim
// Delayed:  zset scored by unix ms of the next allowed delivery
// Failed:   capped list of terminal jobs, newest first
// Job body: one JSON string per id, the source of truth for attempt counts
type RedisQueue struct {
	rdb         *redis.Client
	keys        QueueKeys
	archiveSize int64
	log         *slog.Logger
	now         func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

type QueueOption func(*RedisQueue)

// WithClock replaces the wall clock used for scheduling.
func WithClock(now func() time.Time) QueueOption {
	return func(q *RedisQueue) { q.now = now }
}

func WithArchiveSize(n int) QueueOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.archiveSize = int64(n)
		}
	}
}

func NewRedisQueue(rdb *redis.Client, keys QueueKeys, log *slog.Logger, opts ...QueueOption) *RedisQueue {
	q := &RedisQueue{
		rdb:         rdb,
		keys:        keys,
		archiveSize: 50,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Subscribe registers a listener for lifecycle events. Listeners run
// synchronously on the goroutine that performed the transition.
func (q *RedisQueue) Subscribe(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

func (q *RedisQueue) emit(ctx context.Context, ev Event) {
	q.mu.RLock()
	ls := append([]Listener(nil), q.listeners...)
	q.mu.RUnlock()
	for _, l := range ls {
		l(ctx, ev)
	}
}

func (q *RedisQueue) jobKey(id string) string {
	return q.keys.JobPrefix + id
}

// Enqueue persists the job and makes it ready. The job is durable in Redis
// before Enqueue returns.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload entity.Payload, policy RetryPolicy) (*entity.Job, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}

	now := q.now().UTC()
	job := &entity.Job{
		ID:          uuid.New(),
		Name:        name,
		Payload:     payload,
		MaxAttempts: policy.MaxAttempts,
		BackoffBase: policy.BaseDelay,
		Status:      entity.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, &EnqueueError{Err: err}
	}

	id := job.ID.String()
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(id), body, 0)
		pipe.LPush(ctx, q.keys.Ready, id)
		return nil
	})
	if err != nil {
		return nil, &EnqueueError{Err: err}
	}

	q.emit(ctx, Event{Type: EventEnqueued, Job: *job})
	return job, nil
}

// Claim blocks up to timeout for the next ready job, moves it to the
// processing list and increments its attempt counter.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (*entity.Job, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.keys.Ready, q.keys.Processing, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, err
	}

	job, err := q.load(ctx, id)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// body gone (manual cleanup); drop the dangling id
			q.log.Warn("dropping job id without body", slog.String("job_id", id))
			_ = q.rdb.LRem(ctx, q.keys.Processing, 1, id).Err()
			return nil, ErrNoJob
		}
		return nil, err
	}

	if job.Exhausted() {
		// a previous process died while running the final attempt
		if _, err := q.fail(ctx, job, errInterrupted, false); err != nil {
			return nil, err
		}
		return nil, ErrNoJob
	}

	job.Attempt++
	job.Status = entity.StatusActive
	job.UpdatedAt = q.now().UTC()
	if err := q.save(ctx, q.rdb, job); err != nil {
		return nil, err
	}

	q.emit(ctx, Event{Type: EventActive, Job: *job})
	return job, nil
}

// Complete purges a successfully processed job.
func (q *RedisQueue) Complete(ctx context.Context, job *entity.Job, result json.RawMessage) error {
	id := job.ID.String()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.jobKey(id))
		pipe.LRem(ctx, q.keys.Processing, 1, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}

	job.Status = entity.StatusCompleted
	job.Result = result
	job.Error = ""
	job.UpdatedAt = q.now().UTC()
	q.emit(ctx, Event{Type: EventCompleted, Job: *job})
	return nil
}

// Fail records a failed delivery. A retryable failure with attempts left is
// rescheduled after the job's backoff; anything else becomes terminal, is
// archived and fires exactly one failed event.
func (q *RedisQueue) Fail(ctx context.Context, job *entity.Job, cause error, retryable bool) (entity.JobStatus, error) {
	return q.fail(ctx, job, cause, retryable)
}

func (q *RedisQueue) fail(ctx context.Context, job *entity.Job, cause error, retryable bool) (entity.JobStatus, error) {
	id := job.ID.String()
	now := q.now().UTC()
	job.Error = cause.Error()
	job.Result = nil
	job.UpdatedAt = now

	if retryable && !job.Exhausted() {
		delay := backoff(job.BackoffBase, job.Attempt)
		job.Status = entity.StatusFailedRetryable
		body, err := json.Marshal(job)
		if err != nil {
			return "", err
		}
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, q.jobKey(id), body, 0)
			pipe.ZAdd(ctx, q.keys.Delayed, redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
			pipe.LRem(ctx, q.keys.Processing, 1, id)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("reschedule job %s: %w", id, err)
		}
		q.emit(ctx, Event{Type: EventRetrying, Job: *job, Delay: delay})
		return job.Status, nil
	}

	job.Status = entity.StatusFailedTerminal
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.keys.Failed, body)
		pipe.LTrim(ctx, q.keys.Failed, 0, q.archiveSize-1)
		pipe.Del(ctx, q.jobKey(id))
		pipe.LRem(ctx, q.keys.Processing, 1, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("archive job %s: %w", id, err)
	}
	q.emit(ctx, Event{Type: EventFailed, Job: *job})
	return job.Status, nil
}

// PromoteDue moves retries whose backoff has elapsed back to the ready list.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int64, error) {
	now := q.now().UnixMilli()
	return promoteScript.Run(ctx, q.rdb, []string{q.keys.Delayed, q.keys.Ready}, now, 100).Int64()
}

// RequeueStale moves ids left in processing by a dead consumer back to the
// ready list. Only safe while no consumer is running.
func (q *RedisQueue) RequeueStale(ctx context.Context) (int64, error) {
	var moved int64
	for {
		id, err := q.rdb.RPopLPush(ctx, q.keys.Processing, q.keys.Ready).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, err
		}
		if id != "" {
			moved++
		}
	}
}

// FailedJobs returns the archived terminal failures, newest first.
func (q *RedisQueue) FailedJobs(ctx context.Context, limit int) ([]entity.Job, error) {
	if limit <= 0 || int64(limit) > q.archiveSize {
		limit = int(q.archiveSize)
	}
	items, err := q.rdb.LRange(ctx, q.keys.Failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]entity.Job, 0, len(items))
	for _, it := range items {
		var j entity.Job
		if err := json.Unmarshal([]byte(it), &j); err != nil {
			q.log.Warn("skipping corrupt archive entry", slog.Any("error", err))
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Get returns the live (non-terminal) job body, if any.
func (q *RedisQueue) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return q.load(ctx, id.String())
}

func (q *RedisQueue) load(ctx context.Context, id string) (*entity.Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job entity.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, c redis.Cmdable, job *entity.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.Set(ctx, q.jobKey(job.ID.String()), body, 0).Err()
}
