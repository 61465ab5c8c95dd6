package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"patient-intake-service/internal/entity"
	"patient-intake-service/internal/service"
)

// Queue is the consumer side of the durable queue (implementation:
// service.RedisQueue).
type Queue interface {
	Claim(ctx context.Context, timeout time.Duration) (*entity.Job, error)
	Complete(ctx context.Context, job *entity.Job, result json.RawMessage) error
	Fail(ctx context.Context, job *entity.Job, cause error, retryable bool) (entity.JobStatus, error)
	PromoteDue(ctx context.Context) (int64, error)
	RequeueStale(ctx context.Context) (int64, error)
}

// Pool consumes jobs one at a time. Concurrency is fixed at one because
// every job drives the single clinic browser session.
type Pool struct {
	queue        Queue
	processor    *Processor
	log          *slog.Logger
	claimTimeout time.Duration
	errorBackoff time.Duration

	// set when a claimed job may have been left in the processing list
	orphaned bool
}

func NewPool(queue Queue, processor *Processor, log *slog.Logger) *Pool {
	return &Pool{
		queue:        queue,
		processor:    processor,
		log:          log,
		claimTimeout: time.Second,
		errorBackoff: 2 * time.Second,
	}
}

// Run recovers jobs orphaned by a previous process, then consumes until ctx
// is cancelled. The job in flight at cancellation runs to completion.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.requeueStale(ctx); err != nil {
		return err
	}

	p.log.Info("worker started", slog.Duration("claim_timeout", p.claimTimeout))
	for {
		if ctx.Err() != nil {
			p.log.Info("worker stopped")
			return nil
		}

		if _, err := p.ProcessNext(ctx); err != nil {
			if errors.Is(err, service.ErrNoJob) || ctx.Err() != nil {
				continue
			}
			p.log.Error("queue unavailable", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(p.errorBackoff):
			}
		}
	}
}

// ProcessNext promotes due retries, claims one job and settles it. It
// reports whether a job was processed. A job whose settle failed stays in
// the processing list and is requeued before the next claim.
func (p *Pool) ProcessNext(ctx context.Context) (processed bool, err error) {
	if p.orphaned {
		if err := p.requeueStale(ctx); err != nil {
			return false, err
		}
		p.orphaned = false
	}
	defer func() {
		if err != nil && !errors.Is(err, service.ErrNoJob) {
			p.orphaned = true
		}
	}()

	if _, err := p.queue.PromoteDue(ctx); err != nil {
		return false, err
	}

	job, err := p.queue.Claim(ctx, p.claimTimeout)
	if err != nil {
		return false, err
	}

	runCtx := context.WithoutCancel(ctx)
	out := p.processor.Process(runCtx, job)

	switch out.Kind {
	case OutcomeOK:
		if err := p.queue.Complete(runCtx, job, out.Result); err != nil {
			return true, err
		}
	default:
		status, err := p.queue.Fail(runCtx, job, out.Err, out.Kind == OutcomeRetryable)
		if err != nil {
			return true, err
		}
		p.log.Info("job settled",
			slog.String("job_id", job.ID.String()),
			slog.String("outcome", out.Kind.String()),
			slog.String("status", string(status)),
		)
	}
	return true, nil
}

// requeueStale is only safe while no job is in flight; the pool is the
// single consumer.
func (p *Pool) requeueStale(ctx context.Context) error {
	recovered, err := p.queue.RequeueStale(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.log.Warn("requeued jobs left in processing", slog.Int64("count", recovered))
	}
	return nil
}
