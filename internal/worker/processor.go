package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"patient-intake-service/internal/automation"
	"patient-intake-service/internal/entity"
	"patient-intake-service/internal/service"
)

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one processing attempt.
type Outcome struct {
	Kind   OutcomeKind
	Result json.RawMessage
	Err    error
}

func Ok(result json.RawMessage) Outcome { return Outcome{Kind: OutcomeOK, Result: result} }
func Retryable(err error) Outcome       { return Outcome{Kind: OutcomeRetryable, Err: err} }
func Terminal(err error) Outcome        { return Outcome{Kind: OutcomeTerminal, Err: err} }

var errUnknownJob = errors.New("unknown job name")

// PatientCreator drives the clinic application (implementation: automation.Runner).
type PatientCreator interface {
	CreatePatient(ctx context.Context, payload entity.Payload) (*automation.FillResult, error)
}

type Processor struct {
	creator PatientCreator
	log     *slog.Logger
}

func NewProcessor(creator PatientCreator, log *slog.Logger) *Processor {
	return &Processor{creator: creator, log: log}
}

// Process runs one attempt of job. Browser failures are retryable; a job
// that can never succeed is terminal.
func (p *Processor) Process(ctx context.Context, job *entity.Job) Outcome {
	start := time.Now()
	id := job.ID.String()
	log := p.log.With(
		slog.String("job_id", id),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	if job.Name != service.JobName {
		log.Error("job rejected", slog.String("name", job.Name))
		return Terminal(fmt.Errorf("%w: %q", errUnknownJob, job.Name))
	}
	if len(job.Payload) == 0 {
		log.Error("job rejected", slog.Any("error", entity.ErrEmptyPayload))
		return Terminal(entity.ErrEmptyPayload)
	}

	log.Info("job started",
		slog.String("patient", job.Payload.DisplayName()),
		slog.String("payload", job.Payload.JSON()),
	)

	ctx = automation.WithArtifactTag(ctx, fmt.Sprintf("job-%s-a%d", id[:8], job.Attempt))
	res, err := p.creator.CreatePatient(ctx, job.Payload)
	if err != nil {
		log.Error("job attempt failed",
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.Any("error", err),
		)
		return Retryable(err)
	}

	body, err := json.Marshal(res)
	if err != nil {
		return Terminal(fmt.Errorf("encode result: %w", err))
	}

	log.Info("job done",
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Int("fields_filled", len(res.Filled)),
		slog.String("screenshot", res.Screenshot),
	)
	return Ok(body)
}
