package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"patient-intake-service/internal/entity"
)

// JobName is the queue name of patient-creation jobs.
const JobName = "crear-paciente"

var ErrInvalidPayload = errors.New("invalid payload")

// JobQueue is the enqueue side of the durable queue
// (implementation: RedisQueue).
type JobQueue interface {
	Enqueue(ctx context.Context, name string, payload entity.Payload, policy RetryPolicy) (*entity.Job, error)
}

type IntakeService struct {
	queue    JobQueue
	policy   RetryPolicy
	validate *validator.Validate
}

func NewIntakeService(queue JobQueue, policy RetryPolicy) *IntakeService {
	return &IntakeService{
		queue:    queue,
		policy:   policy,
		validate: validator.New(),
	}
}

// Submit validates a patient payload and enqueues it. It never waits for
// processing; a persistence failure surfaces as *EnqueueError.
func (s *IntakeService) Submit(ctx context.Context, payload entity.Payload) (*entity.Job, error) {
	if len(payload) == 0 {
		return nil, entity.ErrEmptyPayload
	}

	if err := s.validate.Struct(payload.Fields()); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &entity.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	job, err := s.queue.Enqueue(ctx, JobName, payload, s.policy)
	if err != nil {
		var enqErr *EnqueueError
		if errors.As(err, &enqErr) {
			return nil, err
		}
		return nil, &EnqueueError{Err: err}
	}
	return job, nil
}
