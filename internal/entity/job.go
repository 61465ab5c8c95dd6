package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusQueued          JobStatus = "queued"
	StatusActive          JobStatus = "active"
	StatusCompleted       JobStatus = "completed"
	StatusFailedRetryable JobStatus = "failed-retryable"
	StatusFailedTerminal  JobStatus = "failed-terminal"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedTerminal
}

// Job is one queued patient submission. Status and Attempt are owned by the
// queue; Result and Error are filled by the processor on terminal transitions.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Payload     Payload         `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Exhausted reports whether the last delivery was the final allowed attempt.
func (j *Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}
