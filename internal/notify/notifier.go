package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"patient-intake-service/internal/entity"
)

// Notifier delivers an escalation to operators.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// Alert describes a job that exhausted its attempts.
type Alert struct {
	JobID    string    `json:"job_id"`
	Patient  string    `json:"patient"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
	// Payload is the literal submitted JSON, for manual re-entry.
	Payload string `json:"payload"`
}

func AlertFromJob(job *entity.Job) Alert {
	return Alert{
		JobID:    job.ID.String(),
		Patient:  job.Payload.DisplayName(),
		Error:    job.Error,
		Attempts: job.Attempt,
		FailedAt: job.UpdatedAt,
		Payload:  job.Payload.JSON(),
	}
}

// Text renders the alert as a plain-text chat message.
func (a Alert) Text() string {
	patient := a.Patient
	if patient == "" {
		patient = "(no name)"
	}

	var b strings.Builder
	b.WriteString("Patient registration failed\n")
	fmt.Fprintf(&b, "Patient: %s\n", patient)
	fmt.Fprintf(&b, "Job: %s\n", a.JobID)
	fmt.Fprintf(&b, "Attempts: %d\n", a.Attempts)
	fmt.Fprintf(&b, "Error: %s\n", a.Error)
	b.WriteString("Payload:\n")
	b.WriteString(a.Payload)
	return b.String()
}

// Multi fans an alert out to every notifier. One failing transport does not
// stop the others.
type Multi []Notifier

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, n := range m {
		names = append(names, n.Name())
	}
	return strings.Join(names, ",")
}

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
