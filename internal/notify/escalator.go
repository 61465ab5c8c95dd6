package notify

import (
	"context"
	"log/slog"
	"time"

	"patient-intake-service/internal/entity"
	"patient-intake-service/internal/service"
)

const defaultNotifyTimeout = 10 * time.Second

// Escalator alerts operators once per job that failed terminally.
type Escalator struct {
	notifier Notifier
	log      *slog.Logger
	timeout  time.Duration
}

// NewEscalator accepts a nil notifier; escalations are then only logged.
func NewEscalator(notifier Notifier, log *slog.Logger) *Escalator {
	return &Escalator{notifier: notifier, log: log, timeout: defaultNotifyTimeout}
}

// OnEvent is a service.Listener.
func (e *Escalator) OnEvent(ctx context.Context, ev service.Event) {
	if ev.Type != service.EventFailed {
		return
	}
	job := ev.Job
	e.JobFailed(ctx, &job)
}

// JobFailed delivers the alert. Delivery errors are logged, never returned:
// the job is already terminal.
func (e *Escalator) JobFailed(ctx context.Context, job *entity.Job) {
	alert := AlertFromJob(job)

	if e.notifier == nil {
		e.log.Warn("no escalation transport configured, job failure only logged",
			"job_id", alert.JobID,
			"patient", alert.Patient,
			"error", alert.Error,
			"payload", alert.Payload,
		)
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.notifier.Notify(nctx, alert); err != nil {
		e.log.Error("escalation delivery failed",
			"job_id", alert.JobID,
			"transport", e.notifier.Name(),
			slog.Any("error", err),
		)
		return
	}
	e.log.Info("escalation sent", "job_id", alert.JobID, "transport", e.notifier.Name())
}
