package service

import (
	"context"
	"log/slog"
	"time"

	"patient-intake-service/internal/entity"
)

// JobHistory is the optional audit store (implementation:
// postgresql.JobRepository).
type JobHistory interface {
	Upsert(ctx context.Context, job *entity.Job) error
}

// HistoryListener mirrors every lifecycle event into history. A write
// failure is logged and never affects delivery. Enqueued writes run in the
// background, off the ingress path; the store's updated_at guard keeps a
// later state that lands first.
func HistoryListener(history JobHistory, log *slog.Logger) Listener {
	write := func(ctx context.Context, ev Event) {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		job := ev.Job
		if err := history.Upsert(hctx, &job); err != nil {
			log.Warn("job history write failed",
				slog.String("job_id", job.ID.String()),
				slog.String("event", string(ev.Type)),
				slog.Any("error", err),
			)
		}
	}

	return func(ctx context.Context, ev Event) {
		if ev.Type == EventEnqueued {
			go write(ctx, ev)
			return
		}
		write(ctx, ev)
	}
}
