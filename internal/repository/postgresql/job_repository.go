package postgresql

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"patient-intake-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

// JobRepository keeps the audit history of intake jobs. Redis stays the
// source of truth for delivery; this table outlives job purging.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS intake_jobs (
    id           uuid PRIMARY KEY,
    name         text        NOT NULL,
    status       text        NOT NULL,
    attempt      integer     NOT NULL DEFAULT 0,
    max_attempts integer     NOT NULL,
    payload      jsonb       NOT NULL,
    result       jsonb,
    error        text,
    created_at   timestamptz NOT NULL,
    updated_at   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS intake_jobs_status_idx ON intake_jobs (status, updated_at DESC);
`

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Upsert records the latest known state of job. Stale writes (older
// updated_at) are ignored.
func (r *JobRepository) Upsert(ctx context.Context, job *entity.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}

	var result []byte
	if len(job.Result) > 0 {
		result = job.Result
	}
	var errText *string
	if job.Error != "" {
		errText = &job.Error
	}

	const q = `
INSERT INTO intake_jobs (id, name, status, attempt, max_attempts, payload, result, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    attempt = EXCLUDED.attempt,
    result = EXCLUDED.result,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
WHERE intake_jobs.updated_at <= EXCLUDED.updated_at;
`
	_, err = r.pool.Exec(ctx, q,
		job.ID,
		job.Name,
		string(job.Status),
		job.Attempt,
		job.MaxAttempts,
		payload,
		result,
		errText,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `
SELECT id, name, status, attempt, max_attempts, payload, result, error, created_at, updated_at
FROM intake_jobs
WHERE id = $1;
`

	var (
		job          entity.Job
		statusText   string
		payloadBytes []byte
		resultBytes  []byte
		errText      *string
	)

	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&job.ID,
		&job.Name,
		&statusText,
		&job.Attempt,
		&job.MaxAttempts,
		&payloadBytes,
		&resultBytes, // NULL => nil
		&errText,     // NULL => nil
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.Status = entity.JobStatus(statusText)
	if err := json.Unmarshal(payloadBytes, &job.Payload); err != nil {
		return nil, err
	}
	if resultBytes != nil {
		job.Result = json.RawMessage(resultBytes)
	}
	if errText != nil {
		job.Error = *errText
	}
	return &job, nil
}
