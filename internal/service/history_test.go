package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patient-intake-service/internal/entity"
	"patient-intake-service/internal/service"
)

type fakeHistory struct {
	mu       sync.Mutex
	err      error
	block    chan struct{}
	statuses []entity.JobStatus
}

func (h *fakeHistory) Upsert(_ context.Context, job *entity.Job) error {
	if h.block != nil && job.Status == entity.StatusQueued {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, job.Status)
	return h.err
}

func (h *fakeHistory) recorded() []entity.JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]entity.JobStatus(nil), h.statuses...)
}

func TestHistoryListener_RecordsLifecycle(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	history := &fakeHistory{}
	q.Subscribe(service.HistoryListener(history, slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, service.JobName, anaPayload, service.DefaultRetryPolicy())
	require.NoError(t, err)
	job, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, []byte(`{}`)))

	assert.Eventually(t, func() bool { return len(history.recorded()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []entity.JobStatus{entity.StatusQueued, entity.StatusActive, entity.StatusCompleted}, history.recorded())
}

func TestHistoryListener_EnqueueDoesNotWaitOnStore(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	history := &fakeHistory{block: make(chan struct{})}
	q.Subscribe(service.HistoryListener(history, slog.New(slog.NewTextHandler(io.Discard, nil))))

	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), service.JobName, anaPayload, service.DefaultRetryPolicy())
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue waited on the history store")
	}

	close(history.block)
	assert.Eventually(t, func() bool { return len(history.recorded()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHistoryListener_WriteFailureDoesNotBreakEnqueue(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	q.Subscribe(service.HistoryListener(&fakeHistory{err: errors.New("pg down")}, slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := q.Enqueue(context.Background(), service.JobName, anaPayload, service.DefaultRetryPolicy())
	assert.NoError(t, err)
}
