package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"patient-intake-service/internal/automation"
	"patient-intake-service/internal/entity"
	"patient-intake-service/internal/repository/postgresql"
	"patient-intake-service/internal/service"
)

const maxBodyBytes = 1 << 20

type Intake interface {
	Submit(ctx context.Context, payload entity.Payload) (*entity.Job, error)
}

type Automation interface {
	CreatePatient(ctx context.Context, payload entity.Payload) (*automation.FillResult, error)
	TestLogin(ctx context.Context) (*automation.FillResult, error)
}

type FailedArchive interface {
	FailedJobs(ctx context.Context, limit int) ([]entity.Job, error)
}

type History interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type Handler struct {
	intake     Intake
	automation Automation
	failed     FailedArchive
	history    History
	log        *slog.Logger
}

// NewHandler accepts a nil history when no audit store is configured.
func NewHandler(intake Intake, auto Automation, failed FailedArchive, history History, log *slog.Logger) *Handler {
	return &Handler{
		intake:     intake,
		automation: auto,
		failed:     failed,
		history:    history,
		log:        log,
	}
}

type createPatientResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

type runResp struct {
	OK         bool                   `json:"ok"`
	DurationMS int64                  `json:"duration_ms"`
	Result     *automation.FillResult `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

type healthResp struct {
	OK    bool   `json:"ok"`
	Queue string `json:"queue"`
}

type jobResp struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Status      entity.JobStatus `json:"status"`
	Attempt     int              `json:"attempt"`
	MaxAttempts int              `json:"max_attempts"`
	Payload     entity.Payload   `json:"payload"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
}

type failedJobsResp struct {
	OK   bool      `json:"ok"`
	Jobs []jobResp `json:"jobs"`
}

func toJobResp(j *entity.Job) jobResp {
	return jobResp{
		ID:          j.ID.String(),
		Name:        j.Name,
		Status:      j.Status,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Payload:     j.Payload,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
	}
}

// decodePayload reads a flat JSON object of patient fields.
func decodePayload(w http.ResponseWriter, r *http.Request) (entity.Payload, int, string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, http.StatusBadRequest, "could not read body"
	}
	if len(body) == 0 {
		return nil, http.StatusBadRequest, "Empty body"
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, http.StatusBadRequest, "invalid json"
	}

	payload, err := entity.PayloadFromJSON(raw)
	if err != nil {
		if errors.Is(err, entity.ErrEmptyPayload) {
			return nil, http.StatusBadRequest, "Empty body"
		}
		return nil, http.StatusBadRequest, err.Error()
	}
	return payload, 0, ""
}

// CreatePatient godoc
// @Summary Queue a patient registration
// @Description Validates the submission and durably enqueues it. Processing happens asynchronously.
// @Tags intake
// @Accept json
// @Produce json
// @Param X-Webhook-Secret header string true "shared webhook secret"
// @Param request body map[string]string true "patient fields (nombre required)"
// @Success 202 {object} createPatientResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 500 {object} apiError
// @Router /crear-paciente [post]
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	payload, code, msg := decodePayload(w, r)
	if code != 0 {
		writeErr(w, code, msg)
		return
	}

	job, err := h.intake.Submit(r.Context(), payload)
	if err != nil {
		var vErr *entity.ValidationError
		var enqErr *service.EnqueueError
		switch {
		case errors.As(err, &vErr):
			writeErr(w, http.StatusBadRequest, vErr.Error())
		case errors.Is(err, entity.ErrEmptyPayload):
			writeErr(w, http.StatusBadRequest, "Empty body")
		case errors.As(err, &enqErr):
			h.log.Error("enqueue failed", slog.String("patient", payload.DisplayName()), slog.Any("error", err))
			writeErr(w, http.StatusInternalServerError, "Could not queue submission")
		default:
			writeErr(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	h.log.Info("patient queued", slog.String("job_id", job.ID.String()), slog.String("patient", payload.DisplayName()))
	writeJSON(w, http.StatusAccepted, createPatientResp{
		OK:      true,
		Message: "Patient queued for registration",
		ID:      job.ID.String(),
	})
}

// FillNow godoc
// @Summary Run the browser automation inline
// @Description Debug only. Logs in and fills the new-patient form without queueing.
// @Tags debug
// @Accept json
// @Produce json
// @Param request body map[string]string true "patient fields"
// @Success 200 {object} runResp
// @Failure 400 {object} apiError
// @Failure 500 {object} runResp
// @Router /rellenar-isiclinic [post]
func (h *Handler) FillNow(w http.ResponseWriter, r *http.Request) {
	payload, code, msg := decodePayload(w, r)
	if code != 0 {
		writeErr(w, code, msg)
		return
	}

	start := time.Now()
	res, err := h.automation.CreatePatient(r.Context(), payload)
	h.writeRun(w, start, res, err)
}

// TestLogin godoc
// @Summary Exercise login with a demo patient
// @Tags debug
// @Produce json
// @Success 200 {object} runResp
// @Failure 500 {object} runResp
// @Router /test-login [get]
func (h *Handler) TestLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := h.automation.TestLogin(r.Context())
	h.writeRun(w, start, res, err)
}

func (h *Handler) writeRun(w http.ResponseWriter, start time.Time, res *automation.FillResult, err error) {
	dur := time.Since(start).Milliseconds()
	if err != nil {
		h.log.Error("inline automation failed", slog.Int64("duration_ms", dur), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, runResp{OK: false, DurationMS: dur, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResp{OK: true, DurationMS: dur, Result: res})
}

// Health godoc
// @Summary Liveness probe
// @Tags ops
// @Produce json
// @Success 200 {object} healthResp
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResp{OK: true, Queue: "ready"})
}

// FailedJobs godoc
// @Summary List archived terminal failures
// @Tags jobs
// @Produce json
// @Param X-Webhook-Secret header string true "shared webhook secret"
// @Param limit query int false "max entries (default 50)"
// @Success 200 {object} failedJobsResp
// @Failure 401 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs/failed [get]
func (h *Handler) FailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := h.failed.FailedJobs(r.Context(), limit)
	if err != nil {
		h.log.Error("read failed archive", slog.Any("error", err))
		writeErr(w, http.StatusInternalServerError, "could not read failed jobs")
		return
	}

	resp := failedJobsResp{OK: true, Jobs: make([]jobResp, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResp(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob godoc
// @Summary Get job history by id
// @Tags jobs
// @Produce json
// @Param X-Webhook-Secret header string true "shared webhook secret"
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 501 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeErr(w, http.StatusNotImplemented, "job history is not configured")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.history.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error("read job history", slog.String("job_id", id.String()), slog.Any("error", err))
		writeErr(w, http.StatusInternalServerError, "could not read job")
		return
	}

	writeJSON(w, http.StatusOK, toJobResp(j))
}
