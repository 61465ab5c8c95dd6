package automation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"patient-intake-service/internal/entity"
)

// Runner opens a browser session per call. At most one session runs at a
// time, shared by the queue worker and the debug endpoints.
type Runner struct {
	cfg     Config
	newPage PageFactory
	shots   ScreenshotSaver
	log     *slog.Logger
	slot    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var ErrRunnerClosed = errors.New("automation runner is shut down")

func NewRunner(cfg Config, newPage PageFactory, shots ScreenshotSaver, log *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg.WithDefaults(),
		newPage: newPage,
		shots:   shots,
		log:     log,
		slot:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// CreatePatient logs in and populates the new-patient form with payload.
func (r *Runner) CreatePatient(ctx context.Context, payload entity.Payload) (*FillResult, error) {
	select {
	case r.slot <- struct{}{}:
	case <-r.closed:
		return nil, ErrRunnerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.slot }()

	page, err := r.newPage(ctx)
	if err != nil {
		return nil, &NavigationError{URL: r.cfg.LoginURL, Err: err}
	}

	sess := NewSession(page, r.cfg, r.shots, r.log)
	defer func() {
		if err := sess.Close(); err != nil {
			r.log.Warn("browser close failed", slog.Any("error", err))
		}
	}()

	if err := sess.Login(ctx); err != nil {
		return nil, err
	}
	return sess.FillPatientForm(ctx, payload)
}

// Shutdown blocks until the running session, if any, has closed its
// browser. Later calls fail with ErrRunnerClosed.
func (r *Runner) Shutdown() {
	r.closeOnce.Do(func() {
		r.slot <- struct{}{}
		close(r.closed)
	})
}

// TestLogin runs the full flow with DemoPayload.
func (r *Runner) TestLogin(ctx context.Context) (*FillResult, error) {
	return r.CreatePatient(WithArtifactTag(ctx, "test-login"), DemoPayload())
}

// DemoPayload is a fixed fictitious patient for manual checks.
func DemoPayload() entity.Payload {
	return entity.Payload{
		entity.FieldNombre:          "Prueba",
		entity.FieldApellidos:       "Automatización Demo",
		entity.FieldDNI:             "00000000T",
		entity.FieldFechaNacimiento: "01/01/1990",
		entity.FieldSexo:            "M",
		entity.FieldTelefono:        "910000000",
		entity.FieldEmail:           "prueba@example.com",
		entity.FieldObservaciones:   "Registro de prueba, no guardar",
	}
}
