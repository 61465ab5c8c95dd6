package automation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patient-intake-service/internal/entity"
)

type fakePage struct {
	mu          sync.Mutex
	visible     map[string]bool
	afterSubmit map[string]bool
	navErr      error
	idle        bool
	shotErr     error

	calls   []string
	submits int
	closed  bool
}

func newFakePage() *fakePage {
	sel := DefaultSelectors()
	return &fakePage{
		visible:     map[string]bool{sel.Username: true, sel.Password: true},
		afterSubmit: map[string]bool{sel.LoggedInMarker: true, sel.FormAnchor: true},
		idle:        true,
	}
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate " + url)
	return p.navErr
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	p.mu.Lock()
	ok := p.visible[selector]
	p.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	p.record("fill " + selector + "=" + value)
	return nil
}

func (p *fakePage) Select(ctx context.Context, selector, value string) error {
	p.record("select " + selector + "=" + value)
	return nil
}

func (p *fakePage) Submit(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if p.afterSubmit != nil {
		p.visible = p.afterSubmit
	}
	return nil
}

func (p *fakePage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	if p.idle {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return []byte("\x89PNG"), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) fieldCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		if strings.HasPrefix(c, "fill ") || strings.HasPrefix(c, "select ") {
			out = append(out, c)
		}
	}
	return out
}

type fakeShots struct {
	mu       sync.Mutex
	prefixes []string
}

func (s *fakeShots) Save(prefix string, png []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes = append(s.prefixes, prefix)
	return "/shots/" + prefix + ".png", nil
}

func testConfig() Config {
	return Config{
		LoginURL:           "https://clinic.test/login",
		NewPatientURL:      "https://clinic.test/pacientes/nuevo",
		Username:           "recepcion",
		Password:           "s3cret",
		NavigationTimeout:  200 * time.Millisecond,
		LoginTimeout:       80 * time.Millisecond,
		FormTimeout:        80 * time.Millisecond,
		NetworkIdleTimeout: 40 * time.Millisecond,
		ScreenshotTimeout:  100 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSession_LoginSucceeds(t *testing.T) {
	page := newFakePage()
	sess := NewSession(page, testConfig(), &fakeShots{}, discardLogger())

	require.NoError(t, sess.Login(context.Background()))
	assert.Equal(t, AuthAuthenticated, sess.AuthState())
	assert.Equal(t, "https://clinic.test/login", sess.PageContext())
	assert.Equal(t, 1, page.submits)
	assert.Contains(t, page.calls, "fill "+DefaultSelectors().Username+"=recepcion")
}

func TestSession_LoginRejectedWhenFormStaysVisible(t *testing.T) {
	page := newFakePage()
	page.afterSubmit = nil
	shots := &fakeShots{}
	sess := NewSession(page, testConfig(), shots, discardLogger())

	err := sess.Login(context.Background())

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "still visible")
	assert.Equal(t, AuthFailed, sess.AuthState())
	assert.Equal(t, []string{"login_error"}, shots.prefixes)
}

func TestSession_LoginNeitherDetectorResolves(t *testing.T) {
	page := newFakePage()
	page.afterSubmit = map[string]bool{}
	sess := NewSession(page, testConfig(), &fakeShots{}, discardLogger())

	start := time.Now()
	err := sess.Login(context.Background())

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, AuthFailed, sess.AuthState())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSession_NetworkIdleTimeoutIsNotFatal(t *testing.T) {
	page := newFakePage()
	page.idle = false
	sess := NewSession(page, testConfig(), &fakeShots{}, discardLogger())

	require.NoError(t, sess.Login(context.Background()))
	assert.Equal(t, AuthAuthenticated, sess.AuthState())
}

func TestSession_NavigationFailure(t *testing.T) {
	page := newFakePage()
	page.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	sess := NewSession(page, testConfig(), &fakeShots{}, discardLogger())

	err := sess.Login(context.Background())

	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, "https://clinic.test/login", navErr.URL)
	assert.Equal(t, AuthAnonymous, sess.AuthState())
}

func TestSession_FillPatientForm_FollowsFormOrder(t *testing.T) {
	page := newFakePage()
	shots := &fakeShots{}
	sess := NewSession(page, testConfig(), shots, discardLogger())
	ctx := WithArtifactTag(context.Background(), "job-42-a1")

	require.NoError(t, sess.Login(ctx))

	res, err := sess.FillPatientForm(ctx, entity.Payload{
		"email":     "ana@example.com",
		"sexo":      "M",
		"nombre":    "Ana",
		"apellidos": "García",
		"movil":     "   ",
		"color":     "azul",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fill #nombre=Ana",
		"fill #apellidos=García",
		"select #sexo=M",
		"fill #email=ana@example.com",
	}, page.fieldCalls()[2:])
	assert.Equal(t, []string{"nombre", "apellidos", "sexo", "email"}, res.Filled)
	assert.Contains(t, res.Skipped, "movil")
	assert.False(t, res.Submitted)
	assert.Equal(t, 1, page.submits, "the patient form must never be submitted")
	assert.Equal(t, "/shots/job-42-a1_form_filled.png", res.Screenshot)
	assert.Equal(t, "https://clinic.test/pacientes/nuevo", sess.PageContext())
}

func TestSession_FillPatientForm_SelectorOverride(t *testing.T) {
	page := newFakePage()
	cfg := testConfig()
	cfg.Selectors.Fields = map[string]string{"nombre": "input#first-name"}
	sess := NewSession(page, cfg, &fakeShots{}, discardLogger())

	require.NoError(t, sess.Login(context.Background()))
	_, err := sess.FillPatientForm(context.Background(), entity.Payload{"nombre": "Ana"})
	require.NoError(t, err)

	assert.Equal(t, "fill input#first-name=Ana", page.fieldCalls()[2])
}

func TestSession_FillPatientForm_FormNotReady(t *testing.T) {
	page := newFakePage()
	page.afterSubmit = map[string]bool{DefaultSelectors().LoggedInMarker: true}
	shots := &fakeShots{}
	sess := NewSession(page, testConfig(), shots, discardLogger())

	require.NoError(t, sess.Login(context.Background()))
	_, err := sess.FillPatientForm(context.Background(), entity.Payload{"nombre": "Ana"})

	var formErr *FormNotReadyError
	require.ErrorAs(t, err, &formErr)
	assert.Equal(t, DefaultSelectors().FormAnchor, formErr.Selector)
	assert.Equal(t, []string{"error"}, shots.prefixes)
}

func TestSession_ScreenshotFailureIsSwallowed(t *testing.T) {
	page := newFakePage()
	page.shotErr = errors.New("target closed")
	sess := NewSession(page, testConfig(), &fakeShots{}, discardLogger())

	require.NoError(t, sess.Login(context.Background()))
	res, err := sess.FillPatientForm(context.Background(), entity.Payload{"nombre": "Ana"})
	require.NoError(t, err)
	assert.Empty(t, res.Screenshot)
}

func TestSession_FillRequiresLogin(t *testing.T) {
	sess := NewSession(newFakePage(), testConfig(), &fakeShots{}, discardLogger())

	_, err := sess.FillPatientForm(context.Background(), entity.Payload{"nombre": "Ana"})

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestSession_ScreenshotAfterCancel(t *testing.T) {
	sess := NewSession(newFakePage(), testConfig(), &fakeShots{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path, err := sess.Screenshot(ctx, "error")
	require.NoError(t, err)
	assert.Equal(t, "/shots/error.png", path)
}

func TestSession_FailureScreenshotDoesNotMaskError(t *testing.T) {
	t.Run("login navigation", func(t *testing.T) {
		page := newFakePage()
		page.navErr = errors.New("net::ERR_CONNECTION_REFUSED")
		page.shotErr = errors.New("target closed")
		sess := NewSession(page, testConfig(), &fakeShots{}, discardLogger())

		err := sess.Login(context.Background())

		var navErr *NavigationError
		require.ErrorAs(t, err, &navErr)
		var shotErr *ScreenshotError
		assert.False(t, errors.As(err, &shotErr))
		assert.ErrorIs(t, err, page.navErr)
	})

	t.Run("form not ready", func(t *testing.T) {
		page := newFakePage()
		page.afterSubmit = map[string]bool{DefaultSelectors().LoggedInMarker: true}
		sess := NewSession(page, testConfig(), &fakeShots{}, discardLogger())
		require.NoError(t, sess.Login(context.Background()))

		page.shotErr = errors.New("target closed")
		_, err := sess.FillPatientForm(context.Background(), entity.Payload{"nombre": "Ana"})

		var formErr *FormNotReadyError
		require.ErrorAs(t, err, &formErr)
		var shotErr *ScreenshotError
		assert.False(t, errors.As(err, &shotErr))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
