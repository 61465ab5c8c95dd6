package automation

import (
	"context"
	"errors"
	"log/slog"

	"patient-intake-service/internal/entity"
)

// AuthState is the login state of a session.
type AuthState string

const (
	AuthAnonymous     AuthState = "anonymous"
	AuthSubmitted     AuthState = "submitted-credentials"
	AuthAuthenticated AuthState = "authenticated"
	AuthFailed        AuthState = "auth-failed"
)

// FillResult is returned after the form was populated. The form is never
// submitted.
type FillResult struct {
	Filled     []string `json:"filled"`
	Skipped    []string `json:"skipped,omitempty"`
	Screenshot string   `json:"screenshot,omitempty"`
	URL        string   `json:"url"`
	Submitted  bool     `json:"submitted"`
}

// Session is one logged-in browsing context. It is used by a single
// goroutine and owns its Page until Close.
type Session struct {
	page   Page
	cfg    Config
	form   []formField
	shots  ScreenshotSaver
	log    *slog.Logger
	state  AuthState
	pageAt string
}

func NewSession(page Page, cfg Config, shots ScreenshotSaver, log *slog.Logger) *Session {
	cfg = cfg.WithDefaults()
	return &Session{
		page:  page,
		cfg:   cfg,
		form:  cfg.Selectors.formLayout(),
		shots: shots,
		log:   log,
		state: AuthAnonymous,
	}
}

func (s *Session) AuthState() AuthState { return s.state }

// PageContext is the URL the session last navigated to.
func (s *Session) PageContext() string { return s.pageAt }

type loginOutcome int

const (
	outcomeUndetected loginOutcome = iota
	outcomeAuthenticated
	outcomeRejected
)

// Login opens the login page, submits the credentials and races the
// logged-in marker against the login form staying visible.
func (s *Session) Login(ctx context.Context) error {
	err := s.login(ctx)
	if err != nil {
		s.captureFailure(ctx, "login_error", err)
	}
	return err
}

func (s *Session) login(ctx context.Context) error {
	sel := s.cfg.Selectors

	if err := s.navigate(ctx, s.cfg.LoginURL, sel.Username); err != nil {
		return err
	}

	fillCtx, cancel := context.WithTimeout(ctx, s.cfg.FormTimeout)
	defer cancel()
	if err := s.page.Fill(fillCtx, sel.Username, s.cfg.Username); err != nil {
		return &AuthenticationError{Reason: "username input", Err: err}
	}
	if err := s.page.Fill(fillCtx, sel.Password, s.cfg.Password); err != nil {
		return &AuthenticationError{Reason: "password input", Err: err}
	}

	submitCtx, cancelSubmit := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancelSubmit()
	if err := s.page.Submit(submitCtx, sel.Submit); err != nil {
		s.state = AuthFailed
		return &AuthenticationError{Reason: "submit credentials", Err: err}
	}
	s.state = AuthSubmitted

	outcome, err := s.awaitLoginOutcome(ctx)
	switch outcome {
	case outcomeAuthenticated:
		s.state = AuthAuthenticated
		s.log.Info("login succeeded", "url", s.pageAt)
		s.settle(ctx)
		return nil
	case outcomeRejected:
		s.state = AuthFailed
		return &AuthenticationError{Reason: "credentials rejected, login form still visible"}
	default:
		s.state = AuthFailed
		return &AuthenticationError{Reason: "neither logged-in marker nor login form appeared", Err: err}
	}
}

// awaitLoginOutcome runs both detectors under one LoginTimeout. The first
// detector to resolve wins and the other is cancelled.
func (s *Session) awaitLoginOutcome(ctx context.Context) (loginOutcome, error) {
	raceCtx, cancel := context.WithTimeout(ctx, s.cfg.LoginTimeout)
	defer cancel()

	type detection struct {
		outcome loginOutcome
		err     error
	}
	results := make(chan detection, 2)
	watch := func(selector string, outcome loginOutcome) {
		results <- detection{outcome: outcome, err: s.page.WaitVisible(raceCtx, selector)}
	}
	go watch(s.cfg.Selectors.LoggedInMarker, outcomeAuthenticated)
	go watch(s.cfg.Selectors.Username, outcomeRejected)

	var lastErr error
	for i := 0; i < 2; i++ {
		d := <-results
		if d.err == nil {
			return d.outcome, nil
		}
		lastErr = d.err
	}
	return outcomeUndetected, lastErr
}

// FillPatientForm opens the new-patient form and populates every field
// present in payload, in form order. It never submits the form.
func (s *Session) FillPatientForm(ctx context.Context, payload entity.Payload) (*FillResult, error) {
	if s.state != AuthAuthenticated {
		return nil, &AuthenticationError{Reason: "session is " + string(s.state)}
	}

	res, err := s.fillPatientForm(ctx, payload)
	if err != nil {
		s.captureFailure(ctx, "error", err)
		return nil, err
	}
	return res, nil
}

func (s *Session) fillPatientForm(ctx context.Context, payload entity.Payload) (*FillResult, error) {
	if err := s.navigate(ctx, s.cfg.NewPatientURL, ""); err != nil {
		return nil, err
	}

	anchorCtx, cancel := context.WithTimeout(ctx, s.cfg.FormTimeout)
	defer cancel()
	if err := s.page.WaitVisible(anchorCtx, s.cfg.Selectors.FormAnchor); err != nil {
		return nil, &FormNotReadyError{Selector: s.cfg.Selectors.FormAnchor, Err: err}
	}

	res := &FillResult{URL: s.pageAt}
	for _, f := range s.form {
		value, ok := payload.Get(f.Name)
		if !ok {
			res.Skipped = append(res.Skipped, f.Name)
			continue
		}
		if err := s.fillField(ctx, f, value); err != nil {
			return nil, &FormNotReadyError{Field: f.Name, Selector: f.Selector, Err: err}
		}
		res.Filled = append(res.Filled, f.Name)
	}

	path, err := s.Screenshot(ctx, "form_filled")
	if err != nil {
		s.log.Warn("form screenshot failed", slog.Any("error", err))
	}
	res.Screenshot = path

	s.log.Info("patient form populated", "filled", len(res.Filled), "skipped", len(res.Skipped))
	return res, nil
}

func (s *Session) fillField(ctx context.Context, f formField, value string) error {
	fieldCtx, cancel := context.WithTimeout(ctx, s.cfg.FormTimeout)
	defer cancel()

	if f.Kind == kindSelect {
		return s.page.Select(fieldCtx, f.Selector, value)
	}
	return s.page.Fill(fieldCtx, f.Selector, value)
}

// navigate loads url and, when readySelector is set, waits for it, all
// within NavigationTimeout.
func (s *Session) navigate(ctx context.Context, url, readySelector string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	if err := s.page.Navigate(navCtx, url); err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	s.pageAt = url

	if readySelector != "" {
		if err := s.page.WaitVisible(navCtx, readySelector); err != nil {
			return &NavigationError{URL: url, Err: err}
		}
	}
	return nil
}

// settle waits for network idle. A timeout is logged, not fatal.
func (s *Session) settle(ctx context.Context) {
	idleCtx, cancel := context.WithTimeout(ctx, s.cfg.NetworkIdleTimeout)
	defer cancel()

	if err := s.page.WaitNetworkIdle(idleCtx, s.cfg.NetworkQuietWindow); err != nil {
		s.log.Warn("network did not go idle, continuing", "timeout", s.cfg.NetworkIdleTimeout, slog.Any("error", err))
	}
}

// Screenshot captures the page under prefix. It keeps working after ctx was
// cancelled so failures can still be documented.
func (s *Session) Screenshot(ctx context.Context, prefix string) (string, error) {
	prefix = artifactPrefix(ctx, prefix)

	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ScreenshotTimeout)
	defer cancel()

	png, err := s.page.Screenshot(shotCtx)
	if err != nil {
		return "", &ScreenshotError{Prefix: prefix, Err: err}
	}
	if s.shots == nil {
		return "", &ScreenshotError{Prefix: prefix, Err: errors.New("no screenshot store")}
	}
	path, err := s.shots.Save(prefix, png)
	if err != nil {
		return "", &ScreenshotError{Prefix: prefix, Err: err}
	}
	return path, nil
}

func (s *Session) captureFailure(ctx context.Context, prefix string, cause error) {
	path, err := s.Screenshot(ctx, prefix)
	if err != nil {
		s.log.Warn("failure screenshot not captured", "cause", cause, slog.Any("error", err))
		return
	}
	s.log.Info("failure screenshot saved", "path", path, "cause", cause)
}

func (s *Session) Close() error {
	return s.page.Close()
}
