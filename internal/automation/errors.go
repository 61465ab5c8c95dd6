package automation

import "fmt"

// NavigationError: a page did not become ready within the navigation timeout.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// FormNotReadyError: the patient form (or one of its fields) never became interactive.
type FormNotReadyError struct {
	Field    string
	Selector string
	Err      error
}

func (e *FormNotReadyError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("form field %s (%s) not ready: %v", e.Field, e.Selector, e.Err)
	}
	return fmt.Sprintf("form not ready, anchor %s: %v", e.Selector, e.Err)
}

func (e *FormNotReadyError) Unwrap() error { return e.Err }

// AuthenticationError: the login did not reach the authenticated state.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ScreenshotError is returned by Session.Screenshot. Login and
// FillPatientForm log it and never return it.
type ScreenshotError struct {
	Prefix string
	Err    error
}

func (e *ScreenshotError) Error() string {
	return fmt.Sprintf("screenshot %s: %v", e.Prefix, e.Err)
}

func (e *ScreenshotError) Unwrap() error { return e.Err }
