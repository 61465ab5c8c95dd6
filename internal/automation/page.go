package automation

import (
	"context"
	"time"
)

// Page is one browser tab. Every blocking call honors ctx; callers bound
// each call with the relevant timeout.
type Page interface {
	// Navigate loads url and returns once the load event fired.
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	// Fill replaces the value of a text input.
	Fill(ctx context.Context, selector, value string) error
	// Select picks the option whose value matches exactly.
	Select(ctx context.Context, selector, value string) error
	// Submit clicks selector and waits briefly for the resulting navigation.
	Submit(ctx context.Context, selector string) error
	// WaitNetworkIdle returns once no request has been in flight for quiet.
	WaitNetworkIdle(ctx context.Context, quiet time.Duration) error
	// Screenshot captures the full page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// PageFactory launches a fresh browser tab.
type PageFactory func(ctx context.Context) (Page, error)

// ScreenshotSaver persists a captured image and returns its path.
type ScreenshotSaver interface {
	Save(prefix string, png []byte) (string, error)
}

type artifactTagKey struct{}

// WithArtifactTag prefixes every screenshot taken under ctx with tag,
// linking the files to a job attempt.
func WithArtifactTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, artifactTagKey{}, tag)
}

func artifactPrefix(ctx context.Context, prefix string) string {
	if tag, ok := ctx.Value(artifactTagKey{}).(string); ok && tag != "" {
		return tag + "_" + prefix
	}
	return prefix
}
