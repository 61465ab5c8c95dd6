package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	browserStartTimeout   = 30 * time.Second
	submitNavigationWait  = 10 * time.Second
	networkIdlePollPeriod = 100 * time.Millisecond
)

type ChromeOptions struct {
	ExecPath  string
	Headless  bool
	UserAgent string
	Width     int
	Height    int
}

// chromePage drives one Chrome tab over CDP. It tracks in-flight network
// requests and load events from target events.
type chromePage struct {
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	loaded       chan struct{}
}

// NewChromeFactory returns a PageFactory launching a fresh browser per call.
func NewChromeFactory(opts ChromeOptions) PageFactory {
	return func(ctx context.Context) (Page, error) {
		return newChromePage(ctx, opts)
	}
}

func newChromePage(ctx context.Context, opts ChromeOptions) (*chromePage, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Width > 0 && opts.Height > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.Width, opts.Height))
	}

	// the browser lives until Close, not until ctx is done
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p := &chromePage{
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		inflight:      make(map[network.RequestID]struct{}),
		lastActivity:  time.Now(),
		loaded:        make(chan struct{}),
	}
	chromedp.ListenTarget(browserCtx, p.onEvent)

	started := make(chan error, 1)
	go func() {
		// first Run allocates the browser and binds it to browserCtx
		started <- chromedp.Run(browserCtx, network.Enable())
	}()

	timer := time.NewTimer(browserStartTimeout)
	defer timer.Stop()

	select {
	case err := <-started:
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
		return p, nil
	case <-timer.C:
		_ = p.Close()
		<-started
		return nil, fmt.Errorf("start browser: timed out after %s", browserStartTimeout)
	case <-ctx.Done():
		_ = p.Close()
		<-started
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
}

func (p *chromePage) onEvent(ev interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.inflight[e.RequestID] = struct{}{}
		p.lastActivity = time.Now()
	case *network.EventLoadingFinished:
		delete(p.inflight, e.RequestID)
		p.lastActivity = time.Now()
	case *network.EventLoadingFailed:
		delete(p.inflight, e.RequestID)
		p.lastActivity = time.Now()
	case *page.EventLoadEventFired:
		close(p.loaded)
		p.loaded = make(chan struct{})
	}
}

// run executes actions on the tab, aborting when ctx is done.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

const selectOptionJS = `(function(sel, value) {
	const el = document.querySelector(sel);
	if (!el) { return "missing"; }
	const opt = Array.from(el.options || []).find(o => o.value === value);
	if (!opt) { return "no-option"; }
	el.value = opt.value;
	el.dispatchEvent(new Event("change", { bubbles: true }));
	return "ok";
})(%q, %q)`

var errNoSuchOption = errors.New("no option with that value")

func (p *chromePage) Select(ctx context.Context, selector, value string) error {
	var res string
	err := p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(selectOptionJS, selector, value), &res),
	)
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "no-option":
		return fmt.Errorf("%w: %q", errNoSuchOption, value)
	default:
		return fmt.Errorf("select %s: element %s", selector, res)
	}
}

func (p *chromePage) Submit(ctx context.Context, selector string) error {
	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()

	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return err
	}

	timer := time.NewTimer(submitNavigationWait)
	defer timer.Stop()

	// a submit that stays on the same document is not an error
	select {
	case <-loaded:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *chromePage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(networkIdlePollPeriod)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		idle := len(p.inflight) == 0 && time.Since(p.lastActivity) >= quiet
		p.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// quality 100 makes chromedp emit PNG
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.browserCancel()
	p.allocCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
