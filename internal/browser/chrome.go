package browser

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/session"
)

// ChromeOptions configures a headless Chrome instance.
type ChromeOptions struct {
	Headless  bool
	ExecPath  string
	UserAgent string
}

// ChromeDriver drives one Chrome tab through the DevTools protocol. Each
// driver owns its own browser process.
type ChromeDriver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// NewChromeDriver starts a browser and returns a driver bound to its first tab.
func NewChromeDriver(ctx context.Context, opts ChromeOptions) (*ChromeDriver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	// The browser must outlive the caller's context; it is torn down by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	startCtx, startCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer startCancel()
	if err := chromedp.Run(startCtx); err != nil {
		cancel()
		allocCancel()
		return nil, eris.Wrap(err, "chrome: start browser")
	}

	return &ChromeDriver{ctx: browserCtx, cancel: cancel, allocCancel: allocCancel}, nil
}

// run executes actions on the tab, bounded by the caller's deadline.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	if d.ctx.Err() != nil {
		return session.ErrDriverClosed
	}
	runCtx := d.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(d.ctx, deadline)
		defer cancel()
	}
	err := chromedp.Run(runCtx, actions...)
	if err != nil && d.ctx.Err() != nil {
		return session.ErrDriverClosed
	}
	if err != nil && runCtx.Err() != nil {
		return runCtx.Err()
	}
	return err
}

// Navigate loads url and reports the navigation response status.
func (d *ChromeDriver) Navigate(ctx context.Context, url string) (int, error) {
	var status int
	err := d.run(ctx,
		chromedp.Navigate(url),
		chromedp.Evaluate(`window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 200`, &status),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "chrome: navigate %s", url)
	}
	return status, nil
}

// Find waits for selector to be present and returns its text.
func (d *ChromeDriver) Find(ctx context.Context, selector string) (string, error) {
	var text string
	err := d.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery, chromedp.NodeReady),
	)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Click scrolls selector into view and clicks it.
func (d *ChromeDriver) Click(ctx context.Context, selector string) error {
	return d.run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// ReadyState returns document.readyState.
func (d *ChromeDriver) ReadyState(ctx context.Context) (string, error) {
	var state string
	if err := d.run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return "", err
	}
	return state, nil
}

// HTML returns the document's outer HTML.
func (d *ChromeDriver) HTML(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// URL returns the tab's current location.
func (d *ChromeDriver) URL(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Ping evaluates a trivial expression to confirm the tab responds.
func (d *ChromeDriver) Ping(ctx context.Context) error {
	var one int
	return d.run(ctx, chromedp.Evaluate(`1`, &one))
}

// Close shuts down the tab and the browser process.
func (d *ChromeDriver) Close() error {
	d.cancel()
	d.allocCancel()
	return nil
}
