package browser

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/session"
)

// StaticDriver serves server-rendered pages over plain HTTP. It keeps
// cookies between requests and answers selector queries against the last
// response body. Clicking follows the element's href.
type StaticDriver struct {
	client *resty.Client

	mu      sync.Mutex
	closed  bool
	status  int
	body    []byte
	doc     *goquery.Document
	current *url.URL
}

// NewStaticDriver creates a driver with its own client and cookie jar.
func NewStaticDriver(userAgent string) *StaticDriver {
	client := resty.New().
		SetTimeout(60*time.Second).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if userAgent != "" {
		client.SetHeader("User-Agent", userAgent)
	}
	return &StaticDriver{client: client}
}

// Navigate fetches url and makes it the current document.
func (d *StaticDriver) Navigate(ctx context.Context, target string) (int, error) {
	if d.isClosed() {
		return 0, session.ErrDriverClosed
	}

	resp, err := d.client.R().SetContext(ctx).Get(target)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, eris.Wrapf(err, "static: get %s", target)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return resp.StatusCode(), eris.Wrapf(err, "static: parse %s", target)
	}

	loc, err := url.Parse(target)
	if err != nil {
		return resp.StatusCode(), eris.Wrapf(err, "static: parse url %s", target)
	}
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		loc = resp.RawResponse.Request.URL
	}

	d.mu.Lock()
	d.status = resp.StatusCode()
	d.body = resp.Body()
	d.doc = doc
	d.current = loc
	d.mu.Unlock()

	return resp.StatusCode(), nil
}

// Find returns the text of the first match. A static document cannot change
// by waiting, so absence is reported immediately.
func (d *StaticDriver) Find(_ context.Context, selector string) (string, error) {
	sel, err := d.selection(selector)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sel.Text()), nil
}

// Click follows the href of the first match.
func (d *StaticDriver) Click(ctx context.Context, selector string) error {
	sel, err := d.selection(selector)
	if err != nil {
		return err
	}
	href, ok := sel.Attr("href")
	if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(href, "javascript:") {
		return eris.Errorf("static: %s is not a followable link", selector)
	}

	d.mu.Lock()
	base := d.current
	d.mu.Unlock()

	next, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return eris.Wrapf(err, "static: parse href %q", href)
	}
	if base != nil {
		next = base.ResolveReference(next)
	}
	_, err = d.Navigate(ctx, next.String())
	return err
}

// ReadyState is always complete once a response has been read.
func (d *StaticDriver) ReadyState(context.Context) (string, error) {
	if d.isClosed() {
		return "", session.ErrDriverClosed
	}
	return "complete", nil
}

// HTML returns the last response body.
func (d *StaticDriver) HTML(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", session.ErrDriverClosed
	}
	return string(d.body), nil
}

// URL returns the final URL of the last response.
func (d *StaticDriver) URL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", session.ErrDriverClosed
	}
	if d.current == nil {
		return "", nil
	}
	return d.current.String(), nil
}

// Ping fails only after Close.
func (d *StaticDriver) Ping(context.Context) error {
	if d.isClosed() {
		return session.ErrDriverClosed
	}
	return nil
}

// Close drops idle connections and marks the driver unusable.
func (d *StaticDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.doc = nil
	d.body = nil
	d.client.GetClient().CloseIdleConnections()
	return nil
}

// Status returns the status code of the last response.
func (d *StaticDriver) Status() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *StaticDriver) selection(selector string) (*goquery.Selection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, session.ErrDriverClosed
	}
	if d.doc == nil {
		return nil, session.ErrNoElement
	}
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, session.ErrNoElement
	}
	return sel, nil
}

func (d *StaticDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
