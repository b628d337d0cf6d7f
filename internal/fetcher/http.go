package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// RetryWait is the initial backoff between attempts. Default 1s.
	RetryWait time.Duration
	// RatePerSec limits requests per host. Zero means 5/s.
	RatePerSec float64
}

// HTTPFetcher implements Fetcher on a resty client with retry and per-host
// rate limiting.
type HTTPFetcher struct {
	client *resty.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = time.Second
	}
	if opts.RatePerSec == 0 {
		opts.RatePerSec = 5
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "parcel-cli/1.0"
	}

	f := &HTTPFetcher{opts: opts, limiters: make(map[string]*rate.Limiter)}
	f.client = resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetRetryCount(opts.MaxRetries-1).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(30*time.Second).
		AddRetryCondition(retryable).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			lim := f.limiterFor(r.URL)
			if err := lim.Wait(r.Context()); err != nil {
				return eris.Wrap(err, "rate limiter wait")
			}
			return nil
		})
	return f
}

// retryable retries transport errors, 429 and 5xx.
func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	code := resp.StatusCode()
	if code == http.StatusTooManyRequests || code >= 500 {
		zap.L().Warn("fetcher: retrying download",
			zap.String("url", resp.Request.URL),
			zap.Int("status", code),
			zap.Int("attempt", resp.Request.Attempt),
		)
		return true
	}
	return false
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.opts.RatePerSec), 1)
		f.limiters[host] = lim
	}
	return lim
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		if body != nil {
			_ = body.Close()
		}
		return nil, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode(), rawURL)
	}
	return body, nil
}

// DownloadToFile fetches the URL and writes it to the given path.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}

	return n, nil
}
