// Package probe issues GET requests against a running server, retrying
// while it comes up.
package probe

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type options struct {
	logger      *zap.Logger
	maxAttempts int
	waitMin     time.Duration
	waitMax     time.Duration
	timeout     time.Duration
	maxBody     int64
}

// Option configures a Client.
type Option func(*options)

// Logger receives one entry per attempt and per response.
func Logger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MaxAttempts is the number of retries after the first attempt.
func MaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// MinWaitDuration is the shortest wait between attempts.
func MinWaitDuration(min time.Duration) Option {
	return func(o *options) {
		o.waitMin = min
	}
}

// MaxWaitDuration caps the exponential wait between attempts.
func MaxWaitDuration(max time.Duration) Option {
	return func(o *options) {
		o.waitMax = max
	}
}

// Timeout bounds each attempt.
func Timeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// MaxBodyBytes bounds how much of a response body Get keeps.
func MaxBodyBytes(n int64) Option {
	return func(o *options) {
		o.maxBody = n
	}
}

// Client fetches URLs, retrying connection failures and 5xx responses.
type Client struct {
	http    *http.Client
	maxBody int64
}

// Result is a fully read response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether Status is 2xx.
func (r *Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// New returns a Client.
func New(opts ...Option) *Client {
	o := &options{
		logger:      zap.NewNop(),
		maxAttempts: 2,
		waitMin:     100 * time.Millisecond,
		waitMax:     5 * time.Second,
		timeout:     30 * time.Second,
		maxBody:     64 << 20,
	}
	for _, opt := range opts {
		opt(o)
	}

	log := o.logger
	rc := retryablehttp.Client{
		HTTPClient: &http.Client{
			Timeout: o.timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		Logger:       nil,
		RetryWaitMin: o.waitMin,
		RetryWaitMax: o.waitMax,
		RetryMax:     o.maxAttempts,
		RequestLogHook: func(l retryablehttp.Logger, req *http.Request, i int) {
			log.Debug("sending http request", zap.String("url", req.URL.String()), zap.Int("request_attempt_count", i))
		},
		ResponseLogHook: func(l retryablehttp.Logger, resp *http.Response) {
			log.Debug("received http response", zap.String("url", resp.Request.URL.String()), zap.Int("http_status_code", resp.StatusCode))
		},
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return &Client{
		http:    rc.StandardClient(),
		maxBody: o.maxBody,
	}
}

// Get fetches url and reads the whole body. A non-2xx status is not an
// error; check Result.OK.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, err
	}
	return &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   b,
	}, nil
}
