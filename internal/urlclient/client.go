// Package urlclient is the URL-request service shared by every network tile
// source: asynchronous fetches with handles, cancellation, an in-flight count
// and a threshold signal used to refill the offline pipeline.
package urlclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCanceled is delivered to the callback of a canceled request.
var ErrCanceled = errors.New("urlclient: request canceled")

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Code)
}

// Permanent reports a client error that retrying will not fix. Timeouts and
// rate limiting are excluded.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a permanent StatusError.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Options are per-request settings.
type Options struct {
	// Headers are "Name: value" lines.
	Headers []string
	// Payload turns the request into a POST.
	Payload []byte
}

// Response is delivered exactly once per request.
type Response struct {
	Data []byte
	Err  error
}

// Callback receives the response on a client goroutine.
type Callback func(Response)

// Handle identifies a started request. The zero Handle is never issued.
type Handle uint64

// Service is the contract tile sources depend on.
type Service interface {
	StartRequest(url string, opts Options, cb Callback) Handle
	CancelRequest(h Handle)
	ActiveRequests() int
	// SetThresholdHook registers fn to run whenever a request finishes and
	// the active count is at or below threshold. A nil fn detaches it.
	SetThresholdHook(threshold int, fn func())
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithWorkers caps the number of concurrent HTTP exchanges. Requests beyond
// it are active but wait for a slot.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = make(chan struct{}, n)
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// Client implements Service over net/http.
type Client struct {
	http      *http.Client
	userAgent string
	workers   chan struct{}
	log       logrus.FieldLogger

	next   atomic.Uint64
	active atomic.Int64

	mu       sync.Mutex
	inflight map[Handle]context.CancelFunc

	hookMu    sync.Mutex
	threshold int
	hook      func()

	bytesDownloaded atomic.Int64
}

// New returns a Client.
func New(opts ...Option) *Client {
	l := logrus.New()
	l.SetOutput(io.Discard)
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		workers:  make(chan struct{}, 8),
		log:      l,
		inflight: make(map[Handle]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartRequest issues the request in the background.
func (c *Client) StartRequest(url string, opts Options, cb Callback) Handle {
	h := Handle(c.next.Add(1))
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.inflight[h] = cancel
	c.mu.Unlock()
	c.active.Add(1)

	go c.run(ctx, h, url, opts, cb)
	return h
}

func (c *Client) run(ctx context.Context, h Handle, url string, opts Options, cb Callback) {
	var resp Response
	select {
	case c.workers <- struct{}{}:
		resp = c.fetch(ctx, url, opts)
		<-c.workers
	case <-ctx.Done():
		resp.Err = ErrCanceled
	}

	c.mu.Lock()
	cancel := c.inflight[h]
	delete(c.inflight, h)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	n := c.active.Add(-1)
	cb(resp)
	c.signal(int(n))
}

func (c *Client) fetch(ctx context.Context, url string, opts Options) Response {
	start := time.Now()
	method := http.MethodGet
	var body io.Reader
	if opts.Payload != nil {
		method = http.MethodPost
		body = bytes.NewReader(opts.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Response{Err: err}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for _, line := range opts.Headers {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{Err: ErrCanceled}
		}
		c.log.WithError(err).Debugf("fetch %s", url)
		return Response{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.log.Debugf("fetch %s, status code: %d", url, res.StatusCode)
		return Response{Err: &StatusError{URL: url, Code: res.StatusCode}}
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Response{Err: ErrCanceled}
		}
		return Response{Err: fmt.Errorf("read %s: %w", url, err)}
	}
	c.bytesDownloaded.Add(int64(len(data)))
	c.log.Debugf("%s, %dms, %.2f kb", url, time.Since(start).Milliseconds(), float32(len(data))/1024.0)
	return Response{Data: data}
}

// CancelRequest aborts a request. Its callback still runs, with ErrCanceled
// unless the response was already complete.
func (c *Client) CancelRequest(h Handle) {
	c.mu.Lock()
	cancel := c.inflight[h]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ActiveRequests is the number of started requests whose callback has not
// run yet.
func (c *Client) ActiveRequests() int {
	return int(c.active.Load())
}

// BytesDownloaded is the total size of successful response bodies.
func (c *Client) BytesDownloaded() int64 {
	return c.bytesDownloaded.Load()
}

// SetThresholdHook implements Service.
func (c *Client) SetThresholdHook(threshold int, fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.threshold = threshold
	c.hook = fn
}

func (c *Client) signal(active int) {
	c.hookMu.Lock()
	fn, threshold := c.hook, c.threshold
	c.hookMu.Unlock()
	if fn != nil && active <= threshold {
		fn()
	}
}
