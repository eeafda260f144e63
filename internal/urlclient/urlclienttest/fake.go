// Package urlclienttest provides an in-memory urlclient.Service for tests.
package urlclienttest

import (
	"net/http"
	"sync"

	"tilecache/internal/urlclient"
)

type request struct {
	handle urlclient.Handle
	url    string
	cb     urlclient.Callback
}

// Fake answers requests from a responder function. Responses are delivered
// on their own goroutine, like the real client. With Hold set, requests
// stay in flight until Release or CancelRequest.
type Fake struct {
	mu        sync.Mutex
	respond   func(url string) urlclient.Response
	hold      bool
	next      urlclient.Handle
	held      []request
	active    int
	requests  []string
	threshold int
	hook      func()
	wg        sync.WaitGroup
}

// New returns a Fake answering every URL with 404.
func New() *Fake {
	return &Fake{
		respond: func(url string) urlclient.Response {
			return urlclient.Response{Err: &urlclient.StatusError{URL: url, Code: http.StatusNotFound}}
		},
	}
}

// Respond sets the responder.
func (f *Fake) Respond(fn func(url string) urlclient.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// Hold keeps new requests in flight until released.
func (f *Fake) Hold(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}

// StartRequest implements urlclient.Service.
func (f *Fake) StartRequest(url string, _ urlclient.Options, cb urlclient.Callback) urlclient.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	r := request{handle: f.next, url: url, cb: cb}
	f.requests = append(f.requests, url)
	f.active++
	if f.hold {
		f.held = append(f.held, r)
		return r.handle
	}
	f.deliver(r, f.respond(url))
	return r.handle
}

// deliver must be called with f.mu held.
func (f *Fake) deliver(r request, resp urlclient.Response) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.mu.Lock()
		f.active--
		n, threshold, hook := f.active, f.threshold, f.hook
		f.mu.Unlock()
		r.cb(resp)
		if hook != nil && n <= threshold {
			hook()
		}
	}()
}

// Release answers up to n held requests in FIFO order and returns how many
// were released.
func (f *Fake) Release(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.held) {
		n = len(f.held)
	}
	for _, r := range f.held[:n] {
		f.deliver(r, f.respond(r.url))
	}
	f.held = f.held[n:]
	return n
}

// CancelRequest implements urlclient.Service.
func (f *Fake) CancelRequest(h urlclient.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.held {
		if r.handle == h {
			f.held = append(f.held[:i], f.held[i+1:]...)
			f.deliver(r, urlclient.Response{Err: urlclient.ErrCanceled})
			return
		}
	}
}

// ActiveRequests implements urlclient.Service.
func (f *Fake) ActiveRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// SetThresholdHook implements urlclient.Service.
func (f *Fake) SetThresholdHook(threshold int, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = threshold
	f.hook = fn
}

// Requests returns every URL requested so far.
func (f *Fake) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Held is the number of requests waiting for Release.
func (f *Fake) Held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// Wait blocks until every delivered callback has returned.
func (f *Fake) Wait() {
	f.wg.Wait()
}

var _ urlclient.Service = (*Fake)(nil)
