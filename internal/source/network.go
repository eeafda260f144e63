package source

import (
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"tilecache/internal/tile"
	"tilecache/internal/urlclient"
)

// ErrNoURL completes a task whose URL could not be built.
var ErrNoURL = errors.New("source: no url for tile")

// URLFunc resolves a "function" template for a tile.
type URLFunc func(t tile.ID) string

// NetworkOption configures a NetworkSource.
type NetworkOption func(*NetworkSource)

// WithURLOptions sets subdomains, TMS rows, headers and payload.
func WithURLOptions(o tile.URLOptions) NetworkOption {
	return func(n *NetworkSource) { n.opts = o }
}

// WithURLFunc sets the resolver used for "function" templates.
func WithURLFunc(fn URLFunc) NetworkOption {
	return func(n *NetworkSource) { n.urlFunc = fn }
}

// WithNetworkLogger sets the logger.
func WithNetworkLogger(l logrus.FieldLogger) NetworkOption {
	return func(n *NetworkSource) { n.log = l }
}

// NetworkSource fetches tiles through the URL-request service. It is the
// last link of a chain.
type NetworkSource struct {
	Link
	name     string
	template string
	urls     urlclient.Service
	opts     tile.URLOptions
	urlFunc  URLFunc
	log      logrus.FieldLogger

	mu        sync.Mutex
	subdomain int
}

// NewNetworkSource returns a source expanding template for each tile.
func NewNetworkSource(name, template string, urls urlclient.Service, opts ...NetworkOption) *NetworkSource {
	n := &NetworkSource{
		name:     name,
		template: template,
		urls:     urls,
		log:      discardLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.WithField("source", name)
	return n
}

// Template returns the URL template.
func (n *NetworkSource) Template() string { return n.template }

// URL builds the request URL for t. A function template is resolved
// first and its result expanded like any template. Every call advances the
// subdomain rotation when subdomains are configured.
func (n *NetworkSource) URL(t tile.ID) string {
	tmpl := n.template
	if tile.IsFunction(tmpl) {
		if n.urlFunc == nil {
			return ""
		}
		if tmpl = n.urlFunc(t); tmpl == "" {
			return ""
		}
	}
	sub := -1
	if len(n.opts.Subdomains) > 0 {
		n.mu.Lock()
		sub = n.subdomain
		n.subdomain = (n.subdomain + 1) % len(n.opts.Subdomains)
		n.mu.Unlock()
	}
	return tile.BuildURL(tmpl, t, n.opts, sub)
}

// LoadTile implements DataSource. Empty bodies are misses.
func (n *NetworkSource) LoadTile(t *Task, done Done) {
	if t.Canceled() {
		done(t)
		return
	}
	url := n.URL(t.ID())
	if url == "" {
		t.SetErr(ErrNoURL)
		done(t)
		return
	}
	log := n.log.WithField("tile", t.ID())
	h := n.urls.StartRequest(url, urlclient.Options{Headers: n.opts.Headers, Payload: n.opts.Payload},
		func(r urlclient.Response) {
			t.clearHandle()
			switch {
			case r.Err != nil:
				if !errors.Is(r.Err, urlclient.ErrCanceled) {
					log.WithError(r.Err).Debug("fetch failed")
				}
				t.SetErr(r.Err)
			case len(r.Data) == 0:
				log.Debug("empty tile")
			default:
				t.SetErr(nil)
				t.SetData(r.Data)
			}
			done(t)
		})
	t.setHandle(h)
	if t.Canceled() {
		n.urls.CancelRequest(h)
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
