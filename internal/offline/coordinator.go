package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"tilecache/internal/mbtiles"
	"tilecache/internal/urlclient"
	"tilecache/internal/worker"
)

// Result is the outcome of a job, delivered on the main queue.
type Result struct {
	JobID    int64
	Canceled bool
	// Err collects downloaders that could not be started.
	Err        error
	BytesAdded int64
}

// State is where a job stands in the coordinator.
type State int

const (
	// StateUnknown is a job the coordinator does not hold: never queued,
	// finished or removed.
	StateUnknown State = iota
	// StatePending is a queued job waiting for the one ahead of it.
	StatePending
	// StateDownloading is the running job.
	StateDownloading
	// StateCanceling is the running job after Cancel, until its
	// downloaders drain.
	StateCanceling
)

// Status is the progress of one job.
type Status struct {
	State      State
	Downloaded int
	Total      int
}

func (s Status) String() string {
	switch s.State {
	case StatePending:
		return "Download pending"
	case StateCanceling:
		return "Canceling..."
	case StateDownloading:
		return fmt.Sprintf("%d/%d tiles downloaded", s.Downloaded, s.Total)
	}
	return ""
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrent sets the URL request budget. The default is 4.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithMaxPending caps the tiles in flight across the head job's
// downloaders, store hits included. Zero disables the cap.
func WithMaxPending(n int) Option {
	return func(c *Coordinator) { c.maxPending = n }
}

// WithIndexer sets the search hook.
func WithIndexer(ix Indexer) Option {
	return func(c *Coordinator) { c.indexer = ix }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMainQueue runs callbacks on q instead of a private queue.
func WithMainQueue(q *worker.Queue) Option {
	return func(c *Coordinator) { c.main = q }
}

// WithCompletion sets the job completion callback.
func WithCompletion(fn func(Result)) Option {
	return func(c *Coordinator) { c.onComplete = fn }
}

// WithProgress is called on the main queue after each tile completes.
func WithProgress(fn func(jobID int64)) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// WithStorage is called on the main queue with the pinned bytes each
// downloader added.
func WithStorage(fn func(bytes int64)) Option {
	return func(c *Coordinator) { c.onStorage = fn }
}

// Coordinator runs queued jobs one at a time on its own goroutine. It is
// woken by tile completions and by the URL service dropping below the
// request budget.
type Coordinator struct {
	pool          *mbtiles.Pool
	urls          urlclient.Service
	indexer       Indexer
	log           logrus.FieldLogger
	main          *worker.Queue
	ownMain       bool
	maxConcurrent int
	maxPending    int
	onComplete    func(Result)
	onProgress    func(int64)
	onStorage     func(int64)

	sem       chan struct{}
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu          sync.Mutex
	jobs        []*Job
	active      bool
	downloaders []*Downloader
	drained     int
	jobTotal    int
	jobErr      error
	bytesAdded  int64
}

// NewCoordinator returns a stopped coordinator.
func NewCoordinator(pool *mbtiles.Pool, urls urlclient.Service, opts ...Option) *Coordinator {
	l := logrus.New()
	l.SetOutput(io.Discard)
	c := &Coordinator{
		pool:          pool,
		urls:          urls,
		log:           l,
		maxConcurrent: 4,
		sem:           make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.main == nil {
		c.main = worker.New()
		c.ownMain = true
	}
	return c
}

// Start launches the worker goroutine.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		go c.run()
		c.post()
	})
}

// Stop halts the worker and abandons the running job without completing
// it, so it is resumed on the next start.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.startOnce.Do(func() { close(c.done) })
		<-c.done

		c.mu.Lock()
		c.urls.SetThresholdHook(0, nil)
		for _, d := range c.downloaders {
			d.Cancel()
			d.Close()
		}
		c.downloaders = nil
		c.active = false
		c.mu.Unlock()

		if c.ownMain {
			c.main.Close()
		}
	})
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case <-c.sem:
			c.step()
		}
	}
}

// post wakes the worker. It never blocks.
func (c *Coordinator) post() {
	select {
	case c.sem <- struct{}{}:
	default:
	}
}

// Queue appends a job.
func (c *Coordinator) Queue(job Job) {
	c.mu.Lock()
	j := job
	c.jobs = append(c.jobs, &j)
	c.urls.SetThresholdHook(c.maxConcurrent-1, c.post)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"region": job.ID, "sources": len(job.Sources)}).Info("job queued")
	c.post()
}

// Cancel stops job id and returns the state it was in. A pending job is
// removed and its completion callback never runs. The running job is
// canceled and completes with Canceled set.
func (c *Coordinator) Cancel(id int64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, j := range c.jobs {
		if j.ID != id {
			continue
		}
		if i == 0 && c.active {
			if j.canceled {
				return StateCanceling
			}
			j.canceled = true
			for _, d := range c.downloaders {
				d.Cancel()
			}
			c.log.WithField("region", id).Info("canceling job")
			c.post()
			return StateDownloading
		}
		c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
		c.log.WithField("region", id).Info("job removed from queue")
		return StatePending
	}
	return StateUnknown
}

// Status reports the progress of job id.
func (c *Coordinator) Status(id int64) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, j := range c.jobs {
		if j.ID != id {
			continue
		}
		if i > 0 || !c.active {
			return Status{State: StatePending}
		}
		if j.canceled {
			return Status{State: StateCanceling}
		}
		s := Status{State: StateDownloading, Downloaded: c.drained, Total: c.jobTotal}
		for _, d := range c.downloaders {
			s.Downloaded += d.Total() - d.Remaining()
		}
		return s
	}
	return Status{}
}

// Pending is the number of queued jobs, the running one included.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *Coordinator) budget() int {
	n := c.maxConcurrent - c.urls.ActiveRequests()
	if c.maxPending > 0 {
		inFlight := 0
		for _, d := range c.downloaders {
			inFlight += d.Pending()
		}
		n = min(n, c.maxPending-inFlight)
	}
	return n
}

func (c *Coordinator) step() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.jobs) > 0 {
		job := c.jobs[0]
		if !c.active {
			c.startJob(job)
		}

		for len(c.downloaders) > 0 {
			d := c.downloaders[len(c.downloaders)-1]
			nreq := c.budget()
			for nreq > 0 && d.FetchNext() {
				nreq--
			}
			if nreq <= 0 || d.Remaining() > 0 {
				return
			}
			added := d.Close()
			c.drained += d.Total()
			c.bytesAdded += added
			if c.onStorage != nil {
				c.main.Post(func() { c.onStorage(added) })
			}
			c.downloaders = c.downloaders[:len(c.downloaders)-1]
		}

		res := Result{JobID: job.ID, Canceled: job.canceled, Err: c.jobErr, BytesAdded: c.bytesAdded}
		c.jobs = c.jobs[1:]
		c.active = false
		c.jobErr = nil
		c.bytesAdded = 0
		c.log.WithFields(logrus.Fields{"region": res.JobID, "canceled": res.Canceled, "bytes": res.BytesAdded}).
			Info("job completed")
		if c.onComplete != nil {
			c.main.Post(func() { c.onComplete(res) })
		}
	}
	c.urls.SetThresholdHook(0, nil)
}

// startJob builds one downloader per source. Must be called with c.mu held.
func (c *Coordinator) startJob(job *Job) {
	c.active = true
	c.drained = 0
	c.jobTotal = 0
	deps := downloaderDeps{
		pool:    c.pool,
		urls:    c.urls,
		indexer: c.indexer,
		signal:  c.post,
		log:     c.log,
	}
	if c.onProgress != nil {
		id := job.ID
		deps.progress = func() { c.main.Post(func() { c.onProgress(id) }) }
	}
	var errs []error
	for _, src := range job.Sources {
		d, err := newDownloader(context.Background(), job, src, deps)
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"region": job.ID, "source": src.Name}).
				Error("starting downloader")
			errs = append(errs, err)
			continue
		}
		c.jobTotal += d.Total()
		c.downloaders = append(c.downloaders, d)
	}
	c.jobErr = errors.Join(errs...)
}
