package source

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DataSource is one link of a chain.
type DataSource interface {
	// LoadTile resolves the task and calls done exactly once, possibly on
	// another goroutine.
	LoadTile(t *Task, done Done)
	link() *Link
}

// Link holds a source's position in its chain. Sources embed it.
type Link struct {
	level int
	next  DataSource
}

func (l *Link) link() *Link { return l }

// Level is the index of the source in its chain.
func (l *Link) Level() int { return l.level }

// Next returns the following source, nil for the last one.
func (l *Link) Next() DataSource { return l.next }

// Delegate hands the task to the next source and reports whether there was
// one. The task's raw source moves past this link so it is never seen twice.
func (l *Link) Delegate(t *Task, done Done) bool {
	if l.next == nil {
		return false
	}
	t.setRawSource(l.next.link().level)
	l.next.LoadTile(t, done)
	return true
}

// Chain is an ordered list of sources, first consulted first.
type Chain struct {
	sources []DataSource
	log     logrus.FieldLogger
}

// NewChain links the non-nil sources in order.
func NewChain(log logrus.FieldLogger, sources ...DataSource) *Chain {
	c := &Chain{log: log}
	for _, s := range sources {
		if s == nil {
			continue
		}
		if n := len(c.sources); n > 0 {
			c.sources[n-1].link().next = s
		}
		s.link().level = len(c.sources)
		c.sources = append(c.sources, s)
	}
	return c
}

// Len is the number of links.
func (c *Chain) Len() int { return len(c.sources) }

// Load submits the task to the source named by its raw source. done runs
// exactly once, after the task is marked finished.
func (c *Chain) Load(t *Task, done Done) {
	var once sync.Once
	finish := func(t *Task) {
		fired := false
		once.Do(func() {
			fired = true
			t.finish()
			done(t)
		})
		if !fired {
			c.log.WithField("tile", t.ID()).Error("tile task completed twice")
		}
	}

	level := t.RawSource()
	if t.Canceled() || level >= len(c.sources) {
		finish(t)
		return
	}
	c.sources[level].LoadTile(t, finish)
}
