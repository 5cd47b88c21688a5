package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Crawler walks hypertext directory listings breadth-first from a base URL.
type Crawler struct {
	lister Lister
	scope  *Scope

	// Limit caps the number of yielded files. Zero means DefaultLimit.
	Limit int
	// Workers is the number of concurrent listing requests. Zero means one.
	Workers int
	// Timeout bounds a single listing request.
	Timeout time.Duration
}

// NewCrawler creates a crawler scoped to base, which must be an absolute URL
// of a directory (a trailing slash is added when missing).
func NewCrawler(lister Lister, base string) (*Crawler, error) {
	scope, err := NewScope(base)
	if err != nil {
		return nil, err
	}
	if !scope.Absolute() {
		return nil, fmt.Errorf("base %q must be an absolute URL", base)
	}

	return &Crawler{
		lister: lister,
		scope:  scope,
	}, nil
}

// Base returns the normalized scope URL.
func (c *Crawler) Base() string {
	return c.scope.Base()
}

// Scope returns the boundary the crawler stays inside.
func (c *Crawler) Scope() *Scope {
	return c.scope
}

// Normalize resolves loc against the base and returns its canonical form,
// and whether it lies inside the scope.
func (c *Crawler) Normalize(loc string) (string, bool) {
	return c.scope.Normalize(loc)
}

// Discover implements Source.
func (c *Crawler) Discover(ctx context.Context, fn func(location string) error) error {
	limit := c.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	f := newFrontier()
	stop := context.AfterFunc(gctx, f.close)
	defer stop()

	f.push(c.scope.Base())

	var (
		emitMu    sync.Mutex
		yielded   int
		seenFiles = make(map[string]struct{})
	)
	emit := func(loc string) error {
		emitMu.Lock()
		defer emitMu.Unlock()
		if yielded >= limit {
			return nil
		}
		if _, ok := seenFiles[loc]; ok {
			return nil
		}
		seenFiles[loc] = struct{}{}
		yielded++
		metrics.FilesDiscovered.Inc()
		if err := fn(loc); err != nil {
			return err
		}
		if yielded >= limit {
			log.Warn().Int("limit", limit).Str("base", c.scope.Base()).Msg("Discovery limit reached")
			f.close()
		}
		return nil
	}

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				dir, ok := f.pop()
				if !ok {
					return nil
				}
				err := c.visit(gctx, dir, f, emit)
				f.done()
				if err != nil {
					return err
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Crawler) visit(ctx context.Context, dir string, f *frontier, emit func(string) error) error {
	listCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	listing, err := c.lister.List(listCtx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		metrics.DirectoriesListed.WithLabelValues("error").Inc()
		log.Warn().Err(&ListError{Location: dir, Err: err}).Str("location", dir).Msg("Skipping directory")
		return nil
	}
	metrics.DirectoriesListed.WithLabelValues("ok").Inc()

	for _, d := range listing.Dirs {
		if n, ok := c.Normalize(d); ok {
			f.push(n)
		}
	}
	for _, file := range listing.Files {
		n, ok := c.Normalize(file)
		if !ok || strings.HasSuffix(n, "/") || !Includable(n) {
			continue
		}
		if err := emit(n); err != nil {
			return err
		}
	}
	return nil
}

// frontier is a FIFO queue of directories with a visited set, shared by
// crawl workers.
type frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	seen     map[string]struct{}
	inFlight int
	closed   bool
}

func newFrontier() *frontier {
	f := &frontier{seen: make(map[string]struct{})}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// push enqueues loc unless it was already visited or queued.
func (f *frontier) push(loc string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if _, ok := f.seen[loc]; ok {
		return false
	}
	f.seen[loc] = struct{}{}
	f.queue = append(f.queue, loc)
	f.cond.Signal()
	return true
}

// pop blocks until a directory is available, or returns false once the
// queue is drained with nothing in flight, or the frontier is closed.
func (f *frontier) pop() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.queue) == 0 && f.inFlight > 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed || len(f.queue) == 0 {
		f.closed = true
		f.cond.Broadcast()
		return "", false
	}

	loc := f.queue[0]
	f.queue = f.queue[1:]
	f.inFlight++
	return loc, true
}

func (f *frontier) done() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inFlight--
	if f.inFlight == 0 && len(f.queue) == 0 {
		f.cond.Broadcast()
	}
}

func (f *frontier) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.cond.Broadcast()
}

