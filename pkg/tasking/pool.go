// Package tasking runs work for the frame buffer and the load balancers: a
// long-lived worker pool for incoming tile messages and a bounded parallel
// loop for rendering tiles.
package tasking

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool executes scheduled functions on a fixed set of workers.
type Pool struct {
	tasks      chan func()
	numWorkers int
	wg         sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a pool; numWorkers <= 0 means one worker per CPU.
func NewPool(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &Pool{
		tasks:      make(chan func(), numWorkers*64),
		numWorkers: numWorkers,
	}
}

// Start begins all workers.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.numWorkers; i++ {
			p.wg.Add(1)
			go p.run()
		}
	})
}

// Stop drains queued tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}

// Schedule queues fn. It blocks only while the queue is full.
func (p *Pool) Schedule(fn func()) {
	p.tasks <- fn
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

func (p *Pool) run() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// ParallelFor calls fn for every i in [0, n) with at most limit calls in
// flight (limit <= 0 means one per CPU). The first error cancels the context
// passed to the remaining calls and is returned.
func ParallelFor(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
