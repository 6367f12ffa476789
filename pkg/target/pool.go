package target

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/gridtest/gridtest/pkg/engine"
)

// Pool runs assignments on a fixed set of worker goroutines. Submissions
// append to an internal queue and never block, so the pool can absorb more
// work than it has workers; IsIdle reports false once queued plus in-flight
// work reaches the worker count, which keeps the scheduler from piling a
// backlog onto one target while others sit idle.
type Pool struct {
	base
	concurrency int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []assignment
	inFlight int
	started  bool
	stopping bool

	responses chan<- *engine.Result
	wg        sync.WaitGroup
}

// NewPool creates a pool target with the given number of workers.
func NewPool(name, group string, concurrency int, db engine.Database, provider engine.Provider, opts ...Option) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		base: base{
			name:     name,
			group:    group,
			db:       db,
			provider: provider,
			logger:   zerolog.Nop(),
		},
		concurrency: concurrency,
	}
	for _, opt := range opts {
		opt(&p.base)
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// IsIdle reports whether the pool can accept another assignment without
// queueing it behind existing work.
func (p *Pool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopping && p.inFlight+len(p.queue) < p.concurrency
}

// Start launches the worker goroutines.
func (p *Pool) Start(responses chan<- *engine.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return engine.NewConflictError("target already started", nil).
			WithOperation("start")
	}

	p.started = true
	p.stopping = false
	p.responses = responses

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.worker(i)
	}

	p.logger.Debug().
		Str("target", p.name).
		Int("concurrency", p.concurrency).
		Msg("target started")
	return nil
}

// RunTest enqueues one test execution.
func (p *Pool) RunTest(desc *engine.Descriptor, tctx engine.Context) error {
	return p.enqueue(assignment{
		kind: engine.KindTest,
		id:   desc.ID,
		desc: desc,
		tctx: tctx,
	})
}

// SetUpResource enqueues the setup action of a resource.
func (p *Pool) SetUpResource(id string, tctx engine.Context) error {
	return p.enqueue(assignment{
		kind: engine.KindResourceSetup,
		id:   id,
		tctx: tctx,
	})
}

// CleanUpResource enqueues the cleanup action of a resource.
func (p *Pool) CleanUpResource(id string, tctx engine.Context) error {
	return p.enqueue(assignment{
		kind: engine.KindResourceCleanup,
		id:   id,
		tctx: tctx,
	})
}

func (p *Pool) enqueue(a assignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopping {
		return engine.NewConflictError("target is not accepting work", nil).
			WithCode(engine.ErrCodeTargetStopped).
			WithUnit(a.id).
			WithOperation(string(a.kind))
	}

	p.queue = append(p.queue, a)
	p.cond.Signal()
	return nil
}

// Stop drains the queue, joins the workers, and leaves the pool stopped.
// Every assignment accepted before Stop still produces its result.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return engine.NewConflictError("target not started", nil).
			WithOperation("stop")
	}
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	p.logger.Debug().Str("target", p.name).Msg("target stopped")
	return nil
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		a := p.queue[0]
		p.queue = p.queue[1:]
		p.inFlight++
		p.mu.Unlock()

		res := p.execute(a)

		// Drop in-flight accounting before publishing the result, so the
		// engine observing the result already sees the freed capacity.
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()

		p.logger.Debug().
			Str("target", p.name).
			Int("worker", n).
			Str("unit_id", a.id).
			Str("outcome", string(res.Outcome)).
			Msg("assignment completed")
		p.responses <- res
	}
}
