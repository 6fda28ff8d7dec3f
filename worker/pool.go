package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// ErrPoolStopped is returned by Submit after Stop has been called.
var ErrPoolStopped = errors.New("worker: pool stopped")

// Pool manages a bounded set of goroutines that run submitted execution
// work. The engine submits workflow advancement functions; the trigger
// gateway submits resume and start work. Work queued but not yet picked
// up when the pool stops is simply dropped: the executions it would
// have advanced stay in their persisted status and are recovered by the
// restart sweep.
type Pool struct {
	concurrency int
	depth       int
	limiter     *rate.Limiter
	logger      *slog.Logger

	work    chan func(context.Context)
	stopCh  chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running bool
	stopped bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueueDepth sets the buffered capacity of the work queue. Submit
// blocks once the queue is full.
func WithQueueDepth(n int) PoolOption {
	return func(p *Pool) { p.depth = n }
}

// WithRateLimit caps how fast workers pick up new work. A zero-value
// pool runs unthrottled.
func WithRateLimit(r rate.Limit, burst int) PoolOption {
	return func(p *Pool) { p.limiter = rate.NewLimiter(r, burst) }
}

// NewPool creates a worker pool.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		concurrency: 10,
		depth:       64,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.work = make(chan func(context.Context), p.depth)
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.baseCtx, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Int("queue_depth", p.depth),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.runLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight work to
// finish. If the context has a deadline, still-running work is
// cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling in-flight work")
		p.cancel()
		p.wg.Wait()
	}
	p.cancel()

	return nil
}

// Submit queues fn for execution. It blocks while the queue is full and
// fails once the pool has stopped or ctx expires.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPoolStopped
	}

	select {
	case p.work <- fn:
		return nil
	case <-p.stopCh:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case fn := <-p.work:
			if p.limiter != nil {
				if err := p.limiter.Wait(p.baseCtx); err != nil {
					return
				}
			}
			fn(p.baseCtx)
		}
	}
}
