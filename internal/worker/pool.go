// Package worker provides the bounded, cancellable pool that runs the
// processing pipeline's per-tile color-transform jobs off the render
// thread.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a single unit of work submitted to the pool. Concrete jobs (stain
// normalization, enhancement, sharpening) live in the processing package.
type Job interface {
	// ID uniquely identifies this job so a caller can cancel it before it
	// runs, and so the pool can de-duplicate a cancellation that arrives
	// for a job never submitted (a viewport that moved on and back).
	ID() string
	// Run performs the work. It should check ctx.Done() if it's long
	// enough to meaningfully abort partway through.
	Run(ctx context.Context) (any, error)
}

// Result is delivered once per submitted Job.
type Result struct {
	JobID     string
	Value     any
	Err       error
	Cancelled bool
	Elapsed   time.Duration
}

// OnResult receives every job's outcome. Called from a pool worker
// goroutine, never concurrently with itself for the same job.
type OnResult func(Result)

// Config configures a Pool.
type Config struct {
	// MaxWorkers bounds the number of goroutines ever running concurrently.
	// It is the hard ceiling; Concurrency (see SetConcurrency) further
	// throttles beneath it at runtime.
	MaxWorkers int
	OnResult   OnResult
	Logger     *slog.Logger
	// CancelledTTL bounds how long a cancellation recorded for a job ID
	// that was never submitted (or whose result already delivered) is
	// remembered before being swept, so the cancelled-id set doesn't grow
	// without bound across a long session. Default 30s.
	CancelledTTL time.Duration
}

// Pool is a fixed-size worker pool with a runtime-adjustable concurrency
// ceiling and cooperative per-job cancellation, generalized from a
// batch-oriented generate-all-tasks-then-return pool into one that accepts
// jobs continuously as tiles decode.
type Pool struct {
	jobs chan Job

	mu         sync.Mutex
	cond       *sync.Cond
	limit      int
	maxWorkers int
	inFlight   int
	cancelled  map[string]time.Time
	running    map[string]context.CancelFunc

	logger       *slog.Logger
	onResult     OnResult
	cancelledTTL time.Duration

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// New creates and starts a Pool with MaxWorkers persistent goroutines.
// Concurrency starts equal to MaxWorkers; call SetConcurrency to throttle.
func New(cfg Config) *Pool {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CancelledTTL <= 0 {
		cfg.CancelledTTL = 30 * time.Second
	}

	p := &Pool{
		jobs:         make(chan Job, workers*4),
		limit:        workers,
		maxWorkers:   workers,
		cancelled:    make(map[string]time.Time),
		running:      make(map[string]context.CancelFunc),
		logger:       cfg.Logger,
		onResult:     cfg.OnResult,
		cancelledTTL: cfg.CancelledTTL,
		stopSweep:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	go p.sweepLoop()

	return p
}

// Submit enqueues a job. It blocks only if the internal buffer (4x
// MaxWorkers) is full, which signals the caller is producing jobs faster
// than the pool, throttled or not, can ever drain.
func (p *Pool) Submit(j Job) {
	p.jobs <- j
}

// Cancel marks a job ID as cancelled. If the job hasn't started running
// yet, it is skipped when its turn comes and reported with Cancelled=true.
// If it has already started, its Run context is cancelled immediately so
// Run's ctx.Done()/ctx.Err() checks between stages can abort it mid-flight.
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	p.cancelled[id] = time.Now()
	if cancel, ok := p.running[id]; ok {
		cancel()
	}
	p.mu.Unlock()
}

// MaxWorkers returns the pool's fixed goroutine count, so a caller that
// throttles concurrency down (see SetConcurrency) knows what to restore.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// Concurrency returns the current live concurrency ceiling set by
// SetConcurrency.
func (p *Pool) Concurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// SetConcurrency adjusts the live concurrency ceiling (<= MaxWorkers in
// practice, though this isn't enforced — the number of persistent
// goroutines is the real hard ceiling). The renderer halves this during
// active zoom and restores it 100-150ms after zoom settles, per §5.
func (p *Pool) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.limit = n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close stops accepting new jobs and waits for in-flight jobs to drain.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
	close(p.stopSweep)
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.acquire()
		p.execute(j)
		p.release()
	}
}

// acquire blocks until inFlight < limit, so SetConcurrency(n) takes effect
// immediately for jobs not yet started without tearing down goroutines.
func (p *Pool) acquire() {
	p.mu.Lock()
	for p.inFlight >= p.limit {
		p.cond.Wait()
	}
	p.inFlight++
	p.mu.Unlock()
}

func (p *Pool) release() {
	p.mu.Lock()
	p.inFlight--
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) execute(j Job) {
	id := j.ID()

	p.mu.Lock()
	_, cancelled := p.cancelled[id]
	if cancelled {
		delete(p.cancelled, id)
	}
	p.mu.Unlock()

	if cancelled {
		p.deliver(Result{JobID: id, Cancelled: true})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.running[id] = cancel
	p.mu.Unlock()

	start := time.Now()
	value, err := j.Run(ctx)

	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
	cancel()

	p.deliver(Result{JobID: id, Value: value, Err: err, Cancelled: ctx.Err() != nil, Elapsed: time.Since(start)})
}

func (p *Pool) deliver(r Result) {
	if p.onResult != nil {
		p.onResult(r)
	}
}

// sweepLoop periodically discards cancellation markers older than
// cancelledTTL, for job IDs that were cancelled before ever being
// submitted (or whose submission was itself abandoned).
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cancelledTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			for id, t := range p.cancelled {
				if now.Sub(t) > p.cancelledTTL {
					delete(p.cancelled, id)
				}
			}
			p.mu.Unlock()
		}
	}
}
