package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work handed to the pool.
type Task[T any] struct {
	ID      string
	Payload T
}

// Result is what a worker reports back for a Task.
type Result[R any] struct {
	ID       string
	Value    R
	Err      error
	Duration time.Duration
}

// Batch is the outcome of Collect: every result that arrived before the
// deadline plus the IDs that never reported.
type Batch[R any] struct {
	Results      []Result[R]
	Unresponsive []string
}

// ProcessorFunc computes the result for one payload.
type ProcessorFunc[T, R any] func(ctx context.Context, payload T) (R, error)

// Options holds configuration for creating a new worker pool
type Options[T, R any] struct {
	Workers int
	// QueueSize bounds the job and result channels. Sizing it to the number of
	// tasks keeps workers from ever blocking on a send.
	QueueSize int
	Processor ProcessorFunc[T, R]
	Logger    *slog.Logger
}

// Pool runs a fixed set of goroutine workers fed from a task channel.
// Workers share nothing but the two channels.
type Pool[T, R any] struct {
	jobs     chan Task[T]
	results  chan Result[R]
	workers  int
	shutdown chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	group    *errgroup.Group
	process  ProcessorFunc[T, R]
	log      *slog.Logger
}

// New creates a new worker pool and starts its workers.
func New[T, R any](opts Options[T, R]) *Pool[T, R] {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool[T, R]{
		jobs:     make(chan Task[T], opts.QueueSize),
		results:  make(chan Result[R], opts.QueueSize),
		workers:  opts.Workers,
		shutdown: make(chan struct{}),
		cancel:   cancel,
		group:    g,
		process:  opts.Processor,
		log:      opts.Logger,
	}
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error { return p.worker(gctx, id) })
	}
	p.log.Debug("worker pool started", "workers", p.workers, "queue", opts.QueueSize)
	return p
}

func (p *Pool[T, R]) worker(ctx context.Context, id int) error {
	for {
		select {
		case task := <-p.jobs:
			res := p.run(ctx, task)
			select {
			case p.results <- res:
			case <-p.shutdown:
				return nil
			}
		case <-p.shutdown:
			return nil
		}
	}
}

// run calls the processor and turns a panic into an error result.
func (p *Pool[T, R]) run(ctx context.Context, task Task[T]) (res Result[R]) {
	start := time.Now()
	res.ID = task.ID
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
		res.Duration = time.Since(start)
	}()
	res.Value, res.Err = p.process(ctx, task.Payload)
	return res
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool[T, R]) Submit(ctx context.Context, task Task[T]) error {
	select {
	case p.jobs <- task:
		return nil
	default:
	}
	p.log.Warn("worker pool queue full, task delayed", "task", task.ID)
	select {
	case p.jobs <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shutdown:
		return fmt.Errorf("submit %s: pool is shut down", task.ID)
	}
}

// Collect reads results until every id in want has reported or ctx is done.
// Results already received are never lost; IDs still outstanding are returned
// as Unresponsive in the order of want.
func (p *Pool[T, R]) Collect(ctx context.Context, want []string) Batch[R] {
	pending := make(map[string]bool, len(want))
	for _, id := range want {
		pending[id] = true
	}
	var b Batch[R]
	for len(pending) > 0 {
		select {
		case res := <-p.results:
			if !pending[res.ID] {
				p.log.Warn("dropping result for unknown task", "task", res.ID)
				continue
			}
			delete(pending, res.ID)
			b.Results = append(b.Results, res)
		case <-ctx.Done():
			for _, id := range want {
				if pending[id] {
					b.Unresponsive = append(b.Unresponsive, id)
				}
			}
			return b
		}
	}
	return b
}

// Shutdown stops the workers and cancels the context handed to processors.
// It waits for workers to exit until ctx is done; a processor that ignores
// cancellation is abandoned rather than waited on.
func (p *Pool[T, R]) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.shutdown)
		p.cancel()
	})

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		p.log.Debug("worker pool shutdown complete")
		return err
	case <-ctx.Done():
		p.log.Warn("worker pool shutdown timed out, abandoning busy workers")
		return ctx.Err()
	}
}
