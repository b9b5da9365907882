// Package worker provides a generic parallel task pool. It backs concurrent
// source opening during config resolution, with a
// channel-feeder/result-collector/progress-callback shape whose unit of
// work is "open one source".
package worker

import (
	"context"
	"sync"
	"time"
)

// Opener opens one source spec into a ready handle. The implementation in
// use is internal/config's openSpec, which dispatches on Spec.Kind to each
// backend's open function behind a single signature so the pool can drive
// them all the same way.
type Opener interface {
	Open(ctx context.Context, spec Spec) (handle any, err error)
}

// OpenerFunc adapts a plain function to the Opener interface.
type OpenerFunc func(ctx context.Context, spec Spec) (any, error)

func (f OpenerFunc) Open(ctx context.Context, spec Spec) (any, error) { return f(ctx, spec) }

// Spec describes one source to be opened: an opaque config entry plus the
// display name and internal unique key it was declared under.
type Spec struct {
	Kind   string // "mbtiles", "pmtiles", "postgis-table", "postgis-function", "cog", "geojson"
	Name   string // requested display id
	Key    string // internal unique key (path, schema.table, ...)
	Config any    // backend-specific config payload
}

// Task is a single unit of work: open one source spec.
type Task struct {
	Spec Spec
}

// Result is the outcome of opening one source.
type Result struct {
	Task    Task
	Handle  any
	Err     error
	Elapsed time.Duration
}

// ProgressFunc is called after each task completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the worker pool.
type Config struct {
	Workers    int
	Opener     Opener
	OnProgress ProgressFunc
}

// Pool drives Opener.Open over a batch of Spec tasks with bounded
// concurrency, so slow backends (a cold object store, a remote database)
// don't serialize startup behind each other.
type Pool struct {
	workers    int
	opener     Opener
	onProgress ProgressFunc
}

// New creates a new worker pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Pool{
		workers:    workers,
		opener:     cfg.Opener,
		onProgress: cfg.OnProgress,
	}
}

// Run opens every task and returns results. Tasks are processed in parallel
// by the configured number of workers. The function blocks until all tasks
// complete or the context is cancelled.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	taskCh := make(chan Task, len(tasks))
	resultCh := make(chan Result, len(tasks))

	var (
		completed int
		failed    int
		mu        sync.Mutex
	)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	go func() {
	feed:
		for _, task := range tasks {
			select {
			case taskCh <- task:
			case <-ctx.Done():
				break feed
			}
		}
		close(taskCh)
	}()

	results := make([]Result, 0, len(tasks))
	done := make(chan struct{})

	go func() {
		for result := range resultCh {
			results = append(results, result)

			mu.Lock()
			completed++
			if result.Err != nil {
				failed++
			}
			c, f := completed, failed
			mu.Unlock()

			if p.onProgress != nil {
				p.onProgress(c, len(tasks), f)
			}
		}
		close(done)
	}()

	wg.Wait()
	close(resultCh)
	<-done

	return results
}

func (p *Pool) worker(ctx context.Context, tasks <-chan Task, results chan<- Result) {
	for task := range tasks {
		select {
		case <-ctx.Done():
			results <- Result{Task: task, Err: ctx.Err()}
			continue
		default:
		}

		start := time.Now()
		handle, err := p.opener.Open(ctx, task.Spec)
		elapsed := time.Since(start)

		results <- Result{Task: task, Handle: handle, Err: err, Elapsed: elapsed}
	}
}
