package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// mockOpener simulates opening a source backend for testing.
type mockOpener struct {
	delay     time.Duration
	failKeys  map[string]bool
	callCount atomic.Int32
}

func (m *mockOpener) Open(ctx context.Context, spec Spec) (any, error) {
	m.callCount.Add(1)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}

	if m.failKeys != nil && m.failKeys[spec.Key] {
		return nil, errors.New("simulated open failure")
	}

	return "handle:" + spec.Key, nil
}

func TestPool_BasicExecution(t *testing.T) {
	op := &mockOpener{delay: 10 * time.Millisecond}

	pool := New(Config{Workers: 2, Opener: op})

	tasks := []Task{
		{Spec: Spec{Kind: "mbtiles", Key: "a.mbtiles"}},
		{Spec: Spec{Kind: "mbtiles", Key: "b.mbtiles"}},
		{Spec: Spec{Kind: "pmtiles", Key: "c.pmtiles"}},
	}

	results := pool.Run(context.Background(), tasks)

	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}

	for _, r := range results {
		if r.Err != nil {
			t.Errorf("Unexpected error for %s: %v", r.Task.Spec.Key, r.Err)
		}
		if r.Handle == nil {
			t.Errorf("Expected handle for %s, got nil", r.Task.Spec.Key)
		}
	}

	if op.callCount.Load() != int32(len(tasks)) {
		t.Errorf("Expected %d opener calls, got %d", len(tasks), op.callCount.Load())
	}
}

func TestPool_Parallelism(t *testing.T) {
	op := &mockOpener{delay: 50 * time.Millisecond}

	pool := New(Config{Workers: 4, Opener: op})

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{Spec: Spec{Kind: "mbtiles", Key: fmt.Sprintf("tile%d", i)}}
	}

	start := time.Now()
	results := pool.Run(context.Background(), tasks)
	elapsed := time.Since(start)

	maxExpected := 200 * time.Millisecond
	if elapsed > maxExpected {
		t.Errorf("Expected parallel execution in ~100ms, took %v", elapsed)
	}

	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}

	t.Logf("Processed %d tasks with %d workers in %v", len(tasks), 4, elapsed)
}

func TestPool_ErrorHandling(t *testing.T) {
	failKey := "bad.mbtiles"
	op := &mockOpener{
		delay:    10 * time.Millisecond,
		failKeys: map[string]bool{failKey: true},
	}

	pool := New(Config{Workers: 2, Opener: op})

	tasks := []Task{
		{Spec: Spec{Key: "good1.mbtiles"}},
		{Spec: Spec{Key: failKey}},
		{Spec: Spec{Key: "good2.mbtiles"}},
	}

	results := pool.Run(context.Background(), tasks)

	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}

	var successCount, failCount int
	for _, r := range results {
		if r.Err != nil {
			failCount++
			if r.Task.Spec.Key != failKey {
				t.Errorf("Unexpected failure for %s", r.Task.Spec.Key)
			}
		} else {
			successCount++
		}
	}

	if successCount != 2 {
		t.Errorf("Expected 2 successes, got %d", successCount)
	}
	if failCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failCount)
	}
}

func TestPool_Cancellation(t *testing.T) {
	op := &mockOpener{delay: 100 * time.Millisecond}

	pool := New(Config{Workers: 2, Opener: op})

	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{Spec: Spec{Key: fmt.Sprintf("src%d", i)}}
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := pool.Run(ctx, tasks)
	elapsed := time.Since(start)

	if elapsed > 200*time.Millisecond {
		t.Errorf("Expected early cancellation, took %v", elapsed)
	}

	var cancelledCount int
	for _, r := range results {
		if r.Err != nil && errors.Is(r.Err, context.Canceled) {
			cancelledCount++
		}
	}

	t.Logf("Completed with %d results (%d cancelled) in %v", len(results), cancelledCount, elapsed)
}

func TestPool_ProgressCallback(t *testing.T) {
	op := &mockOpener{delay: 10 * time.Millisecond}

	var progressCalls atomic.Int32
	var lastCompleted, lastTotal int

	pool := New(Config{
		Workers: 2,
		Opener:  op,
		OnProgress: func(completed, total, failed int) {
			progressCalls.Add(1)
			lastCompleted = completed
			lastTotal = total
		},
	})

	tasks := []Task{
		{Spec: Spec{Key: "a"}},
		{Spec: Spec{Key: "b"}},
		{Spec: Spec{Key: "c"}},
	}

	pool.Run(context.Background(), tasks)

	if progressCalls.Load() == 0 {
		t.Error("Expected progress callbacks, got none")
	}

	if lastCompleted != len(tasks) {
		t.Errorf("Expected lastCompleted=%d, got %d", len(tasks), lastCompleted)
	}
	if lastTotal != len(tasks) {
		t.Errorf("Expected lastTotal=%d, got %d", len(tasks), lastTotal)
	}
}

func TestPool_EmptyTasks(t *testing.T) {
	op := &mockOpener{}

	pool := New(Config{Workers: 2, Opener: op})

	results := pool.Run(context.Background(), nil)

	if len(results) != 0 {
		t.Errorf("Expected 0 results for empty tasks, got %d", len(results))
	}

	if op.callCount.Load() != 0 {
		t.Errorf("Expected 0 opener calls for empty tasks, got %d", op.callCount.Load())
	}
}

func TestPool_HandleCarriesKey(t *testing.T) {
	op := &mockOpener{delay: 10 * time.Millisecond}

	pool := New(Config{Workers: 1, Opener: op})

	tasks := []Task{
		{Spec: Spec{Key: "world.mbtiles"}},
	}

	results := pool.Run(context.Background(), tasks)

	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}

	if results[0].Handle != "handle:world.mbtiles" {
		t.Errorf("Expected handle derived from key, got %v", results[0].Handle)
	}
}
