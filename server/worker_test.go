package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chazu/goslang/vm"
)

func TestWorkerSerializesJobs(t *testing.T) {
	w := NewWorker()
	defer w.Stop()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Do(bg(), func(context.Context) (any, error) {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", maxSeen)
	}
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := NewWorker()
	defer w.Stop()

	_, err := w.Do(bg(), func(context.Context) (any, error) {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Do error = %v, want panic error", err)
	}

	// The worker keeps serving
	v, err := w.Do(bg(), func(context.Context) (any, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("Do after panic = %v, %v", v, err)
	}
}

func TestWorkerRun(t *testing.T) {
	w := NewWorker()
	defer w.Stop()

	rep, err := w.Run(bg(), sumProgram(), vm.Options{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := rep.Main().Final; got != 42.0 {
		t.Errorf("final = %v, want 42", got)
	}
}

func TestWorkerCancelledContext(t *testing.T) {
	w := NewWorker()
	defer w.Stop()

	ctx, cancel := context.WithCancel(bg())
	cancel()
	_, err := w.Do(ctx, func(context.Context) (any, error) { return nil, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do error = %v, want context.Canceled", err)
	}
}

func TestWorkerStopped(t *testing.T) {
	w := NewWorker()
	w.Stop()
	if _, err := w.Do(bg(), func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, errWorkerStopped) {
		t.Errorf("Do on a stopped worker error = %v, want errWorkerStopped", err)
	}
}

// ---------------------------------------------------------------------------
// ResultStore
// ---------------------------------------------------------------------------

func TestResultStore(t *testing.T) {
	s := NewResultStore()
	rep := &vm.Report{}

	id := s.Add("hash", rep)
	if len(id) != 36 {
		t.Errorf("id = %q, want a uuid", id)
	}
	if other := s.Add("hash", rep); other == id {
		t.Error("ids should be unique")
	}
	got, ok := s.Lookup(id)
	if !ok || got != rep {
		t.Errorf("Lookup = %v, %v", got, ok)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	s.Release(id)
	if _, ok := s.Lookup(id); ok {
		t.Error("released result should be gone")
	}
}

func TestResultStoreSweep(t *testing.T) {
	s := NewResultStore()
	old := s.Add("a", &vm.Report{})
	fresh := s.Add("b", &vm.Report{})

	s.mu.Lock()
	s.results[old].lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if n := s.Sweep(time.Minute); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, ok := s.Lookup(old); ok {
		t.Error("expired result should be swept")
	}
	if _, ok := s.Lookup(fresh); !ok {
		t.Error("fresh result should survive")
	}
}

func TestResultStoreSweeper(t *testing.T) {
	s := NewResultStore()
	s.Add("a", &vm.Report{})

	stop := s.StartSweeper(5*time.Millisecond, time.Nanosecond)
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for s.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove the expired result")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
