package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	enginepkg "github.com/wayfarer/sync-engine/internal/sync"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEngine) RunCycle(ctx context.Context) (*enginepkg.CycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &enginepkg.CycleResult{Uploaded: 1}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TestWakeTriggersCycle verifies a wake signal runs a cycle without waiting
// for the interval.
func TestWakeTriggersCycle(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, Config{Interval: time.Hour, CycleTimeout: time.Second})

	s.Start(context.Background())
	defer s.Stop()

	s.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for engine.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if engine.callCount() == 0 {
		t.Fatal("wake did not trigger a cycle")
	}
}

// TestPeriodicCycles verifies the interval drives repeated cycles.
func TestPeriodicCycles(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, Config{Interval: 20 * time.Millisecond, CycleTimeout: time.Second})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for engine.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if engine.callCount() < 2 {
		t.Errorf("cycles = %d, want at least 2", engine.callCount())
	}
}

// TestTriggerNow verifies the synchronous path returns the engine's result.
func TestTriggerNow(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, DefaultConfig())

	res, err := s.TriggerNow(context.Background())
	if err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if res.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", res.Uploaded)
	}

	when, lastErr := s.LastRun()
	if when.IsZero() || lastErr != nil {
		t.Errorf("LastRun() = %v, %v", when, lastErr)
	}
}

// TestBusyEngineTolerated verifies SYNC_BUSY from an overlapping trigger does
// not stop the loop.
func TestBusyEngineTolerated(t *testing.T) {
	engine := &fakeEngine{err: apperrors.New(apperrors.ErrSyncBusy, "busy")}
	s := New(engine, Config{Interval: time.Hour, CycleTimeout: time.Second})

	s.Start(context.Background())
	defer s.Stop()

	s.Wake()
	time.Sleep(50 * time.Millisecond)
	s.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for engine.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if engine.callCount() < 2 {
		t.Errorf("calls = %d, want 2 (loop survived busy error)", engine.callCount())
	}
}

// TestStopIdempotent verifies double Stop and Stop-before-Start are safe.
func TestStopIdempotent(t *testing.T) {
	s := New(&fakeEngine{}, DefaultConfig())
	s.Stop()

	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
