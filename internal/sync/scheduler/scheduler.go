// Package scheduler runs sync cycles on an interval and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
	"github.com/wayfarer/sync-engine/internal/logging"
	enginepkg "github.com/wayfarer/sync-engine/internal/sync"
)

// Engine is the part of the orchestrator the scheduler drives.
type Engine interface {
	RunCycle(ctx context.Context) (*enginepkg.CycleResult, error)
}

// Config holds scheduler timing.
type Config struct {
	// Interval between automatic cycles.
	Interval time.Duration

	// CycleTimeout bounds one cycle's runtime.
	CycleTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     15 * time.Minute,
		CycleTimeout: 5 * time.Minute,
	}
}

// Scheduler triggers sync cycles periodically and on external wake signals
// (user action, server push).
type Scheduler struct {
	engine Engine
	cfg    Config

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	lastRun   time.Time
	lastErr   error
}

func New(engine Engine, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultConfig().CycleTimeout
	}
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start launches the scheduling loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("sync scheduler started", map[string]interface{}{
		"interval": s.cfg.Interval.String(),
	})
}

// Stop halts the loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logging.Info("sync scheduler stopped")
}

// Wake requests a cycle as soon as possible, coalescing duplicate requests.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// TriggerNow runs one cycle synchronously, outside the interval schedule.
func (s *Scheduler) TriggerNow(ctx context.Context) (*enginepkg.CycleResult, error) {
	return s.run(ctx)
}

// LastRun reports the end of the last attempted cycle and its error.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if _, err := s.run(ctx); err != nil {
			// Busy means another trigger beat us to it; everything else is
			// already logged with context by the engine path.
			if !apperrors.Is(err, apperrors.ErrSyncBusy) {
				logging.Error("scheduled sync cycle failed", err)
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context) (*enginepkg.CycleResult, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	res, err := s.engine.RunCycle(cycleCtx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	return res, err
}
