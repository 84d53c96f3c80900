package testhost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// RunScheduler decides when runs happen: once, or immediately and then every
// interval until stopped.
type RunScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RegisterCallback(func(ctx context.Context) error)
	WaitForShutdown(ctx context.Context) error
	Stopped() bool
}

// DefaultRunScheduler implements RunScheduler with a timer loop.
type DefaultRunScheduler struct {
	interval time.Duration
	runOnce  bool
	logger   log.Logger
	callback func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ RunScheduler = (*DefaultRunScheduler)(nil)

func NewDefaultRunScheduler(interval time.Duration, runOnce bool, logger log.Logger) *DefaultRunScheduler {
	return &DefaultRunScheduler{
		interval: interval,
		runOnce:  runOnce,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// RegisterCallback registers the callback that performs one run.
func (s *DefaultRunScheduler) RegisterCallback(callback func(ctx context.Context) error) {
	s.callback = callback
}

// Start performs the first run synchronously and returns its error. In
// periodic mode further runs happen in the background; their errors are
// logged.
func (s *DefaultRunScheduler) Start(ctx context.Context) error {
	if s.callback == nil {
		return errors.New("callback must be registered before starting scheduler")
	}
	if s.interval <= 0 && !s.runOnce {
		return errors.New("periodic mode needs a positive interval")
	}

	s.done = make(chan struct{})
	s.running.Store(true)

	if s.runOnce {
		s.logger.Info("Starting scheduler in run-once mode")
		return s.run(ctx)
	}

	s.logger.Info("Starting scheduler in continuous mode", "interval", s.interval)
	if err := s.run(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.interval)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
				if !s.running.Load() {
					s.logger.Debug("Scheduler stopped, exiting periodic runner")
					return
				}
				s.logger.Info("Running periodic run", "run", s.runs.Load()+1)
				if err := s.run(ctx); err != nil {
					s.logger.Error("Error in periodic run", "err", err)
				}
				timer.Reset(s.interval)

			case <-s.done:
				s.logger.Debug("Done signal received, stopping periodic runner")
				return

			case <-ctx.Done():
				s.logger.Debug("Context canceled, stopping periodic runner")
				s.running.Store(false)
				return
			}
		}
	}()
	return nil
}

func (s *DefaultRunScheduler) run(ctx context.Context) error {
	s.runs.Add(1)
	return s.callback(ctx)
}

// Runs is the number of runs started so far.
func (s *DefaultRunScheduler) Runs() int {
	return int(s.runs.Load())
}

func (s *DefaultRunScheduler) Stop() error {
	if !s.running.Load() {
		s.logger.Debug("Scheduler already stopped, nothing to do")
		return nil
	}
	s.running.Store(false)
	close(s.done)
	return nil
}

func (s *DefaultRunScheduler) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until the periodic runner has exited.
func (s *DefaultRunScheduler) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for goroutines to terminate", "err", ctx.Err())
		return ctx.Err()
	}
}
