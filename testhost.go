// Package testhost is the op-testhost controller service: it runs discovery
// or execution requests on worker hosts, once or periodically, and reports
// the merged results.
package testhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/infra/op-testhost/exitcodes"
	"github.com/ethereum-optimism/infra/op-testhost/limiter"
	"github.com/ethereum-optimism/infra/op-testhost/metrics"
	"github.com/ethereum-optimism/infra/op-testhost/parallel"
	"github.com/ethereum-optimism/infra/op-testhost/platform"
	"github.com/ethereum-optimism/infra/op-testhost/service"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

var _ cliapp.Lifecycle = (*testHost)(nil)

type Option func(*testHost)

// WithPlatformOptions overrides parts of the platform, e.g. the launcher.
func WithPlatformOptions(opts ...platform.Option) Option {
	return func(t *testHost) {
		t.platformOpts = append(t.platformOpts, opts...)
	}
}

// WithOutput redirects the results table, stdout by default.
func WithOutput(w io.Writer) Option {
	return func(t *testHost) {
		t.out = w
	}
}

// testHost runs requests through a ParallelOperationManager.
type testHost struct {
	config    *Config
	version   string
	metrics   *metrics.Metrics
	platform  *platform.Platform
	pm        *parallel.ParallelOperationManager
	scheduler RunScheduler
	service   *service.Service
	out       io.Writer

	platformOpts []platform.Option

	mu        sync.Mutex
	result    *RunResult
	cancelRun context.CancelFunc

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(config *Config, version string, shutdownCallback func(error), opts ...Option) (*testHost, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	config.Log.Debug("Creating test host with config",
		"sources", len(config.Sources),
		"testCases", len(config.TestCases),
		"discover", config.Discover,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"parallelism", config.Parallelism)

	t := &testHost{
		config:           config,
		version:          version,
		metrics:          metrics.NewMetrics(),
		out:              os.Stdout,
		shutdownCallback: shutdownCallback,
	}
	for _, opt := range opts {
		opt(t)
	}

	platformOpts := append([]platform.Option{
		platform.WithMetrics(t.metrics),
		platform.WithLimiter(limiter.New(config.Limiter, t.metrics)),
	}, t.platformOpts...)
	t.platform = platform.New(config.Log, platformOpts...)
	t.pm = parallel.New(t.platform, config.Parallel)
	t.service = service.New(config.Log.New("component", "service"), config.Service, t.metrics, t.metrics.Registry())

	t.scheduler = NewDefaultRunScheduler(config.RunInterval, config.RunOnce, config.Log)
	t.scheduler.RegisterCallback(t.runOnce)
	return t, nil
}

// Start serves healthz and metrics, then performs the first run. In run-once
// mode it returns the run's outcome as an error and asks the app to shut down.
func (t *testHost) Start(ctx context.Context) error {
	// A panic in a run exits with the runtime error code.
	defer func() {
		if r := recover(); r != nil {
			t.config.Log.Error("Runtime error occurred", "err", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	t.running.Store(true)
	if err := t.service.Start(); err != nil {
		return NewRuntimeError(err)
	}

	if t.config.RunOnce {
		t.config.Log.Info("Starting op-testhost in run-once mode")
	} else {
		t.config.Log.Info("Starting op-testhost in continuous mode", "interval", t.config.RunInterval)
	}

	if err := t.scheduler.Start(ctx); err != nil {
		t.config.Log.Error("Runtime error running tests", "err", err)
		return err
	}

	if t.config.RunOnce {
		result := t.Result()
		switch {
		case result == nil:
			return NewRuntimeError(errors.New("run produced no result"))
		case result.Completion.Aborted:
			return NewRuntimeError(errors.New("run aborted"))
		case !result.Succeeded():
			t.config.Log.Warn("Run-once run completed with failures, returning exit code 1")
			return NewTestFailureError(result.String())
		}
		t.config.Log.Info("Run completed, exiting (run-once mode)")
		go t.shutdownCallback(nil)
	}
	return nil
}

// runOnce performs one run and prints its results.
func (t *testHost) runOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	t.cancelRun = cancel
	t.mu.Unlock()

	var (
		run *parallel.Run
		err error
	)
	settings := t.config.Settings.Raw
	if t.config.Discover {
		run, err = t.pm.Discover(ctx, t.config.Sources, settings, t.config.Parallelism)
	} else {
		run, err = t.pm.Execute(ctx, parallel.ExecutionRequest{
			Sources:         t.config.Sources,
			TestCases:       t.config.TestCases,
			Settings:        settings,
			ParallelismHint: t.config.Parallelism,
		})
	}
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start run: %w", err))
	}

	t.config.Log.Info("Run started", "run_id", run.ID, "kind", run.Kind)
	collector := newResultCollector()
	for ev := range run.Events() {
		collector.Add(ev)
		if ev.Kind == parallel.EventLog {
			t.config.Log.Debug("Host output", "host", ev.HostID, "level", ev.Log.Level, "text", ev.Log.Text)
		}
	}
	result := collector.Result()
	if result.Completion == nil {
		result.Completion = run.Wait()
	}

	t.mu.Lock()
	t.result = result
	t.mu.Unlock()

	printResultsTable(t.out, result)
	fmt.Fprintln(t.out, result.String())
	if err := result.Completion.CollectorErr; err != nil {
		t.config.Log.Warn("Data collection failed", "err", err)
	}
	t.config.Log.Info("Run completed",
		"run_id", run.ID,
		"succeeded", result.Succeeded(),
		"faulted", len(result.Completion.SourcesIn(types.SourceFaulted)))
	return nil
}

// Result is the outcome of the latest finished run.
func (t *testHost) Result() *RunResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Stop cancels the run in flight and stops the servers.
func (t *testHost) Stop(ctx context.Context) error {
	t.config.Log.Info("Stopping op-testhost")
	if !t.running.Load() {
		t.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	t.running.Store(false)

	t.mu.Lock()
	if t.cancelRun != nil {
		t.cancelRun()
	}
	t.mu.Unlock()

	_ = t.scheduler.Stop()
	err := t.scheduler.WaitForShutdown(ctx)
	t.service.Shutdown()

	t.config.Log.Info("op-testhost stopped")
	return err
}

func (t *testHost) Stopped() bool {
	return !t.running.Load()
}

// WaitForShutdown blocks until the periodic runner has exited.
func (t *testHost) WaitForShutdown(ctx context.Context) error {
	return t.scheduler.WaitForShutdown(ctx)
}
