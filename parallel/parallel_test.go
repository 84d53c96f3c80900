package parallel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testhost/datacollection"
	"github.com/ethereum-optimism/infra/op-testhost/host"
	"github.com/ethereum-optimism/infra/op-testhost/hosttest"
	"github.com/ethereum-optimism/infra/op-testhost/limiter"
	"github.com/ethereum-optimism/infra/op-testhost/logging"
	"github.com/ethereum-optimism/infra/op-testhost/platform"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

type harness struct {
	pm       *ParallelOperationManager
	launcher *hosttest.Launcher
	limiter  *limiter.Limiter
}

func newHarness(t *testing.T, adapter hosttest.Adapter, cfg Config, capacity int, opts ...hosttest.Option) *harness {
	t.Helper()
	logger := log.NewLogger(log.DiscardHandler())
	opts = append([]hosttest.Option{hosttest.WithAdapterFactory(adapter.Factory())}, opts...)
	h := &harness{
		launcher: hosttest.NewLauncher(logger, nil, opts...),
		limiter:  limiter.New(limiter.Config{Capacity: capacity}, nil),
	}
	if cfg.Host.Executable == "" {
		cfg.Host.Executable = "testhost-worker"
	}
	cfg.Host.StopGracePeriod = time.Second
	p := platform.New(logger, platform.WithLauncher(h.launcher), platform.WithLimiter(h.limiter))
	h.pm = New(p, cfg)
	return h
}

func sources(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("pkg/%d", i+1)
	}
	return out
}

// collect reads the whole stream and checks its shape.
func collect(t *testing.T, run *Run) ([]Event, *Completion) {
	t.Helper()
	var events []Event
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				require.NotEmpty(t, events)
				last := events[len(events)-1]
				require.Equal(t, EventComplete, last.Kind, "complete is the last event")
				for i, ev := range events {
					assert.Equal(t, uint64(i+1), ev.Sequence)
					assert.Equal(t, run.ID, ev.RunID)
					if i < len(events)-1 {
						assert.NotEqual(t, EventComplete, ev.Kind, "exactly one complete event")
					}
				}
				assert.Same(t, last.Complete, run.Wait())
				return events, last.Complete
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestParallelLevel(t *testing.T) {
	cpus := runtime.NumCPU()
	tests := []struct {
		requested, units, want int
	}{
		{3, 5, 3},
		{8, 1, 1},
		{8, 0, 1},
		{0, 1000, min(cpus, MaxParallelLevel)},
		{-1, 2, min(cpus, 2)},
		{100, 100, 100},
		{40, 40, 40},
		{MaxParallelLevel + 8, 1000, MaxParallelLevel + 8},
		{1, 10, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.requested, tt.units), func(t *testing.T) {
			got := ParallelLevel(tt.requested, tt.units)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 1)
		})
	}
}

func TestPartition(t *testing.T) {
	parts := Partition(types.RequestDiscovery, []string{"b", "a", "c"}, nil)
	require.Len(t, parts, 3)
	for i, want := range []string{"b", "a", "c"} {
		assert.Equal(t, []string{want}, parts[i].Sources)
		assert.Equal(t, i, parts[i].Index)
		assert.Equal(t, types.RequestDiscovery, parts[i].Kind)
	}

	cases := []types.TestCase{
		{ID: "y::1", Source: "y"},
		{ID: "x::1", Source: "x"},
		{ID: "y::2", Source: "y"},
	}
	parts = Partition(types.RequestExecution, nil, cases)
	require.Len(t, parts, 2)
	assert.Equal(t, []string{"y"}, parts[0].Sources)
	assert.Len(t, parts[0].TestCases, 2)
	assert.Equal(t, []string{"x"}, parts[1].Sources)
	assert.NotEqual(t, parts[0].ID, parts[1].ID)
}

func TestExecute_AllSourcesComplete(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 2, Delay: time.Millisecond}, Config{}, 8)

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(4), ParallelismHint: 2})
	require.NoError(t, err)
	events, c := collect(t, run)

	assert.True(t, c.Succeeded())
	assert.False(t, c.Aborted)
	assert.Equal(t, 2, c.ParallelLevel)
	assert.Equal(t, types.Totals{Executed: 8, Passed: 8, Duration: 8 * time.Millisecond}, c.Totals)
	require.Len(t, c.Sources, 4)
	for i, s := range c.Sources {
		assert.Equal(t, fmt.Sprintf("pkg/%d", i+1), s.Source, "input order")
		assert.Equal(t, types.SourceCompleted, s.State)
		assert.NotEmpty(t, s.HostID)
	}

	var partials types.Totals
	for _, ev := range events {
		if ev.Kind == EventPartialResult {
			partials = partials.Add(ev.Partial.Totals())
		}
	}
	assert.Equal(t, c.Totals, partials, "totals are the fold of the streamed partials")

	// One-shot hosts: one per partition, never more than the level at once.
	assert.Equal(t, 4, c.HostsLaunched)
	assert.LessOrEqual(t, h.launcher.Peak(), 2)
	require.Eventually(t, func() bool { return h.limiter.InUse() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestExecute_SharedHostsAreReused(t *testing.T) {
	cfg := Config{}
	cfg.Host.Shared = true
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 1}, cfg, 8)

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(6), ParallelismHint: 2})
	require.NoError(t, err)
	_, c := collect(t, run)

	assert.True(t, c.Succeeded())
	assert.Equal(t, 6, c.Totals.Executed)
	assert.Equal(t, 2, c.HostsLaunched)
	assert.Equal(t, 2, h.launcher.Launches())
	require.Eventually(t, func() bool { return h.launcher.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestExecute_SharedHostsWithFewerSlotsThanLevel(t *testing.T) {
	cfg := Config{}
	cfg.Host.Shared = true
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 2}, cfg, 1)

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(3), ParallelismHint: 2})
	require.NoError(t, err)
	_, c := collect(t, run)

	assert.True(t, c.Succeeded())
	assert.Equal(t, 6, c.Totals.Executed)
	assert.Equal(t, 2, c.ParallelLevel)
	assert.LessOrEqual(t, h.launcher.Peak(), 1)
	require.Eventually(t, func() bool { return h.limiter.InUse() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestExecute_SharedHostsAcrossConcurrentRuns(t *testing.T) {
	cfg := Config{}
	cfg.Host.Shared = true
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 1, Delay: 5 * time.Millisecond}, cfg, 1)

	runs := make([]*Run, 2)
	for i := range runs {
		run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(2), ParallelismHint: 2})
		require.NoError(t, err)
		runs[i] = run
	}
	for _, run := range runs {
		_, c := collect(t, run)
		assert.True(t, c.Succeeded())
		assert.Equal(t, 2, c.Totals.Executed)
	}
	assert.LessOrEqual(t, h.launcher.Peak(), 1)
}

func TestExecute_OneHostCrashes(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{
		TestsPerSource: 3,
		Hook: func(ctx context.Context, p *hosttest.Process, source string) error {
			if source == "pkg/2" {
				p.Crash(1)
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}, Config{}, 8)

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(5), ParallelismHint: 3})
	require.NoError(t, err)
	_, c := collect(t, run)

	assert.False(t, c.Aborted)
	assert.False(t, c.Succeeded())
	assert.Equal(t, 3, c.ParallelLevel)
	completed := c.SourcesIn(types.SourceCompleted)
	faulted := c.SourcesIn(types.SourceFaulted)
	assert.Len(t, completed, 4)
	require.Len(t, faulted, 1)
	assert.Equal(t, "pkg/2", faulted[0].Source)
	require.NotNil(t, faulted[0].Failure)
	assert.Equal(t, types.FailureHostExited, faulted[0].Failure.Kind)

	var want types.Totals
	for _, s := range completed {
		want = want.Add(s.Totals)
	}
	assert.Equal(t, want, c.Totals)
	assert.Equal(t, 12, c.Totals.Executed)
}

func TestDiscover_SingleSource(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 4}, Config{}, 8)

	run, err := h.pm.Discover(context.Background(), []string{"pkg/only"}, "", 8)
	require.NoError(t, err)
	events, c := collect(t, run)

	assert.Equal(t, 1, c.ParallelLevel)
	assert.Equal(t, 1, c.HostsLaunched)
	assert.Equal(t, 1, h.launcher.Launches())
	assert.Equal(t, 4, c.Totals.Discovered)
	assert.Equal(t, types.RequestDiscovery, c.Kind)

	var found []types.TestCase
	for _, ev := range events {
		if ev.Kind == EventPartialResult {
			found = append(found, ev.Partial.DiscoveredTests...)
		}
	}
	assert.Len(t, found, 4)
}

func TestExecute_SelectedTestCases(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 10}, Config{}, 8)

	req := ExecutionRequest{
		TestCases: []types.TestCase{
			{ID: "a::Test1", Name: "Test1", Source: "a"},
			{ID: "b::Test3", Name: "Test3", Source: "b"},
			{ID: "a::Test7", Name: "Test7", Source: "a"},
		},
	}
	run, err := h.pm.Execute(context.Background(), req)
	require.NoError(t, err)
	_, c := collect(t, run)

	require.Len(t, c.Sources, 2)
	assert.Equal(t, 2, c.Sources[0].Totals.Executed)
	assert.Equal(t, 1, c.Sources[1].Totals.Executed)
	assert.Equal(t, 3, c.Totals.Executed)
}

func TestRun_Cancel(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 1000, Delay: 5 * time.Millisecond}, Config{}, 8)

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(6), ParallelismHint: 2})
	require.NoError(t, err)

	var once sync.Once
	var events []Event
	for ev := range run.Events() {
		if ev.Kind == EventPartialResult {
			once.Do(run.Cancel)
		}
		events = append(events, ev)
	}
	c := run.Wait()

	require.NotNil(t, c)
	assert.True(t, c.Aborted)
	assert.Equal(t, EventComplete, events[len(events)-1].Kind)
	assert.Len(t, c.SourcesIn(types.SourceNotStarted), 4)
	for _, s := range c.Sources[:2] {
		assert.Equal(t, types.SourceAborted, s.State)
	}
	assert.Positive(t, c.Totals.Executed, "partial results merged before the cancel are kept")
	assert.Less(t, c.Totals.Executed, 2000)

	// No host is left running.
	require.Eventually(t, func() bool {
		return h.launcher.Active() == 0 && h.limiter.InUse() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 1}, Config{}, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := h.pm.Execute(ctx, ExecutionRequest{Sources: sources(3), ParallelismHint: 3})
	require.NoError(t, err)
	_, c := collect(t, run)

	assert.True(t, c.Aborted)
	assert.Len(t, c.SourcesIn(types.SourceNotStarted), 3)
	assert.Zero(t, h.launcher.Launches())
}

func TestExecute_LimiterBoundsConcurrentRuns(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{TestsPerSource: 3, Delay: 10 * time.Millisecond}, Config{}, 2)

	var wg sync.WaitGroup
	completions := make([]*Completion, 3)
	for i := range completions {
		run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(4), ParallelismHint: 4})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			completions[i] = run.Wait()
		}()
	}
	wg.Wait()

	for _, c := range completions {
		assert.True(t, c.Succeeded())
		assert.Equal(t, 12, c.Totals.Executed)
	}
	assert.LessOrEqual(t, h.launcher.Peak(), 2)
	assert.Equal(t, 12, h.launcher.Launches())
}

func TestExecute_LaunchFailuresAreReportedPerSource(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{}, Config{}, 8, hosttest.WithLaunchHook(func(host.LaunchSpec) error {
		return errors.New("permission denied")
	}))

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: sources(3), ParallelismHint: 2})
	require.NoError(t, err)
	_, c := collect(t, run)

	assert.False(t, c.Aborted)
	faulted := c.SourcesIn(types.SourceFaulted)
	require.Len(t, faulted, 3)
	for _, s := range faulted {
		assert.Equal(t, types.FailureHostLaunch, s.Failure.Kind)
	}
	assert.Zero(t, h.limiter.InUse())
}

func TestExecute_EmptyRequest(t *testing.T) {
	h := newHarness(t, hosttest.Adapter{}, Config{}, 8)

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{})
	require.NoError(t, err)
	events, c := collect(t, run)

	assert.Len(t, events, 1)
	assert.True(t, c.Succeeded())
	assert.Zero(t, c.HostsLaunched)
}

func TestExecute_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
		req    ExecutionRequest
	}{
		{
			name:   "no executable",
			mutate: func(cfg *Config) { cfg.Host.Executable = "" },
		},
		{
			name: "sources and test cases",
			req:  ExecutionRequest{Sources: []string{"a"}, TestCases: []types.TestCase{{ID: "b::T", Source: "b"}}},
		},
		{
			name:   "unknown collector",
			mutate: func(cfg *Config) { cfg.Collectors = []datacollection.CollectorConfig{{Name: "coverage"}} },
		},
		{
			name:   "unsupported protocol version",
			mutate: func(cfg *Config) { cfg.Host.RequiredProtocolVersion = 99 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.Host.Executable = "testhost-worker"
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			logger := log.NewLogger(log.DiscardHandler())
			launcher := hosttest.NewLauncher(logger, &hosttest.Adapter{})
			pm := New(platform.New(logger, platform.WithLauncher(launcher)), cfg)

			_, err := pm.Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, launcher.Launches())
		})
	}
}

func TestExecute_CollectorsAndRunLog(t *testing.T) {
	logDir := t.TempDir()
	cfg := Config{
		LogDir: logDir,
		Collectors: []datacollection.CollectorConfig{
			{Name: datacollection.EnvironmentCollectorName, Options: map[string]string{"TARGET": "devnet"}},
			{Name: datacollection.ResultsDirectoryCollectorName},
		},
	}
	adapter := hosttest.Adapter{
		TestsPerSource: 1,
		Attachments:    []types.AttachmentSet{{URI: "worker://a", Attachments: []types.Attachment{{URI: "file:///worker.log"}}}},
		Hook: func(ctx context.Context, p *hosttest.Process, source string) error {
			dir := p.Spec.Env[datacollection.ResultsDirEnvVar]
			return os.WriteFile(filepath.Join(dir, source+".out"), []byte(source), 0644)
		},
	}
	h := newHarness(t, adapter, cfg, 8)

	run, err := h.pm.Execute(context.Background(), ExecutionRequest{Sources: []string{"a", "b"}, ParallelismHint: 2})
	require.NoError(t, err)
	_, c := collect(t, run)
	require.True(t, c.Succeeded())
	assert.NoError(t, c.CollectorErr)

	// Every host saw the same environment.
	for _, p := range h.launcher.Processes() {
		assert.Equal(t, "devnet", p.Spec.Env["TARGET"])
		assert.NotEmpty(t, p.Spec.Env[datacollection.ResultsDirEnvVar])
	}

	require.Len(t, c.Attachments, 3)
	assert.Equal(t, "worker://a", c.Attachments[0].URI)
	assert.Equal(t, "worker://a", c.Attachments[1].URI)
	harvested := c.Attachments[2]
	assert.Equal(t, "datacollector://results-directory", harvested.URI)
	assert.Len(t, harvested.Attachments, 2)

	runDir := filepath.Join(logDir, logging.RunDirectoryPrefix+run.ID)
	for _, name := range []string{logging.ResultsFileName, logging.SummaryFileName, logging.AllLogsFileName} {
		assert.FileExists(t, filepath.Join(runDir, name))
	}
	summary, err := os.ReadFile(filepath.Join(runDir, logging.SummaryFileName))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "executed=2")
}

func TestExecute_CollectorFailureDoesNotFailRun(t *testing.T) {
	logger := log.NewLogger(log.DiscardHandler())
	registry := datacollection.NewRegistry()
	require.NoError(t, registry.Register("flaky", func(log.Logger) datacollection.Collector {
		return &failingCollector{}
	}))

	launcher := hosttest.NewLauncher(logger, &hosttest.Adapter{TestsPerSource: 1})
	p := platform.New(logger, platform.WithLauncher(launcher), platform.WithCollectors(registry))
	cfg := Config{Collectors: []datacollection.CollectorConfig{{Name: "flaky"}}}
	cfg.Host.Executable = "testhost-worker"
	pm := New(p, cfg)

	run, err := pm.Execute(context.Background(), ExecutionRequest{Sources: []string{"a"}})
	require.NoError(t, err)
	_, c := collect(t, run)

	assert.Equal(t, types.SourceCompleted, c.Sources[0].State)
	var agg *datacollection.AggregateError
	require.ErrorAs(t, c.CollectorErr, &agg)
	assert.Len(t, agg.Errors, 1)
}

type failingCollector struct{}

func (f *failingCollector) Name() string { return "flaky" }

func (f *failingCollector) Initialize(context.Context, datacollection.CollectorConfig) error {
	return nil
}

func (f *failingCollector) BeforeRunStart(context.Context) ([]types.EnvironmentVariable, error) {
	return nil, nil
}

func (f *failingCollector) AfterRunEnd(context.Context, bool) (types.AttachmentSet, error) {
	return types.AttachmentSet{}, errors.New("upload failed")
}
