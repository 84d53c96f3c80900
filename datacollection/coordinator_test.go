package datacollection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

type fakeCollector struct {
	name       string
	vars       []types.EnvironmentVariable
	attach     types.AttachmentSet
	initErr    error
	beforeErr  error
	afterErr   error
	afterPanic bool
	afterDelay time.Duration

	afterCalls atomic.Int32
	cancelled  atomic.Bool
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Initialize(context.Context, CollectorConfig) error { return f.initErr }

func (f *fakeCollector) BeforeRunStart(context.Context) ([]types.EnvironmentVariable, error) {
	return f.vars, f.beforeErr
}

func (f *fakeCollector) AfterRunEnd(_ context.Context, cancelled bool) (types.AttachmentSet, error) {
	f.afterCalls.Add(1)
	f.cancelled.Store(cancelled)
	time.Sleep(f.afterDelay)
	if f.afterPanic {
		panic("collector blew up")
	}
	return f.attach, f.afterErr
}

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func registryWith(collectors ...*fakeCollector) *Registry {
	r := NewRegistry()
	for _, c := range collectors {
		_ = r.Register(c.name, func(log.Logger) Collector { return c })
	}
	return r
}

func configsFor(names ...string) []CollectorConfig {
	configs := make([]CollectorConfig, 0, len(names))
	for _, name := range names {
		configs = append(configs, CollectorConfig{Name: name})
	}
	return configs
}

func attachments(uri string, files ...string) types.AttachmentSet {
	set := types.AttachmentSet{URI: uri}
	for _, f := range files {
		set.Attachments = append(set.Attachments, types.Attachment{URI: f})
	}
	return set
}

func TestBeforeRunStart_FirstWriterWins(t *testing.T) {
	first := &fakeCollector{name: "first", vars: []types.EnvironmentVariable{{Name: "K", Value: "1"}, {Name: "A", Value: "a"}}}
	second := &fakeCollector{name: "second", vars: []types.EnvironmentVariable{{Name: "K", Value: "2"}, {Name: "B", Value: "b"}}}

	c, err := NewCoordinator(context.Background(), testLogger(), nil, registryWith(first, second), "run", t.TempDir(), configsFor("first", "second"))
	require.NoError(t, err)

	env := c.BeforeRunStart(context.Background())
	value, ok := env.Get("K")
	require.True(t, ok)
	assert.Equal(t, "1", value)
	assert.Equal(t, "first", env.RequestedBy("K"))
	assert.Equal(t, []string{"K", "A", "B"}, env.Names())

	conflicts := env.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "second", conflicts[0].RejectedFrom)
	assert.Equal(t, "2", conflicts[0].RejectedValue)
	assert.NoError(t, c.Err())
}

func TestBeforeRunStart_DisjointUnion(t *testing.T) {
	a := &fakeCollector{name: "a", vars: []types.EnvironmentVariable{{Name: "X", Value: "1"}}}
	b := &fakeCollector{name: "b", vars: []types.EnvironmentVariable{{Name: "Y", Value: "2"}}}
	c := NewCoordinatorFromCollectors(testLogger(), nil, a, b)

	env := c.BeforeRunStart(context.Background())
	assert.Equal(t, map[string]string{"X": "1", "Y": "2"}, env.Map())
	assert.Empty(t, env.Conflicts())
}

func TestBeforeRunStart_FailingCollectorContributesNothing(t *testing.T) {
	bad := &fakeCollector{name: "bad", vars: []types.EnvironmentVariable{{Name: "X", Value: "1"}}, beforeErr: errors.New("nope")}
	good := &fakeCollector{name: "good", vars: []types.EnvironmentVariable{{Name: "Y", Value: "2"}}}
	c := NewCoordinatorFromCollectors(testLogger(), nil, bad, good)

	env := c.BeforeRunStart(context.Background())
	assert.Equal(t, map[string]string{"Y": "2"}, env.Map())
	require.Error(t, c.Err())
	assert.True(t, IsCollectorError(c.Err()))
}

func TestNewCoordinator_DropsCollectorsThatFailToInitialize(t *testing.T) {
	broken := &fakeCollector{name: "broken", initErr: errors.New("no license")}
	ok := &fakeCollector{name: "ok", attach: attachments("ok", "file:///a")}

	c, err := NewCoordinator(context.Background(), testLogger(), nil, registryWith(broken, ok), "run", t.TempDir(), configsFor("broken", "ok"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, c.Collectors())

	sets, err := c.AfterRunEnd(context.Background(), false)
	assert.Len(t, sets, 1)
	assert.Zero(t, broken.afterCalls.Load())

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	var first *CollectorError
	require.ErrorAs(t, agg.First(), &first)
	assert.Equal(t, HookInitialize, first.Hook)
	assert.Equal(t, "broken", first.Collector)
}

func TestNewCoordinator_UnknownCollector(t *testing.T) {
	_, err := NewCoordinator(context.Background(), testLogger(), nil, NewRegistry(), "run", t.TempDir(), configsFor("coverage"))
	assert.ErrorContains(t, err, "coverage")
}

func TestAfterRunEnd_AllCollectorsRunToCompletion(t *testing.T) {
	failing := &fakeCollector{name: "failing", afterErr: errors.New("upload failed")}
	panicking := &fakeCollector{name: "panicking", afterPanic: true}
	slow := &fakeCollector{name: "slow", afterDelay: 50 * time.Millisecond, attach: attachments("slow", "file:///slow")}
	fast := &fakeCollector{name: "fast", attach: attachments("fast", "file:///fast1", "file:///fast2")}
	c := NewCoordinatorFromCollectors(testLogger(), nil, failing, panicking, slow, fast)

	sets, err := c.AfterRunEnd(context.Background(), true)

	for _, f := range []*fakeCollector{failing, panicking, slow, fast} {
		assert.Equal(t, int32(1), f.afterCalls.Load(), f.name)
		assert.True(t, f.cancelled.Load(), f.name)
	}
	require.Len(t, sets, 2)
	assert.Equal(t, "slow", sets[0].URI, "configured order is kept")
	assert.Equal(t, "fast", sets[1].URI)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errors, 2)
	assert.ErrorContains(t, err, "upload failed")
	assert.ErrorContains(t, err, "collector blew up")
}

func TestAfterRunEnd_NoCollectors(t *testing.T) {
	c := NewCoordinatorFromCollectors(testLogger(), nil)
	env := c.BeforeRunStart(context.Background())
	assert.Zero(t, env.Len())
	sets, err := c.AfterRunEnd(context.Background(), false)
	assert.NoError(t, err)
	assert.Empty(t, sets)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{EnvironmentCollectorName, ResultsDirectoryCollectorName}, r.Names())
	assert.Error(t, r.Register(EnvironmentCollectorName, nil))

	c, err := r.New(ResultsDirectoryCollectorName, testLogger())
	require.NoError(t, err)
	assert.Equal(t, ResultsDirectoryCollectorName, c.Name())
}

func TestBuiltinCollectors(t *testing.T) {
	base := t.TempDir()
	configs := []CollectorConfig{
		{Name: EnvironmentCollectorName, Options: map[string]string{"B": "2", "A": "1"}},
		{Name: ResultsDirectoryCollectorName},
	}
	c, err := NewCoordinator(context.Background(), testLogger(), nil, DefaultRegistry(), "r1", base, configs)
	require.NoError(t, err)

	env := c.BeforeRunStart(context.Background())
	assert.Equal(t, []string{"A", "B", ResultsDirEnvVar}, env.Names())
	dir, ok := env.Get(ResultsDirEnvVar)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "attachments-r1"), dir)

	// A worker drops files into the directory.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "cover.out"), []byte("mode: set"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace.json"), []byte("{}"), 0644))

	sets, err := c.AfterRunEnd(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "datacollector://results-directory", sets[0].URI)
	var described []string
	for _, a := range sets[0].Attachments {
		described = append(described, a.Description)
	}
	assert.ElementsMatch(t, []string{"pkg/cover.out", "trace.json"}, described)
}
