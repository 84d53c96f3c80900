package datacollection

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-testhost/metrics"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Coordinator drives the collectors of one run.
type Coordinator struct {
	log     log.Logger
	metrics metrics.Metricer

	collectors []Collector // Configured order, initialization failures removed

	mu   sync.Mutex
	errs []error
}

// NewCoordinator creates and initializes the collectors named in configs.
// An unknown name is a configuration error. A collector that fails to
// initialize is dropped for the rest of the run and its error is kept for
// AfterRunEnd.
func NewCoordinator(ctx context.Context, logger log.Logger, m metrics.Metricer, registry *Registry, runID, resultsDir string, configs []CollectorConfig) (*Coordinator, error) {
	if m == nil {
		m = metrics.NoopMetrics
	}
	c := &Coordinator{
		log:     logger.New("component", "datacollection"),
		metrics: m,
	}

	created := make([]Collector, 0, len(configs))
	for _, cfg := range configs {
		collector, err := registry.New(cfg.Name, c.log.New("collector", cfg.Name))
		if err != nil {
			return nil, err
		}
		created = append(created, collector)
	}

	for i, collector := range created {
		cfg := configs[i]
		cfg.RunID = runID
		cfg.ResultsDir = resultsDir
		err := c.call(collector, HookInitialize, func() error {
			return collector.Initialize(ctx, cfg)
		})
		if err != nil {
			continue
		}
		c.collectors = append(c.collectors, collector)
	}
	return c, nil
}

// NewCoordinatorFromCollectors wraps collectors that are already initialized.
func NewCoordinatorFromCollectors(logger log.Logger, m metrics.Metricer, collectors ...Collector) *Coordinator {
	if m == nil {
		m = metrics.NoopMetrics
	}
	return &Coordinator{
		log:        logger.New("component", "datacollection"),
		metrics:    m,
		collectors: collectors,
	}
}

// Collectors returns the names of the active collectors.
func (c *Coordinator) Collectors() []string {
	names := make([]string, 0, len(c.collectors))
	for _, collector := range c.collectors {
		names = append(names, collector.Name())
	}
	return names
}

// BeforeRunStart asks every collector for its variables in parallel and
// merges them in configured order. The first collector to request a name
// wins and conflicting requests are logged. Failing collectors contribute
// nothing.
func (c *Coordinator) BeforeRunStart(ctx context.Context) *types.EnvironmentVariableSet {
	requested := make([][]types.EnvironmentVariable, len(c.collectors))
	p := pool.New().WithMaxGoroutines(max(len(c.collectors), 1))
	for i, collector := range c.collectors {
		p.Go(func() {
			_ = c.call(collector, HookBeforeRunStart, func() error {
				vars, err := collector.BeforeRunStart(ctx)
				if err != nil {
					return err
				}
				requested[i] = vars
				return nil
			})
		})
	}
	p.Wait()

	env := types.NewEnvironmentVariableSet()
	for i, vars := range requested {
		name := c.collectors[i].Name()
		for _, v := range vars {
			if !env.Add(v.Name, v.Value, name) {
				c.log.Warn("Conflicting environment variable request",
					"name", v.Name, "kept_from", env.RequestedBy(v.Name), "rejected_from", name)
			}
		}
	}
	return env
}

// AfterRunEnd runs every collector's teardown in parallel and waits for all
// of them. Attachments come back in configured order. Every collector error
// of the run, including those from earlier hooks, is returned once as an
// *AggregateError.
func (c *Coordinator) AfterRunEnd(ctx context.Context, cancelled bool) ([]types.AttachmentSet, error) {
	sets := make([][]types.AttachmentSet, len(c.collectors))
	p := pool.New().WithMaxGoroutines(max(len(c.collectors), 1))
	for i, collector := range c.collectors {
		p.Go(func() {
			_ = c.call(collector, HookAfterRunEnd, func() error {
				set, err := collector.AfterRunEnd(ctx, cancelled)
				sets[i] = []types.AttachmentSet{set}
				return err
			})
		})
	}
	p.Wait()

	attachments := types.MergeAttachmentSets(sets...)
	return attachments, c.Err()
}

// Err returns the collector errors recorded so far, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return &AggregateError{Errors: append([]error(nil), c.errs...)}
}

// call runs one hook, turning a panic into an error. Failures are logged,
// counted and recorded.
func (c *Coordinator) call(collector Collector, hook string, fn func() error) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = fn()
	})
	if recovered := pc.Recovered(); recovered != nil {
		err = fmt.Errorf("panic: %w", recovered.AsError())
	}
	if err == nil {
		return nil
	}

	collectorErr := &CollectorError{Collector: collector.Name(), Hook: hook, Err: err}
	c.log.Error("Data collector failed", "collector", collector.Name(), "hook", hook, "err", err)
	c.metrics.RecordCollectorError(collector.Name(), hook)

	c.mu.Lock()
	c.errs = append(c.errs, collectorErr)
	c.mu.Unlock()
	return collectorErr
}
