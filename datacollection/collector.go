// Package datacollection coordinates data collectors across a run. Collectors
// contribute environment variables for every worker before the run starts and
// attachments once it ends. A failing collector never fails the run; its
// errors are reported once, after every collector had its chance to finish.
package datacollection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Hook names used in errors and metrics.
const (
	HookInitialize     = "initialize"
	HookBeforeRunStart = "before_run_start"
	HookAfterRunEnd    = "after_run_end"
)

// CollectorConfig configures one collector for one run.
type CollectorConfig struct {
	Name    string            `yaml:"name"`
	Options map[string]string `yaml:"options,omitempty"`

	// Filled in by the coordinator.
	RunID      string `yaml:"-"`
	ResultsDir string `yaml:"-"`
}

// Collector gathers side-channel data during a run.
type Collector interface {
	Name() string
	Initialize(ctx context.Context, cfg CollectorConfig) error
	// BeforeRunStart returns the variables every worker must be launched with.
	BeforeRunStart(ctx context.Context) ([]types.EnvironmentVariable, error)
	// AfterRunEnd returns what the collector gathered. cancelled is set when
	// the run was aborted.
	AfterRunEnd(ctx context.Context, cancelled bool) (types.AttachmentSet, error)
}

// CollectorError is a failure of one collector hook.
type CollectorError struct {
	Collector string
	Hook      string
	Err       error
}

func (e *CollectorError) Error() string {
	return fmt.Sprintf("collector %s failed in %s: %v", e.Collector, e.Hook, e.Err)
}

func (e *CollectorError) Unwrap() error {
	return e.Err
}

// IsCollectorError checks if the error is or wraps a CollectorError
func IsCollectorError(err error) bool {
	var collectorErr *CollectorError
	return err != nil && errors.As(err, &collectorErr)
}

// AggregateError holds every collector error of a run in the order they
// happened. The first element is the first error encountered.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d data collector error(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// First returns the first error encountered.
func (e *AggregateError) First() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}
