package hosttest

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum-optimism/infra/op-testhost/worker"
)

// Adapter is a scripted worker.Adapter. Every source holds TestsPerSource
// tests named Test1..TestN.
type Adapter struct {
	TestsPerSource int
	// Delay is spent on every executed test.
	Delay time.Duration
	// FailSources marks sources whose tests fail.
	FailSources map[string]bool
	// Hook runs before each source. A non-nil error ends the request.
	Hook func(ctx context.Context, p *Process, source string) error
	// Attachments are added to every completed request.
	Attachments []types.AttachmentSet

	process *Process
}

var _ worker.Adapter = (*Adapter)(nil)

// Factory returns a WithAdapterFactory function that hands each process its
// own copy of a.
func (a Adapter) Factory() func(p *Process) worker.Adapter {
	return func(p *Process) worker.Adapter {
		cp := a
		cp.process = p
		return &cp
	}
}

func (a *Adapter) testsPerSource() int {
	if a.TestsPerSource <= 0 {
		return 2
	}
	return a.TestsPerSource
}

// TestCases returns the cases Discover reports for source.
func (a *Adapter) TestCases(source string) []types.TestCase {
	tests := make([]types.TestCase, 0, a.testsPerSource())
	for i := 1; i <= a.testsPerSource(); i++ {
		name := fmt.Sprintf("Test%d", i)
		tests = append(tests, types.TestCase{ID: source + "::" + name, Name: name, Source: source})
	}
	return tests
}

func (a *Adapter) Discover(ctx context.Context, req worker.DiscoveryRequest, r worker.Reporter) error {
	for _, source := range req.Sources {
		if err := a.hook(ctx, source); err != nil {
			return err
		}
		if err := r.ReportDiscovered(a.TestCases(source)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Execute(ctx context.Context, req worker.ExecutionRequest, r worker.Reporter) error {
	sources, groups := req.Sources, map[string][]types.TestCase{}
	if len(req.TestCases) > 0 {
		sources, groups = types.GroupTestCasesBySource(req.TestCases)
	}

	for _, source := range sources {
		if err := a.hook(ctx, source); err != nil {
			return err
		}
		_ = r.Log(protocol.LogLevelInfo, "running "+source)
		tests := groups[source]
		if len(tests) == 0 {
			tests = a.TestCases(source)
		}
		for _, tc := range tests {
			if a.Delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(a.Delay):
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			result := types.TestResult{TestCase: tc, Status: types.TestStatusPass, Duration: a.Delay}
			if a.FailSources[source] {
				result.Status = types.TestStatusFail
				result.ErrorMessage = "scripted failure"
			}
			if err := r.ReportResults([]types.TestResult{result}); err != nil {
				return err
			}
		}
	}
	r.AddAttachments(a.Attachments...)
	return nil
}

func (a *Adapter) hook(ctx context.Context, source string) error {
	if a.Hook == nil {
		return nil
	}
	return a.Hook(ctx, a.process, source)
}
