package testhost

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testhost/datacollection"
	"github.com/ethereum-optimism/infra/op-testhost/parallel"
	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

func TestResultCollector(t *testing.T) {
	c := newResultCollector()
	failed := types.TestResult{
		TestCase:     types.TestCase{ID: "pkg/a::TestB", Name: "TestB", Source: "pkg/a"},
		Status:       types.TestStatusFail,
		ErrorMessage: "expected 1, got 2",
	}
	c.Add(parallel.Event{Kind: parallel.EventPartialResult, Partial: &protocol.PartialResultPayload{
		Results: []types.TestResult{
			{TestCase: types.TestCase{ID: "pkg/a::TestA", Name: "TestA", Source: "pkg/a"}, Status: types.TestStatusPass},
			failed,
		},
	}})
	c.Add(parallel.Event{Kind: parallel.EventLog, Log: &protocol.LogPayload{Level: protocol.LogLevelInfo, Text: "hi"}})
	completion := &parallel.Completion{RunID: "run-1", Kind: types.RequestExecution}
	c.Add(parallel.Event{Kind: parallel.EventComplete, Complete: completion})

	r := c.Result()
	assert.Equal(t, 3, r.Events)
	assert.Same(t, completion, r.Completion)
	assert.Equal(t, []types.TestResult{failed}, r.Failed["pkg/a"])
}

func TestPrintResultsTable(t *testing.T) {
	r := &RunResult{
		Completion: &parallel.Completion{
			RunID:         "run-1",
			Kind:          types.RequestExecution,
			Totals:        types.Totals{Executed: 3, Passed: 2, Failed: 1},
			Duration:      1500 * time.Millisecond,
			HostsLaunched: 2,
			Sources: []types.SourceStatus{
				{Source: "pkg/a", State: types.SourceCompleted, HostID: "0123456789abcdef", Totals: types.Totals{Executed: 3, Passed: 2, Failed: 1}},
				{Source: "pkg/b", State: types.SourceFaulted, Failure: &types.Failure{Kind: types.FailureHostExited, Message: "host exited with code 2"}},
				{Source: "pkg/c", State: types.SourceNotStarted},
			},
			CollectorErr: &datacollection.AggregateError{Errors: []error{errors.New("disk full")}},
		},
		Failed: map[string][]types.TestResult{
			"pkg/a": {{TestCase: types.TestCase{Name: "TestB", Source: "pkg/a"}, Status: types.TestStatusFail, ErrorMessage: "expected 1, got 2"}},
		},
	}

	var out bytes.Buffer
	printResultsTable(&out, r)
	table := out.String()
	assert.Contains(t, table, "Test Host Results (1.5s)")
	assert.Contains(t, table, "01234567")
	assert.NotContains(t, table, "0123456789abcdef")
	assert.Contains(t, table, "└── TestB")
	assert.Contains(t, table, "expected 1, got 2")
	assert.Contains(t, table, "✗ faulted")
	assert.Contains(t, table, "host_exited: host exited with code 2")
	assert.Contains(t, table, "- not started")
	assert.Contains(t, table, "2 host(s)")
	assert.Contains(t, table, "disk full")

	assert.False(t, r.Succeeded())
	assert.Equal(t, "Run run-1 failed: executed 3, passed 2, failed 1, skipped 0, 1 source(s) faulted, 1 source(s) not started in 1.5s", r.String())
}

func TestPrintResultsTable_NoCompletion(t *testing.T) {
	var out bytes.Buffer
	printResultsTable(&out, &RunResult{})
	assert.Empty(t, out.String())
	assert.Equal(t, "no result", (&RunResult{}).String())
}

func TestExtractKeyErrorMessage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short message", "short message"},
		{"first line\nsecond line", "first line"},
		{"go test ./pkg: exit status 2\npanic: runtime error: index out of range\ngoroutine 1", "panic: runtime error: index out of range"},
		{"# pkg\nbroken.go:3:1: syntax error: unexpected }", "syntax error: unexpected }"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractKeyErrorMessage(tt.in))
	}

	long := extractKeyErrorMessage(string(bytes.Repeat([]byte("x"), 200)))
	require.Len(t, long, 80)
	assert.True(t, len(long) == 80 && long[77:] == "...")
}
