package testhost

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testhost/parallel"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// RunResult is what the CLI keeps of a finished run.
type RunResult struct {
	Completion *parallel.Completion
	// Discovered and Failed are keyed by source.
	Discovered map[string][]types.TestCase
	Failed     map[string][]types.TestResult
	Events     int
}

// Succeeded reports whether the run should exit with code 0.
func (r *RunResult) Succeeded() bool {
	return r.Completion != nil && r.Completion.Succeeded()
}

func (r *RunResult) String() string {
	c := r.Completion
	if c == nil {
		return "no result"
	}
	status := "passed"
	switch {
	case c.Aborted:
		status = "aborted"
	case !c.Succeeded():
		status = "failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s: ", c.RunID, status)
	if c.Kind == types.RequestDiscovery {
		fmt.Fprintf(&b, "discovered %d tests", c.Totals.Discovered)
	} else {
		fmt.Fprintf(&b, "executed %d, passed %d, failed %d, skipped %d",
			c.Totals.Executed, c.Totals.Passed, c.Totals.Failed, c.Totals.Skipped)
	}
	if faulted := len(c.SourcesIn(types.SourceFaulted)); faulted > 0 {
		fmt.Fprintf(&b, ", %d source(s) faulted", faulted)
	}
	if notStarted := len(c.SourcesIn(types.SourceNotStarted)); notStarted > 0 {
		fmt.Fprintf(&b, ", %d source(s) not started", notStarted)
	}
	fmt.Fprintf(&b, " in %s", formatDuration(c.Duration))
	return b.String()
}

// resultCollector folds a run's event stream into a RunResult.
type resultCollector struct {
	result *RunResult
}

func newResultCollector() *resultCollector {
	return &resultCollector{result: &RunResult{
		Discovered: make(map[string][]types.TestCase),
		Failed:     make(map[string][]types.TestResult),
	}}
}

func (c *resultCollector) Add(ev parallel.Event) {
	c.result.Events++
	switch ev.Kind {
	case parallel.EventPartialResult:
		for _, tc := range ev.Partial.DiscoveredTests {
			c.result.Discovered[tc.Source] = append(c.result.Discovered[tc.Source], tc)
		}
		for _, r := range ev.Partial.Results {
			if r.Status == types.TestStatusFail {
				src := r.TestCase.Source
				c.result.Failed[src] = append(c.result.Failed[src], r)
			}
		}
	case parallel.EventComplete:
		c.result.Completion = ev.Complete
	}
}

func (c *resultCollector) Result() *RunResult {
	return c.result
}

// printResultsTable renders the per-source outcome of a run.
func printResultsTable(w io.Writer, r *RunResult) {
	c := r.Completion
	if c == nil {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Test Host Results (%s)", formatDuration(c.Duration)))
	t.Style().Format.Footer = text.FormatDefault

	t.AppendHeader(table.Row{
		"Type", "ID", "Host", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	discovery := c.Kind == types.RequestDiscovery
	for _, s := range c.Sources {
		tests := s.Totals.Executed
		if discovery {
			tests = s.Totals.Discovered
		}
		t.AppendRow(table.Row{
			"Source",
			s.Source,
			shortID(s.HostID),
			formatDuration(s.Totals.Duration),
			tests,
			s.Totals.Passed,
			s.Totals.Failed,
			s.Totals.Skipped,
			getStateString(s),
			extractKeyErrorMessage(s.Failure.Error()),
		})

		var children []table.Row
		if discovery {
			for _, tc := range r.Discovered[s.Source] {
				children = append(children, table.Row{"Test", tc.Name, "", "", "", "", "", "", "", ""})
			}
		} else {
			for _, f := range r.Failed[s.Source] {
				children = append(children, table.Row{
					"Test",
					f.TestCase.Name,
					"",
					formatDuration(f.Duration),
					1, 0, 1, 0,
					"✗ fail",
					extractKeyErrorMessage(f.ErrorMessage),
				})
			}
		}
		for i, row := range children {
			prefix := "├──"
			if i == len(children)-1 {
				prefix = "└──"
			}
			row[1] = fmt.Sprintf("%s %s", prefix, row[1])
			t.AppendRow(row)
		}
	}

	t.AppendSeparator()
	total := c.Totals.Executed
	if discovery {
		total = c.Totals.Discovered
	}
	t.AppendFooter(table.Row{
		"Run",
		c.RunID,
		fmt.Sprintf("%d host(s)", c.HostsLaunched),
		formatDuration(c.Duration),
		total,
		c.Totals.Passed,
		c.Totals.Failed,
		c.Totals.Skipped,
		getRunString(c),
		collectorErrorString(c),
	})
	t.Render()
}

func getStateString(s types.SourceStatus) string {
	switch s.State {
	case types.SourceCompleted:
		if s.Totals.Failed > 0 {
			return "✗ fail"
		}
		return "✓ pass"
	case types.SourceFaulted:
		return "✗ faulted"
	case types.SourceAborted:
		return "- aborted"
	default:
		return "- not started"
	}
}

func getRunString(c *parallel.Completion) string {
	switch {
	case c.Aborted:
		return "- aborted"
	case c.Succeeded():
		return "✓ pass"
	default:
		return "✗ fail"
	}
}

func collectorErrorString(c *parallel.Completion) string {
	if c.CollectorErr == nil {
		return ""
	}
	return extractKeyErrorMessage(c.CollectorErr.Error())
}

// extractKeyErrorMessage keeps the most telling line of an error message.
func extractKeyErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	for _, marker := range []string{"panic:", "assertion failed:", "Error:", "syntax error"} {
		if idx := strings.Index(msg, marker); idx != -1 {
			end := len(msg)
			if newLine := strings.Index(msg[idx:], "\n"); newLine != -1 {
				end = idx + newLine
			}
			return msg[idx:end]
		}
	}
	if idx := strings.Index(msg, "\n"); idx != -1 {
		msg = msg[:idx]
	}
	if len(msg) > 80 {
		return msg[:77] + "..."
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatDuration formats d in seconds with one decimal place.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
