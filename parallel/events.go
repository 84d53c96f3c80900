package parallel

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// EventKind distinguishes the events of a run.
type EventKind int

const (
	EventPartialResult EventKind = iota
	EventLog
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventPartialResult:
		return "partial_result"
	case EventLog:
		return "log"
	case EventComplete:
		return "complete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one entry of a run's result stream. Sequence numbers are assigned
// in arrival order across all hosts. The Complete event is always last.
type Event struct {
	Kind        EventKind
	RunID       string
	Sequence    uint64
	Time        time.Time
	PartitionID string
	HostID      string

	Partial  *protocol.PartialResultPayload
	Log      *protocol.LogPayload
	Complete *Completion
}

// Completion is the aggregate outcome of a run.
type Completion struct {
	RunID string
	Kind  types.RequestKind
	// Totals sum the completed and aborted partitions. Faulted partitions
	// report what they got done only in their source status.
	Totals      types.Totals
	Attachments []types.AttachmentSet // Workers first, then collectors
	Sources     []types.SourceStatus  // Input order
	Aborted     bool
	Duration    time.Duration

	ParallelLevel int
	HostsLaunched int

	// CollectorErr is the collectors' *datacollection.AggregateError, if any.
	CollectorErr error
}

// SourcesIn returns the sources that ended in state.
func (c *Completion) SourcesIn(state types.SourceState) []types.SourceStatus {
	var out []types.SourceStatus
	for _, s := range c.Sources {
		if s.State == state {
			out = append(out, s)
		}
	}
	return out
}

// Succeeded reports whether every source completed and no test failed.
func (c *Completion) Succeeded() bool {
	if c.Aborted || c.Totals.Failed > 0 {
		return false
	}
	for _, s := range c.Sources {
		if s.State != types.SourceCompleted {
			return false
		}
	}
	return true
}

// Summary renders the completion for the run log.
func (c *Completion) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s) finished in %s", c.RunID, c.Kind, c.Duration.Round(time.Millisecond))
	if c.Aborted {
		b.WriteString(" [aborted]")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "parallel level %d, %d host(s) launched\n", c.ParallelLevel, c.HostsLaunched)
	fmt.Fprintf(&b, "discovered=%d executed=%d passed=%d failed=%d skipped=%d\n",
		c.Totals.Discovered, c.Totals.Executed, c.Totals.Passed, c.Totals.Failed, c.Totals.Skipped)
	for _, s := range c.Sources {
		fmt.Fprintf(&b, "%-12s %s", s.State, s.Source)
		if s.Failure != nil {
			fmt.Fprintf(&b, " (%s)", s.Failure.Error())
		}
		b.WriteString("\n")
	}
	if c.CollectorErr != nil {
		fmt.Fprintf(&b, "data collection: %v\n", c.CollectorErr)
	}
	return b.String()
}
