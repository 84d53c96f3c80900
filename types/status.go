package types

// SourceState is the final state of a source within a run.
type SourceState string

const (
	SourceCompleted  SourceState = "completed"
	SourceFaulted    SourceState = "faulted"
	SourceAborted    SourceState = "aborted" // Partially completed, the caller cancelled
	SourceNotStarted SourceState = "not_started"
)

// FailureKind classifies a partition-local failure.
type FailureKind string

const (
	FailureHostLaunch        FailureKind = "host_launch"
	FailureConnectionTimeout FailureKind = "connection_timeout"
	FailureConnectionClosed  FailureKind = "connection_closed"
	FailureHandshake         FailureKind = "handshake"
	FailureHostExited        FailureKind = "host_exited"
	FailureProtocol          FailureKind = "protocol"
	FailureAborted           FailureKind = "aborted"
	FailureWorker            FailureKind = "worker" // The worker completed but reported an error
)

// Failure describes why a partition did not complete.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return string(f.Kind) + ": " + f.Message
}

// SourceStatus is the per-source entry of an aggregate completion.
type SourceStatus struct {
	Source      string
	State       SourceState
	PartitionID string
	HostID      string
	Totals      Totals // Totals reported by the partition before it ended
	Failure     *Failure
}

// PartiallyCompleted reports whether the source produced results before it
// stopped without completing.
func (s SourceStatus) PartiallyCompleted() bool {
	return s.State != SourceCompleted && !s.Totals.IsZero()
}
