package types

import "fmt"

// RequestKind distinguishes discovery from execution requests.
type RequestKind string

const (
	RequestDiscovery RequestKind = "discovery"
	RequestExecution RequestKind = "execution"
)

// WorkPartition is the unit of work assigned to one host for one dispatch.
// It is immutable once assigned.
type WorkPartition struct {
	ID        string      `json:"id"`
	Index     int         `json:"index"` // Position in the request's input order
	Kind      RequestKind `json:"kind"`
	Sources   []string    `json:"sources"`
	TestCases []TestCase  `json:"testCases,omitempty"`
}

func (p WorkPartition) String() string {
	return fmt.Sprintf("partition %d (%s, sources=%v)", p.Index, p.Kind, p.Sources)
}
