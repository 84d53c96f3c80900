package parallel

import (
	"fmt"
	"runtime"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// MaxParallelLevel caps the parallel level picked from the CPU count. An
// explicit request is not capped.
const MaxParallelLevel = 32

// ParallelLevel returns how many hosts a request with units partitions runs
// on. A requested level of zero or less means one per logical CPU, at most
// MaxParallelLevel. The result is never more than units and never below 1.
func ParallelLevel(requested, units int) int {
	if requested <= 0 {
		requested = min(runtime.NumCPU(), MaxParallelLevel)
	}
	return max(min(requested, units), 1)
}

// Partition splits a request into its units of scheduling, preserving input
// order: one source per partition, or one source's test cases when test
// cases are given. Partitions are never split further.
func Partition(kind types.RequestKind, sources []string, testCases []types.TestCase) []types.WorkPartition {
	var partitions []types.WorkPartition
	if len(testCases) > 0 {
		order, groups := types.GroupTestCasesBySource(testCases)
		for _, source := range order {
			partitions = append(partitions, types.WorkPartition{
				Kind:      kind,
				Sources:   []string{source},
				TestCases: groups[source],
			})
		}
	} else {
		for _, source := range sources {
			partitions = append(partitions, types.WorkPartition{
				Kind:    kind,
				Sources: []string{source},
			})
		}
	}
	for i := range partitions {
		partitions[i].Index = i
		partitions[i].ID = fmt.Sprintf("partition-%d", i)
	}
	return partitions
}
