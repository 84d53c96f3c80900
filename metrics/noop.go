package metrics

import (
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

type noopMetrics struct{}

// NoopMetrics discards everything. Used in tests and when metrics are disabled.
var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordError(string) {}
func (noopMetrics) RecordErrorDetails(string, error) {}
func (noopMetrics) RecordManagerTransition(string, string) {}
func (noopMetrics) RecordHostLaunch(bool, time.Duration) {}
func (noopMetrics) RecordHostExit(bool) {}
func (noopMetrics) RecordMessage(string, string) {}
func (noopMetrics) RecordSlotAcquired(time.Duration) {}
func (noopMetrics) SetSlotsInUse(int) {}
func (noopMetrics) RecordPartition(types.RequestKind, types.SourceState, time.Duration) {}
func (noopMetrics) RecordRun(types.RequestKind, bool, types.Totals, time.Duration) {}
func (noopMetrics) RecordCollectorError(string, string) {}
