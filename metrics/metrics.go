package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

const (
	MetricsNamespace = "testhost"
)

var nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

// Metricer is everything the orchestrator reports. Components receive it
// through the platform rather than touching globals.
type Metricer interface {
	RecordError(label string)
	RecordErrorDetails(label string, err error)

	RecordManagerTransition(from, to string)
	RecordHostLaunch(success bool, duration time.Duration)
	RecordHostExit(expected bool)
	RecordMessage(direction string, msgType string)

	RecordSlotAcquired(wait time.Duration)
	SetSlotsInUse(n int)

	RecordPartition(kind types.RequestKind, state types.SourceState, duration time.Duration)
	RecordRun(kind types.RequestKind, aborted bool, totals types.Totals, duration time.Duration)
	RecordCollectorError(collector string, hook string)
}

// Metrics is the Prometheus Metricer.
type Metrics struct {
	registry *prometheus.Registry

	errorsTotal        *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	hostLaunchesTotal  *prometheus.CounterVec
	hostLaunchDuration prometheus.Histogram
	hostExitsTotal     *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	slotWait           prometheus.Histogram
	slotsInUse         prometheus.Gauge
	partitionsTotal    *prometheus.CounterVec
	partitionDuration  *prometheus.HistogramVec
	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	testsTotal         *prometheus.CounterVec
	collectorErrors    *prometheus.CounterVec
}

var _ Metricer = (*Metrics)(nil)

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "errors_total",
			Help:      "Count of errors",
		}, []string{"error"}),
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "manager_transitions_total",
			Help:      "Count of operation manager state transitions",
		}, []string{"from", "to"}),
		hostLaunchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "host_launches_total",
			Help:      "Count of host process launches",
		}, []string{"result"}),
		hostLaunchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "host_launch_duration_seconds",
			Help:      "Time from launch to a completed handshake",
			Buckets:   prometheus.DefBuckets,
		}),
		hostExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "host_exits_total",
			Help:      "Count of host process exits",
		}, []string{"expected"}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "protocol_messages_total",
			Help:      "Count of protocol messages",
		}, []string{"direction", "type"}),
		slotWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "limiter_wait_seconds",
			Help:      "Time spent waiting for a host slot",
			Buckets:   prometheus.DefBuckets,
		}),
		slotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "limiter_slots_in_use",
			Help:      "Host slots currently held",
		}),
		partitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "partitions_total",
			Help:      "Count of finished partitions",
		}, []string{"kind", "state"}),
		partitionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "partition_duration_seconds",
			Help:      "Duration of partitions",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "runs_total",
			Help:      "Count of finished runs",
		}, []string{"kind", "aborted"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"kind"}),
		testsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "tests_total",
			Help:      "Count of executed tests by result",
		}, []string{"result"}),
		collectorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "collector_errors_total",
			Help:      "Count of data collector failures",
		}, []string{"collector", "hook"}),
	}
}

// Registry exposes the registry for the metrics server.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func (m *Metrics) RecordError(label string) {
	m.errorsTotal.WithLabelValues(label).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func (m *Metrics) RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	m.RecordError(fmt.Sprintf("%s.%s", label, errToLabel(err)))
}

func (m *Metrics) RecordManagerTransition(from, to string) {
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordHostLaunch(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.hostLaunchesTotal.WithLabelValues(result).Inc()
	if success {
		m.hostLaunchDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordHostExit(expected bool) {
	m.hostExitsTotal.WithLabelValues(fmt.Sprint(expected)).Inc()
}

func (m *Metrics) RecordMessage(direction string, msgType string) {
	m.messagesTotal.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) RecordSlotAcquired(wait time.Duration) {
	m.slotWait.Observe(wait.Seconds())
}

func (m *Metrics) SetSlotsInUse(n int) {
	m.slotsInUse.Set(float64(n))
}

func (m *Metrics) RecordPartition(kind types.RequestKind, state types.SourceState, duration time.Duration) {
	m.partitionsTotal.WithLabelValues(string(kind), string(state)).Inc()
	m.partitionDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) RecordRun(kind types.RequestKind, aborted bool, totals types.Totals, duration time.Duration) {
	m.runsTotal.WithLabelValues(string(kind), fmt.Sprint(aborted)).Inc()
	m.runDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	m.testsTotal.WithLabelValues(string(types.TestStatusPass)).Add(float64(totals.Passed))
	m.testsTotal.WithLabelValues(string(types.TestStatusFail)).Add(float64(totals.Failed))
	m.testsTotal.WithLabelValues(string(types.TestStatusSkip)).Add(float64(totals.Skipped))
}

func (m *Metrics) RecordCollectorError(collector string, hook string) {
	m.collectorErrors.WithLabelValues(collector, hook).Inc()
}
