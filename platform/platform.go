// Package platform holds the process-wide services every request shares.
// It is created once by the caller and handed down explicitly.
package platform

import (
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testhost/datacollection"
	"github.com/ethereum-optimism/infra/op-testhost/host"
	"github.com/ethereum-optimism/infra/op-testhost/limiter"
	"github.com/ethereum-optimism/infra/op-testhost/metrics"
)

const tracerName = "testhost"

// Platform bundles the limiter, launcher, collector registry and telemetry.
type Platform struct {
	Log        log.Logger
	Metrics    metrics.Metricer
	Tracer     trace.Tracer
	Limiter    *limiter.Limiter
	Launcher   host.Launcher
	Collectors *datacollection.Registry
}

// Option overrides one of the defaults.
type Option func(*Platform)

func WithMetrics(m metrics.Metricer) Option {
	return func(p *Platform) {
		p.Metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Platform) {
		p.Tracer = t
	}
}

func WithLimiter(l *limiter.Limiter) Option {
	return func(p *Platform) {
		p.Limiter = l
	}
}

func WithLauncher(l host.Launcher) Option {
	return func(p *Platform) {
		p.Launcher = l
	}
}

func WithCollectors(r *datacollection.Registry) Option {
	return func(p *Platform) {
		p.Collectors = r
	}
}

// New fills every service not given as an option with its default: noop
// metrics, the global tracer provider, a NumCPU limiter, the exec launcher
// and the built-in collectors.
func New(logger log.Logger, opts ...Option) *Platform {
	p := &Platform{Log: logger}
	for _, opt := range opts {
		opt(p)
	}
	if p.Log == nil {
		p.Log = log.Root()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NoopMetrics
	}
	if p.Tracer == nil {
		p.Tracer = otel.Tracer(tracerName)
	}
	if p.Limiter == nil {
		p.Limiter = limiter.New(limiter.Config{}, p.Metrics)
	}
	if p.Launcher == nil {
		p.Launcher = host.NewExecLauncher(p.Log.New("component", "launcher"))
	}
	if p.Collectors == nil {
		p.Collectors = datacollection.DefaultRegistry()
	}
	return p
}
