// Package service runs the healthz and metrics HTTP endpoints.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethereum-optimism/infra/op-testhost/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = 8080

	MetricsHost = "0.0.0.0"
	MetricsPort = 7300

	shutdownTimeout = 5 * time.Second
)

type Config struct {
	HealthzAddr string
	// MetricsAddr empty disables the metrics server.
	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		HealthzAddr: net.JoinHostPort(HealthzHost, fmt.Sprint(HealthzPort)),
		MetricsAddr: net.JoinHostPort(MetricsHost, fmt.Sprint(MetricsPort)),
	}
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	log log.Logger
	cfg Config
	m   metrics.Metricer
}

func New(logger log.Logger, cfg Config, m metrics.Metricer, gatherer prometheus.Gatherer) *Service {
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	return &Service{
		Healthz: &HealthzServer{log: logger},
		Metrics: &MetricsServer{gatherer: gatherer},
		log:     logger,
		cfg:     cfg,
		m:       m,
	}
}

// Start binds both servers and serves them in the background. Bind errors
// are returned, later serve errors are logged.
func (s *Service) Start() error {
	s.log.Info("service starting")

	if s.cfg.HealthzAddr != "" {
		if err := s.Healthz.Listen(s.cfg.HealthzAddr); err != nil {
			return fmt.Errorf("failed to start healthz server: %w", err)
		}
		s.log.Info("starting healthz server", "addr", s.Healthz.Addr())
		go s.serve("healthz", s.Healthz.Serve)
	}

	if s.cfg.MetricsAddr != "" {
		if err := s.Metrics.Listen(s.cfg.MetricsAddr); err != nil {
			_ = s.Healthz.Shutdown(context.Background())
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.log.Info("starting metrics server", "addr", s.Metrics.Addr())
		go s.serve("metrics", s.Metrics.Serve)
	}

	s.log.Info("service started")
	return nil
}

func (s *Service) serve(name string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("error serving "+name, "err", err)
		s.m.RecordErrorDetails("serve_"+name, err)
	}
}

func (s *Service) Shutdown() {
	s.log.Info("service shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = s.Healthz.Shutdown(ctx)
	s.log.Info("healthz stopped")

	_ = s.Metrics.Shutdown(ctx)
	s.log.Info("metrics stopped")

	s.log.Info("service stopped")
}
