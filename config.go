package testhost

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-testhost/flags"
	"github.com/ethereum-optimism/infra/op-testhost/limiter"
	"github.com/ethereum-optimism/infra/op-testhost/manager"
	"github.com/ethereum-optimism/infra/op-testhost/parallel"
	"github.com/ethereum-optimism/infra/op-testhost/service"
	"github.com/ethereum-optimism/infra/op-testhost/settings"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Config holds the application configuration
type Config struct {
	Sources   []string
	TestCases []types.TestCase
	Discover  bool // List tests instead of running them

	Settings    *settings.Settings
	Parallelism int
	RunInterval time.Duration // Interval between runs
	RunOnce     bool          // Exit after one run

	Parallel parallel.Config
	Limiter  limiter.Config
	Service  service.Config
	Log      log.Logger
}

// NewConfig creates a new Config from cli context. Flags that are set
// override the settings file.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	s := &settings.Settings{}
	if path := ctx.String(flags.Settings.Name); path != "" {
		var err error
		if s, err = settings.Load(path); err != nil {
			return nil, err
		}
	}

	testCases, err := ParseTestCases(ctx.StringSlice(flags.Tests.Name))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Sources:     ctx.StringSlice(flags.Sources.Name),
		TestCases:   testCases,
		Discover:    ctx.Bool(flags.Discover.Name),
		Settings:    s,
		Parallelism: s.MaxParallelism,
		RunInterval: ctx.Duration(flags.RunInterval.Name),
		Log:         log,
	}
	cfg.RunOnce = cfg.RunInterval == 0
	if ctx.IsSet(flags.Parallelism.Name) {
		cfg.Parallelism = ctx.Int(flags.Parallelism.Name)
	}

	if len(cfg.Sources) == 0 && len(cfg.TestCases) == 0 {
		return nil, errors.New("either --sources or --tests is required")
	}
	if len(cfg.Sources) > 0 && len(cfg.TestCases) > 0 {
		return nil, errors.New("--sources and --tests are mutually exclusive")
	}
	if cfg.Discover && len(cfg.TestCases) > 0 {
		return nil, errors.New("--discover needs --sources")
	}
	if cfg.Parallelism < 0 {
		return nil, fmt.Errorf("parallelism must not be negative, got %d", cfg.Parallelism)
	}

	host := manager.Config{
		Executable:              pickString(ctx, flags.Worker, s.Host.Executable),
		Args:                    s.Host.Args,
		Env:                     s.Host.Env,
		WorkDir:                 pickString(ctx, flags.WorkDir, s.Host.WorkDir),
		Shared:                  s.ShareHosts || ctx.Bool(flags.ShareHosts.Name),
		ConnectionTimeout:       pickDuration(ctx, flags.ConnectionTimeout, s.Host.ConnectionTimeout),
		AbortGracePeriod:        pickDuration(ctx, flags.AbortGracePeriod, s.Host.AbortGracePeriod),
		RequiredProtocolVersion: s.Host.ProtocolVersion,
	}
	if ctx.IsSet(flags.WorkerArgs.Name) {
		host.Args = ctx.StringSlice(flags.WorkerArgs.Name)
	}
	if ctx.IsSet(flags.ProtocolVersion.Name) {
		host.RequiredProtocolVersion = ctx.Int(flags.ProtocolVersion.Name)
	}
	if host.WorkDir != "" {
		if host.WorkDir, err = filepath.Abs(host.WorkDir); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for work directory '%s': %w", host.WorkDir, err)
		}
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir != "" {
		if logDir, err = filepath.Abs(logDir); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
		}
	}
	cfg.Parallel = parallel.Config{
		Host:       host,
		Collectors: s.Collectors,
		LogDir:     logDir,
	}

	cfg.Limiter = limiter.Config{
		Capacity:   ctx.Int(flags.MaxHosts.Name),
		LaunchRate: ctx.Float64(flags.LaunchRate.Name),
	}

	cfg.Service = service.Config{HealthzAddr: ctx.String(flags.HealthzAddr.Name)}
	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if metricsCfg.Enabled {
		if err := metricsCfg.Check(); err != nil {
			return nil, fmt.Errorf("invalid metrics config: %w", err)
		}
		cfg.Service.MetricsAddr = net.JoinHostPort(metricsCfg.ListenAddr, strconv.Itoa(metricsCfg.ListenPort))
	}
	return cfg, nil
}

// ParseTestCases parses "source::TestName" selectors.
func ParseTestCases(selectors []string) ([]types.TestCase, error) {
	var out []types.TestCase
	for _, sel := range selectors {
		source, name, ok := strings.Cut(sel, "::")
		if !ok || source == "" || name == "" {
			return nil, fmt.Errorf("invalid test selector %q, want 'source::TestName'", sel)
		}
		out = append(out, types.TestCase{ID: sel, Name: name, Source: source})
	}
	return out, nil
}

func pickString(ctx *cli.Context, f *cli.StringFlag, fromSettings string) string {
	if ctx.IsSet(f.Name) || fromSettings == "" {
		return ctx.String(f.Name)
	}
	return fromSettings
}

func pickDuration(ctx *cli.Context, f *cli.DurationFlag, fromSettings time.Duration) time.Duration {
	if ctx.IsSet(f.Name) || fromSettings == 0 {
		return ctx.Duration(f.Name)
	}
	return fromSettings
}
