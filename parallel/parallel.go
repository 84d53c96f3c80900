// Package parallel turns one discovery or execution request into a bounded
// fan-out over worker hosts and merges their results into a single stream.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-testhost/datacollection"
	"github.com/ethereum-optimism/infra/op-testhost/host"
	"github.com/ethereum-optimism/infra/op-testhost/logging"
	"github.com/ethereum-optimism/infra/op-testhost/manager"
	"github.com/ethereum-optimism/infra/op-testhost/platform"
	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// ErrInvalidRequest is returned for requests that cannot start.
var ErrInvalidRequest = errors.New("invalid request")

// Config configures a ParallelOperationManager.
type Config struct {
	// Host is the template every host is launched from. HostID and
	// SessionID are assigned per host and run.
	Host manager.Config
	// Collectors are created for every run, in this order.
	Collectors []datacollection.CollectorConfig
	// LogDir receives a testrun-<id> directory per run. Empty disables the
	// run log.
	LogDir string
}

// ExecutionRequest names what to run: whole sources, or selected test cases.
type ExecutionRequest struct {
	Sources   []string
	TestCases []types.TestCase
	// Settings is the run settings document, forwarded to workers verbatim.
	Settings        string
	ParallelismHint int
}

// ParallelOperationManager runs requests on hosts drawn from the platform's
// limiter. Requests may run concurrently.
type ParallelOperationManager struct {
	platform *platform.Platform
	cfg      Config
	log      log.Logger
}

func New(p *platform.Platform, cfg Config) *ParallelOperationManager {
	return &ParallelOperationManager{
		platform: p,
		cfg:      cfg,
		log:      p.Log.New("component", "parallel"),
	}
}

// Discover lists the tests in sources. The run is bound to ctx.
func (pm *ParallelOperationManager) Discover(ctx context.Context, sources []string, settings string, hint int) (*Run, error) {
	return pm.start(ctx, types.RequestDiscovery, Partition(types.RequestDiscovery, sources, nil), settings, hint)
}

// Execute runs the sources or test cases of req. The run is bound to ctx.
func (pm *ParallelOperationManager) Execute(ctx context.Context, req ExecutionRequest) (*Run, error) {
	if len(req.Sources) > 0 && len(req.TestCases) > 0 {
		return nil, fmt.Errorf("%w: give either sources or test cases, not both", ErrInvalidRequest)
	}
	partitions := Partition(types.RequestExecution, req.Sources, req.TestCases)
	return pm.start(ctx, types.RequestExecution, partitions, req.Settings, req.ParallelismHint)
}

// start validates everything that would fail every partition alike, then
// starts the run in the background.
func (pm *ParallelOperationManager) start(ctx context.Context, kind types.RequestKind, partitions []types.WorkPartition, settings string, hint int) (*Run, error) {
	hostCfg, err := pm.hostConfig()
	if err != nil {
		return nil, err
	}
	hostCfg.Settings = settings

	runID := uuid.New().String()
	logger := pm.log.New("run", runID)

	var runLog *logging.RunLog
	resultsDir := filepath.Join(os.TempDir(), "op-testhost")
	if pm.cfg.LogDir != "" {
		runLog, err = logging.NewRunLog(pm.cfg.LogDir, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to create run log: %w", err)
		}
		resultsDir = runLog.Dir()
	}

	coord, err := datacollection.NewCoordinator(ctx, logger, pm.platform.Metrics, pm.platform.Collectors, runID, resultsDir, pm.cfg.Collectors)
	if err != nil {
		if runLog != nil {
			_ = runLog.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:     runID,
		Kind:   kind,
		events: make(chan Event, 256),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r := &runner{
		platform:   pm.platform,
		log:        logger,
		run:        run,
		partitions: partitions,
		level:      ParallelLevel(hint, len(partitions)),
		hostCfg:    hostCfg,
		coord:      coord,
		runLog:     runLog,
		sink:       make(chan manager.Event),
	}
	logger.Info("Starting run", "kind", kind, "partitions", len(partitions), "parallel_level", r.level)
	go r.loop(runCtx)
	return run, nil
}

func (pm *ParallelOperationManager) hostConfig() (manager.Config, error) {
	cfg := pm.cfg.Host
	if cfg.Executable == "" {
		return cfg, fmt.Errorf("%w: no worker executable configured", ErrInvalidRequest)
	}
	if _, ok := pm.platform.Launcher.(*host.ExecLauncher); ok {
		path, err := host.ResolveExecutable(cfg.Executable)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		cfg.Executable = path
	}

	maxVersion := cfg.MaxProtocolVersion
	if maxVersion <= 0 {
		maxVersion = protocol.LatestVersion
	}
	if maxVersion < protocol.MinVersion {
		return cfg, fmt.Errorf("%w: protocol version %d is below the minimum %d", ErrInvalidRequest, maxVersion, protocol.MinVersion)
	}
	if required := cfg.RequiredProtocolVersion; required != 0 {
		if required < protocol.MinVersion || required > min(maxVersion, protocol.LatestVersion) {
			return cfg, fmt.Errorf("%w: required protocol version %d is not supported", ErrInvalidRequest, required)
		}
	}
	return cfg, nil
}
