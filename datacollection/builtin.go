package datacollection

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testhost/types"
)

const (
	EnvironmentCollectorName      = "environment"
	ResultsDirectoryCollectorName = "results-directory"

	// ResultsDirEnvVar tells workers where to leave files for harvesting.
	ResultsDirEnvVar = "TESTHOST_RESULTS_DIR"
)

// EnvironmentCollector exports its options as environment variables.
type EnvironmentCollector struct {
	log  log.Logger
	vars []types.EnvironmentVariable
}

func NewEnvironmentCollector(logger log.Logger) *EnvironmentCollector {
	return &EnvironmentCollector{log: logger}
}

func (c *EnvironmentCollector) Name() string {
	return EnvironmentCollectorName
}

func (c *EnvironmentCollector) Initialize(_ context.Context, cfg CollectorConfig) error {
	names := make([]string, 0, len(cfg.Options))
	for name := range cfg.Options {
		if name == "" {
			return fmt.Errorf("empty variable name")
		}
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c.vars = append(c.vars, types.EnvironmentVariable{Name: name, Value: cfg.Options[name]})
	}
	return nil
}

func (c *EnvironmentCollector) BeforeRunStart(context.Context) ([]types.EnvironmentVariable, error) {
	return slices.Clone(c.vars), nil
}

func (c *EnvironmentCollector) AfterRunEnd(context.Context, bool) (types.AttachmentSet, error) {
	return types.AttachmentSet{}, nil
}

// ResultsDirectoryCollector gives workers a per-run directory and attaches
// every file they left in it.
//
// Options:
//
//	dir   base directory, defaults to the run's results directory
type ResultsDirectoryCollector struct {
	log log.Logger
	dir string
}

func NewResultsDirectoryCollector(logger log.Logger) *ResultsDirectoryCollector {
	return &ResultsDirectoryCollector{log: logger}
}

func (c *ResultsDirectoryCollector) Name() string {
	return ResultsDirectoryCollectorName
}

// Dir is the directory exported to workers.
func (c *ResultsDirectoryCollector) Dir() string {
	return c.dir
}

func (c *ResultsDirectoryCollector) Initialize(_ context.Context, cfg CollectorConfig) error {
	base := cfg.Options["dir"]
	if base == "" {
		base = cfg.ResultsDir
	}
	if base == "" {
		return fmt.Errorf("no results directory configured")
	}
	if cfg.RunID == "" {
		return fmt.Errorf("no run ID")
	}
	dir, err := filepath.Abs(filepath.Join(base, "attachments-"+cfg.RunID))
	if err != nil {
		return fmt.Errorf("failed to resolve results directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory %s: %w", dir, err)
	}
	c.dir = dir
	return nil
}

func (c *ResultsDirectoryCollector) BeforeRunStart(context.Context) ([]types.EnvironmentVariable, error) {
	return []types.EnvironmentVariable{{Name: ResultsDirEnvVar, Value: c.dir}}, nil
}

func (c *ResultsDirectoryCollector) AfterRunEnd(ctx context.Context, cancelled bool) (types.AttachmentSet, error) {
	set := types.AttachmentSet{
		URI:         "datacollector://" + ResultsDirectoryCollectorName,
		DisplayName: "Results directory",
	}
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		set.Attachments = append(set.Attachments, types.Attachment{
			URI:         "file://" + filepath.ToSlash(path),
			Description: filepath.ToSlash(rel),
		})
		return nil
	})
	if err != nil {
		return set, fmt.Errorf("failed to harvest %s: %w", c.dir, err)
	}
	c.log.Debug("Harvested results directory", "dir", c.dir, "files", len(set.Attachments), "cancelled", cancelled)
	return set, nil
}
