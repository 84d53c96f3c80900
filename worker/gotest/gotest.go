// Package gotest is a worker adapter that treats Go packages as test sources.
// Discovery lists a package's tests with `go test -list`, execution streams
// `go test -json` output back as per-test results.
package gotest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testhost/logging"
	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/settings"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum-optimism/infra/op-testhost/worker"
)

const (
	DefaultGoBinary   = "go"
	TestCommand       = "test"
	TestListCommand   = "-list"
	JSONFlag          = "-json"
	VerboseFlag       = "-v"
	TimeoutFlag       = "-timeout"
	CountFlag         = "-count"
	RunFlag           = "-run"
	TagsFlag          = "-tags"
	DisableCacheCount = "1"

	// ResultBatchSize bounds how many results go into one partial result.
	ResultBatchSize = 16
	// FlushInterval is the longest a finished test waits to be reported.
	FlushInterval = 500 * time.Millisecond
)

// CommandBuilder creates the command for one go invocation.
type CommandBuilder func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Config configures an Adapter. Values in the run settings override it.
type Config struct {
	GoBinary string
	WorkDir  string
	Timeout  time.Duration
	Env      map[string]string

	// StaticDiscovery lists tests by parsing _test.go files instead of
	// running `go test -list`. It is faster but ignores build tags.
	StaticDiscovery bool
}

type Option func(*Adapter)

// WithCommandBuilder replaces exec.CommandContext.
func WithCommandBuilder(b CommandBuilder) Option {
	return func(a *Adapter) {
		a.cmdBuilder = b
	}
}

// Adapter runs go test for each source package.
type Adapter struct {
	log        log.Logger
	cfg        Config
	cmdBuilder CommandBuilder
}

var _ worker.Adapter = (*Adapter)(nil)

func New(logger log.Logger, cfg Config, opts ...Option) *Adapter {
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}
	a := &Adapter{
		log:        logger,
		cfg:        cfg,
		cmdBuilder: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// run is the adapter config with one request's settings applied.
type run struct {
	Config
	tags []string
}

func (r run) workDir() string {
	if r.WorkDir != "" {
		return r.WorkDir
	}
	return "."
}

func (a *Adapter) configure(raw string) (run, error) {
	r := run{Config: a.cfg}
	s, err := settings.Parse([]byte(raw))
	if err != nil {
		return r, err
	}
	if s.GoTest.GoBinary != "" {
		r.GoBinary = s.GoTest.GoBinary
	}
	if s.GoTest.Timeout > 0 {
		r.Timeout = s.GoTest.Timeout
	}
	if len(s.GoTest.Env) > 0 {
		r.Env = types.MergeEnv(r.Env, s.GoTest.Env)
	}
	if s.GoTest.StaticDiscovery {
		r.StaticDiscovery = true
	}
	r.tags = s.GoTest.Tags
	return r, nil
}

func (a *Adapter) Discover(ctx context.Context, req worker.DiscoveryRequest, rep worker.Reporter) error {
	cfg, err := a.configure(req.Settings)
	if err != nil {
		return err
	}
	for _, pkg := range req.Sources {
		var names []string
		if cfg.StaticDiscovery {
			names, err = findTestFunctions(pkg, cfg.workDir())
		} else {
			names, err = a.listTests(ctx, cfg, pkg)
		}
		if err != nil {
			return err
		}
		tests := make([]types.TestCase, 0, len(names))
		for _, name := range names {
			tests = append(tests, types.TestCase{ID: testID(pkg, name), Name: name, Source: pkg})
		}
		if err := rep.ReportDiscovered(tests); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) listTests(ctx context.Context, cfg run, pkg string) ([]string, error) {
	args := []string{TestCommand, pkg, TestListCommand, "^Test"}
	if len(cfg.tags) > 0 {
		args = append(args, TagsFlag, strings.Join(cfg.tags, ","))
	}
	cmd := a.command(ctx, cfg, args...)

	var listOut bytes.Buffer
	listErr := logging.NewTailBuffer(outputTailSize)
	cmd.Stdout = &listOut
	cmd.Stderr = listErr

	a.log.Debug("Listing tests in package", "package", pkg, "dir", cmd.Dir)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to list tests in %s: %w\n%s", pkg, err, listErr.String())
	}
	return parseTestListOutput(listOut.Bytes()), nil
}

func (a *Adapter) Execute(ctx context.Context, req worker.ExecutionRequest, rep worker.Reporter) error {
	cfg, err := a.configure(req.Settings)
	if err != nil {
		return err
	}
	sources, groups := req.Sources, map[string][]types.TestCase{}
	if len(req.TestCases) > 0 {
		sources, groups = types.GroupTestCasesBySource(req.TestCases)
	}
	for _, pkg := range sources {
		var names []string
		for _, tc := range groups[pkg] {
			names = append(names, tc.Name)
		}
		if err := a.runPackage(ctx, cfg, pkg, names, rep); err != nil {
			return err
		}
	}
	return nil
}

func buildTestArgs(cfg run, pkg string, names []string) []string {
	args := []string{TestCommand, pkg}
	if len(names) > 0 {
		quoted := make([]string, len(names))
		for i, n := range names {
			quoted[i] = regexp.QuoteMeta(n)
		}
		args = append(args, RunFlag, fmt.Sprintf("^(%s)$", strings.Join(quoted, "|")))
	}
	args = append(args, CountFlag, DisableCacheCount)
	if cfg.Timeout > 0 {
		args = append(args, TimeoutFlag, cfg.Timeout.String())
	}
	if len(cfg.tags) > 0 {
		args = append(args, TagsFlag, strings.Join(cfg.tags, ","))
	}
	return append(args, VerboseFlag, JSONFlag)
}

func (a *Adapter) runPackage(ctx context.Context, cfg run, pkg string, names []string, rep worker.Reporter) error {
	cmd := a.command(ctx, cfg, buildTestArgs(cfg, pkg, names)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := logging.NewTailBuffer(outputTailSize)
	cmd.Stderr = stderr

	_ = rep.Log(protocol.LogLevelInfo, "running "+pkg)
	a.log.Debug("Running test command", "dir", cmd.Dir, "command", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start go test for %s: %w", pkg, err)
	}

	b := &batcher{rep: rep}
	pkgRes, parseErr := parseStream(stdout, pkg, b.add)
	if parseErr == nil {
		parseErr = b.flush()
	}
	if parseErr != nil {
		// Unblock the child if we stopped reading early.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if parseErr != nil {
		return parseErr
	}
	if pkgRes.Reported == 0 && (waitErr != nil || pkgRes.Status == types.TestStatusFail) {
		out := strings.TrimSpace(pkgRes.Output + stderr.String())
		if waitErr == nil {
			waitErr = errors.New("package failed")
		}
		return fmt.Errorf("go test %s: %w\n%s", pkg, waitErr, out)
	}
	if pkgRes.Status == types.TestStatusFail && pkgRes.Output != "" {
		// Failures outside any test, e.g. TestMain or a panic after the tests.
		_ = rep.Log(protocol.LogLevelWarning, fmt.Sprintf("package %s failed:\n%s", pkg, pkgRes.Output))
	}
	return nil
}

func (a *Adapter) command(ctx context.Context, cfg run, args ...string) *exec.Cmd {
	cmd := a.cmdBuilder(ctx, cfg.GoBinary, args...)
	if cmd.Dir == "" {
		cmd.Dir = cfg.WorkDir
	}
	if len(cfg.Env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
			base = append(base, k+"="+cfg.Env[k])
		}
		cmd.Env = base
	}
	return cmd
}

// batcher groups results into partial results so a chatty package does not
// send one message per test.
type batcher struct {
	rep     worker.Reporter
	pending []types.TestResult
	since   time.Time
}

func (b *batcher) add(r types.TestResult) error {
	if len(b.pending) == 0 {
		b.since = time.Now()
	}
	b.pending = append(b.pending, r)
	if len(b.pending) >= ResultBatchSize || time.Since(b.since) >= FlushInterval {
		return b.flush()
	}
	return nil
}

func (b *batcher) flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	err := b.rep.ReportResults(b.pending)
	b.pending = nil
	return err
}
