package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testhost/logging"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Arguments appended to every worker command line.
const (
	EndpointFlag  = "--endpoint"
	ParentPIDFlag = "--parent-pid"
)

// DefaultStopGracePeriod is how long Stop waits between the terminate signal
// and a forced kill.
const DefaultStopGracePeriod = 5 * time.Second

// LaunchSpec describes one worker process.
type LaunchSpec struct {
	Executable string
	Args       []string
	Env        map[string]string // Overlaid on the controller's environment
	WorkDir    string
	Endpoint   string
	ParentPID  int
}

// CommandLine returns the arguments passed to the executable.
func (s LaunchSpec) CommandLine() []string {
	args := slices.Clone(s.Args)
	args = append(args, EndpointFlag, s.Endpoint)
	if s.ParentPID > 0 {
		args = append(args, ParentPIDFlag, strconv.Itoa(s.ParentPID))
	}
	return args
}

// Process is a running worker.
type Process interface {
	PID() int
	// Exited is closed once the process has ended.
	Exited() <-chan struct{}
	// Err describes how the process ended. It is only valid after Exited is
	// closed and is nil for a clean exit.
	Err() error
	// Stop asks the process to terminate and kills it if it is still
	// running after grace. It returns once the process has ended.
	Stop(grace time.Duration) error
	// Kill ends the process immediately.
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

var _ Launcher = (*ExecLauncher)(nil)

// ExecLauncher starts workers as operating-system processes.
type ExecLauncher struct {
	log        log.Logger
	cmdBuilder func(name string, arg ...string) *exec.Cmd
	stderrTail int
}

// ExecOption configures an ExecLauncher.
type ExecOption func(*ExecLauncher)

// WithCmdBuilder replaces exec.Command, mostly for tests.
func WithCmdBuilder(builder func(name string, arg ...string) *exec.Cmd) ExecOption {
	return func(l *ExecLauncher) {
		l.cmdBuilder = builder
	}
}

// WithStderrTail sets how many bytes of worker stderr are kept for errors.
func WithStderrTail(n int) ExecOption {
	return func(l *ExecLauncher) {
		l.stderrTail = n
	}
}

func NewExecLauncher(logger log.Logger, opts ...ExecOption) *ExecLauncher {
	l := &ExecLauncher{
		log:        logger,
		cmdBuilder: exec.Command,
		stderrTail: logging.DefaultTailBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ResolveExecutable finds executable on PATH or returns its absolute path.
func ResolveExecutable(executable string) (string, error) {
	if executable == "" {
		return "", errors.New("no host executable configured")
	}
	path, err := exec.LookPath(executable)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

// Launch implements Launcher. The process is not tied to ctx; ctx only
// bounds the start itself.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Executable: spec.Executable, Err: err}
	}
	path, err := ResolveExecutable(spec.Executable)
	if err != nil {
		return nil, &LaunchError{Executable: spec.Executable, Err: err}
	}

	cmd := l.cmdBuilder(path, spec.CommandLine()...)
	cmd.Dir = spec.WorkDir
	cmd.Env = environ(types.MergeEnv(currentEnv(), spec.Env))
	stderr := logging.NewTailBuffer(l.stderrTail)
	cmd.Stderr = stderr
	// Worker output travels over the channel; stdout is only kept for diagnostics.
	cmd.Stdout = stderr

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Executable: spec.Executable, Err: err}
	}

	p := &execProcess{
		cmd:    cmd,
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go p.wait()

	l.log.Debug("Launched host process", "pid", p.PID(), "executable", path, "endpoint", spec.Endpoint)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *logging.TailBuffer

	exited   chan struct{}
	err      error
	stopOnce sync.Once
	stopErr  error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Exited() <-chan struct{} {
	return p.exited
}

func (p *execProcess) Err() error {
	select {
	case <-p.exited:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	if err != nil {
		exitErr := &ExitError{PID: p.PID(), ExitCode: -1, Stderr: p.stderr.String()}
		var execExit *exec.ExitError
		if errors.As(err, &execExit) {
			exitErr.ExitCode = execExit.ExitCode()
		} else {
			exitErr.Err = err
		}
		p.err = exitErr
	}
	close(p.exited)
}

func (p *execProcess) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(grace)
	})
	return p.stopErr
}

func (p *execProcess) stop(grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if grace > 0 {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.exited:
				return nil
			case <-timer.C:
			}
		}
	}

	if err := p.Kill(); err != nil {
		return err
	}
	<-p.exited
	return nil
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill host process %d: %w", p.PID(), err)
	}
	return nil
}

func currentEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// environ renders env as sorted KEY=VALUE pairs.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
