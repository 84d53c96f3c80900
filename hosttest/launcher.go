// Package hosttest runs workers as goroutines in the test process. They dial
// back over real loopback sockets, so everything from the connection onwards
// is exercised exactly as with a real worker process.
package hosttest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testhost/host"
	"github.com/ethereum-optimism/infra/op-testhost/worker"
)

var errKilled = errors.New("killed")

// Option configures a Launcher.
type Option func(*Launcher)

// WithAdapterFactory builds the adapter for each process, which lets an
// adapter crash its own process.
func WithAdapterFactory(factory func(p *Process) worker.Adapter) Option {
	return func(l *Launcher) {
		l.adapterFactory = factory
	}
}

// WithLaunchHook runs before every launch. A non-nil error fails the launch.
func WithLaunchHook(hook func(spec host.LaunchSpec) error) Option {
	return func(l *Launcher) {
		l.launchHook = hook
	}
}

// WithWorkerConfig adjusts the worker configuration, e.g. its protocol versions.
func WithWorkerConfig(fn func(cfg *worker.Config)) Option {
	return func(l *Launcher) {
		l.workerConfig = fn
	}
}

// WithSilentHosts starts processes that never dial back.
func WithSilentHosts() Option {
	return func(l *Launcher) {
		l.silent = true
	}
}

// Launcher implements host.Launcher with in-process workers.
type Launcher struct {
	log            log.Logger
	adapterFactory func(p *Process) worker.Adapter
	launchHook     func(spec host.LaunchSpec) error
	workerConfig   func(cfg *worker.Config)
	silent         bool

	nextPID  atomic.Int64
	launches atomic.Int64
	active   atomic.Int64
	peak     atomic.Int64

	mu    sync.Mutex
	procs []*Process
}

var _ host.Launcher = (*Launcher)(nil)

// NewLauncher serves every process with adapter unless WithAdapterFactory is given.
func NewLauncher(logger log.Logger, adapter worker.Adapter, opts ...Option) *Launcher {
	l := &Launcher{
		log: logger,
		adapterFactory: func(*Process) worker.Adapter {
			return adapter
		},
	}
	l.nextPID.Store(10000)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launches counts successful launches.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// Active counts processes that have not exited.
func (l *Launcher) Active() int {
	return int(l.active.Load())
}

// Peak is the highest number of processes alive at once.
func (l *Launcher) Peak() int {
	return int(l.peak.Load())
}

// Processes returns every launched process in launch order.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Launch implements host.Launcher.
func (l *Launcher) Launch(ctx context.Context, spec host.LaunchSpec) (host.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &host.LaunchError{Executable: spec.Executable, Err: err}
	}
	if l.launchHook != nil {
		if err := l.launchHook(spec); err != nil {
			return nil, &host.LaunchError{Executable: spec.Executable, Err: err}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Process{
		pid:    int(l.nextPID.Add(1)),
		Spec:   spec,
		cancel: cancel,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		onExit: func() { l.active.Add(-1) },
	}

	l.launches.Add(1)
	n := l.active.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	adapter := l.adapterFactory(p)
	cfg := worker.Config{
		Endpoint:  spec.Endpoint,
		ParentPID: spec.ParentPID,
		Dial:      p.dial,
	}
	if l.workerConfig != nil {
		l.workerConfig(&cfg)
	}
	logger := l.log.New("pid", p.pid)

	go func() {
		defer close(p.done)
		if l.silent {
			<-runCtx.Done()
			p.exit(nil)
			return
		}
		err := worker.Serve(runCtx, logger, cfg, adapter)
		if err != nil {
			p.exit(&host.ExitError{PID: p.pid, ExitCode: 1, Err: err})
			return
		}
		p.exit(nil)
	}()
	return p, nil
}

// Process is an in-process worker.
type Process struct {
	Spec host.LaunchSpec

	pid    int
	cancel context.CancelFunc
	onExit func()

	mu   sync.Mutex
	conn net.Conn

	exitOnce sync.Once
	exited   chan struct{}
	err      error
	done     chan struct{}
}

var _ host.Process = (*Process)(nil)

func (p *Process) PID() int {
	return p.pid
}

func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.err
	default:
		return nil
	}
}

// Crash ends the process with code as if it died on its own.
func (p *Process) Crash(code int) {
	p.exit(&host.ExitError{PID: p.pid, ExitCode: code})
}

// Stop cancels the worker and kills it if it has not returned within grace.
func (p *Process) Stop(grace time.Duration) error {
	p.cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-p.exited:
	case <-timer.C:
		_ = p.Kill()
	}
	<-p.exited
	return nil
}

func (p *Process) Kill() error {
	p.exit(&host.ExitError{PID: p.pid, ExitCode: -1, Err: errKilled})
	return nil
}

func (p *Process) dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
		_ = conn.Close()
		return nil, errKilled
	default:
	}
	p.conn = conn
	return conn, nil
}

// exit records how the process ended and drops its socket. Only the first
// call counts.
func (p *Process) exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		conn := p.conn
		p.mu.Unlock()

		p.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		p.onExit()
		close(p.exited)
	})
}
