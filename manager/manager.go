package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-testhost/host"
	"github.com/ethereum-optimism/infra/op-testhost/limiter"
	"github.com/ethereum-optimism/infra/op-testhost/metrics"
	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

const (
	DefaultConnectionTimeout = 60 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultAbortGracePeriod  = 10 * time.Second

	// exitDrainTimeout bounds how long messages are still read after the
	// host process ended.
	exitDrainTimeout = 2 * time.Second
	// exitSettleTimeout is how long a dropped connection waits for the
	// process exit before it is reported as a plain disconnect.
	exitSettleTimeout = 500 * time.Millisecond
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid operation manager state")
	// ErrAborted is the failure of a partition whose host did not stop in time after an abort.
	ErrAborted = errors.New("partition aborted")
)

// Config describes the host one Manager drives.
type Config struct {
	HostID     string
	SessionID  string
	Executable string
	Args       []string
	Env        map[string]string
	WorkDir    string
	ListenAddr string
	// Settings is forwarded opaquely in every start message.
	Settings string
	// Shared keeps the host alive for further partitions after Complete.
	Shared bool

	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	AbortGracePeriod  time.Duration
	StopGracePeriod   time.Duration

	MaxProtocolVersion      int
	RequiredProtocolVersion int
	// CompressThreshold is the frame size above which frames are compressed.
	// Zero means the protocol default, negative disables compression.
	CompressThreshold int
}

func (c Config) withDefaults() Config {
	if c.HostID == "" {
		c.HostID = uuid.New().String()
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AbortGracePeriod <= 0 {
		c.AbortGracePeriod = DefaultAbortGracePeriod
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = host.DefaultStopGracePeriod
	}
	if c.MaxProtocolVersion <= 0 {
		c.MaxProtocolVersion = protocol.LatestVersion
	}
	switch {
	case c.CompressThreshold == 0:
		c.CompressThreshold = protocol.DefaultCompressThreshold
	case c.CompressThreshold < 0:
		c.CompressThreshold = 0
	}
	return c
}

// Dependencies are the shared services a Manager uses.
type Dependencies struct {
	Log      log.Logger
	Launcher host.Launcher
	Limiter  *limiter.Limiter
	Metrics  metrics.Metricer
}

type inboxItem struct {
	msg protocol.Message
	err error
}

// Manager drives exactly one worker process through its lifecycle.
type Manager struct {
	cfg      Config
	log      log.Logger
	launcher host.Launcher
	limiter  *limiter.Limiter
	metrics  metrics.Metricer

	mu         sync.Mutex
	state      State
	failure    *types.Failure
	slot       *limiter.Slot
	conn       *host.Connection
	proc       host.Process
	ch         protocol.Channel
	version    int
	launchedAt time.Time

	inbox    chan inboxItem
	exited   chan struct{}
	exitErr  error
	stopping atomic.Bool

	disposed    chan struct{}
	disposeOnce sync.Once
	disposeErr  error

	// Set for the duration of each Dispatch.
	abort     chan struct{}
	abortOnce *sync.Once
	loopDone  chan struct{}
}

// New creates a Manager in StateNotStarted.
func New(cfg Config, deps Dependencies) *Manager {
	cfg = cfg.withDefaults()
	m := deps.Metrics
	if m == nil {
		m = metrics.NoopMetrics
	}
	logger := deps.Log
	if logger == nil {
		logger = log.Root()
	}
	lim := deps.Limiter
	if lim == nil {
		lim = limiter.New(limiter.Config{}, m)
	}
	return &Manager{
		cfg:      cfg,
		log:      logger.New("host", cfg.HostID),
		launcher: deps.Launcher,
		limiter:  lim,
		metrics:  m,
		state:    StateNotStarted,
		inbox:    make(chan inboxItem, 64),
		exited:   make(chan struct{}),
		disposed: make(chan struct{}),
	}
}

// HostID identifies the host in events and logs.
func (m *Manager) HostID() string {
	return m.cfg.HostID
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure returns why the manager faulted, or nil.
func (m *Manager) Failure() *types.Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Version returns the negotiated protocol version, or 0 before the handshake.
func (m *Manager) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Healthy reports whether the host can take another partition.
func (m *Manager) Healthy() bool {
	if m.State() != StateIdle {
		return false
	}
	return !m.hasExited()
}

// Launch acquires a limiter slot, opens the listening connection and starts
// the worker process. The slot is released once the process exits or the
// manager is disposed.
func (m *Manager) Launch(ctx context.Context) error {
	if err := m.transition(StateLaunching); err != nil {
		return err
	}
	m.mu.Lock()
	m.launchedAt = time.Now()
	m.mu.Unlock()

	slot, err := m.limiter.Acquire(ctx)
	if err != nil {
		return m.failLaunch(err)
	}
	m.mu.Lock()
	m.slot = slot
	m.mu.Unlock()

	conn, err := host.Listen(m.log, m.cfg.ListenAddr, protocol.WithCompressThreshold(m.cfg.CompressThreshold))
	if err != nil {
		return m.failLaunch(err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	proc, err := m.launcher.Launch(ctx, host.LaunchSpec{
		Executable: m.cfg.Executable,
		Args:       m.cfg.Args,
		Env:        m.cfg.Env,
		WorkDir:    m.cfg.WorkDir,
		Endpoint:   conn.Endpoint(),
		ParentPID:  os.Getpid(),
	})
	if err != nil {
		return m.failLaunch(err)
	}
	m.mu.Lock()
	m.proc = proc
	m.mu.Unlock()
	go m.watchExit(proc)

	m.log.Info("Launched host", "pid", proc.PID(), "endpoint", conn.Endpoint())
	return m.transition(StateAwaitingConnection)
}

func (m *Manager) failLaunch(err error) error {
	if !host.IsLaunchError(err) {
		err = &host.LaunchError{Executable: m.cfg.Executable, Err: err}
	}
	m.metrics.RecordHostLaunch(false, 0)
	m.fault(err)

	// No process will exit to release the slot.
	m.mu.Lock()
	slot := m.slot
	m.mu.Unlock()
	slot.Release()
	return err
}

// WaitForConnection waits for the worker to dial back and runs the
// handshake. A worker that exits first is reported as host.ErrHostExited.
func (m *Manager) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.state != StateAwaitingConnection {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot wait for connection in state %s", ErrInvalidState, state)
	}
	conn := m.conn
	m.mu.Unlock()
	if timeout <= 0 {
		timeout = m.cfg.ConnectionTimeout
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-m.exited:
			cancel(m.exitError())
		case <-waitCtx.Done():
		}
	}()

	ch, err := conn.Accept(waitCtx, timeout)
	if err != nil {
		m.fault(err)
		return err
	}
	if err := m.transition(StateHandshaking); err != nil {
		return err
	}

	hsCtx, hsCancel := context.WithTimeout(waitCtx, m.cfg.HandshakeTimeout)
	version, err := protocol.NegotiateController(hsCtx, ch, protocol.ControllerHandshake{
		SessionID:       m.cfg.SessionID,
		MaxVersion:      m.cfg.MaxProtocolVersion,
		RequiredVersion: m.cfg.RequiredProtocolVersion,
	})
	hsCancel()
	if err != nil {
		m.fault(err)
		return err
	}

	m.mu.Lock()
	m.ch = ch
	m.version = version
	launchedAt := m.launchedAt
	m.mu.Unlock()
	go m.receiveLoop(ch)

	m.metrics.RecordHostLaunch(true, time.Since(launchedAt))
	m.log.Debug("Host ready", "version", version)
	return m.transition(StateIdle)
}

// Abort stops the in-flight partition. The worker is asked to stop and is
// killed if it has not finished within the abort grace period. Abort blocks
// until the dispatch has returned, so the caller must keep draining the
// event sink meanwhile.
func (m *Manager) Abort() {
	m.mu.Lock()
	abort, once, loopDone := m.abort, m.abortOnce, m.loopDone
	m.mu.Unlock()
	if loopDone == nil {
		return
	}
	once.Do(func() { close(abort) })
	<-loopDone
}

// Dispose releases everything the manager holds. It is idempotent and safe
// to call from any state.
func (m *Manager) Dispose() error {
	m.disposeOnce.Do(func() {
		m.mu.Lock()
		_ = m.transitionLocked(StateDisposed)
		abort, once, loopDone := m.abort, m.abortOnce, m.loopDone
		slot := m.slot
		m.mu.Unlock()

		close(m.disposed)
		if abort != nil {
			once.Do(func() { close(abort) })
		}
		m.disposeErr = m.teardown()
		if loopDone != nil {
			<-loopDone
		}
		slot.Release()
	})
	return m.disposeErr
}

func (m *Manager) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Manager) transitionLocked(to State) error {
	from := m.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	m.state = to
	m.log.Debug("Operation manager state transition", "from", from, "to", to)
	m.metrics.RecordManagerTransition(from.String(), to.String())
	return nil
}

// fault moves to StateFaulted and tears the host down.
func (m *Manager) fault(err error) types.FailureKind {
	kind := ClassifyError(err)
	m.mu.Lock()
	if m.transitionLocked(StateFaulted) == nil {
		m.failure = &types.Failure{Kind: kind, Message: err.Error()}
	}
	m.mu.Unlock()

	m.log.Warn("Host faulted", "kind", kind, "err", err)
	m.metrics.RecordError("host_" + string(kind))
	_ = m.teardown()
	return kind
}

// kill ends the host process without a grace period.
func (m *Manager) kill() {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return
	}
	m.stopping.Store(true)
	if err := proc.Kill(); err != nil {
		m.log.Warn("Failed to kill host", "pid", proc.PID(), "err", err)
	}
}

// teardown closes the connection and stops the process.
func (m *Manager) teardown() error {
	m.mu.Lock()
	conn, proc := m.conn, m.proc
	m.mu.Unlock()

	m.stopping.Store(true)
	var errs []error
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if proc != nil {
		if err := proc.Stop(m.cfg.StopGracePeriod); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) watchExit(proc host.Process) {
	<-proc.Exited()
	m.mu.Lock()
	m.exitErr = proc.Err()
	slot := m.slot
	m.mu.Unlock()

	slot.Release()
	expected := m.stopping.Load()
	m.metrics.RecordHostExit(expected)
	if !expected {
		m.log.Warn("Host process exited", "pid", proc.PID(), "err", proc.Err())
	}
	close(m.exited)
}

func (m *Manager) hasExited() bool {
	select {
	case <-m.exited:
		return true
	default:
		return false
	}
}

// exitError is only meaningful once exited is closed.
func (m *Manager) exitError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.exitErr == nil:
		return host.ErrHostExited
	case errors.Is(m.exitErr, host.ErrHostExited):
		return m.exitErr
	default:
		return fmt.Errorf("%w: %w", host.ErrHostExited, m.exitErr)
	}
}

func (m *Manager) receiveLoop(ch protocol.Channel) {
	for {
		msg, err := ch.Receive()
		if err == nil {
			m.metrics.RecordMessage("in", string(msg.Type))
		}
		select {
		case m.inbox <- inboxItem{msg: msg, err: err}:
		case <-m.disposed:
			return
		}
		if err != nil {
			return
		}
	}
}

// receiveFailure refines a receive error. A dropped connection that is
// followed by the process exiting is reported as the exit.
func (m *Manager) receiveFailure(err error) error {
	if !errors.Is(err, protocol.ErrConnectionClosed) {
		return err
	}
	timer := time.NewTimer(exitSettleTimeout)
	defer timer.Stop()
	select {
	case <-m.exited:
		return errors.Join(m.exitError(), err)
	case <-timer.C:
		return err
	}
}

func (m *Manager) send(ch protocol.Channel, t protocol.MessageType, payload any) error {
	if err := protocol.SendPayload(ch, t, m.Version(), payload); err != nil {
		return err
	}
	m.metrics.RecordMessage("out", string(t))
	return nil
}

// ClassifyError maps an error from launch, connection or dispatch onto a
// FailureKind.
func ClassifyError(err error) types.FailureKind {
	switch {
	case host.IsLaunchError(err):
		return types.FailureHostLaunch
	case errors.Is(err, host.ErrConnectionTimeout):
		return types.FailureConnectionTimeout
	case errors.Is(err, ErrAborted):
		return types.FailureAborted
	case errors.Is(err, host.ErrHostExited):
		return types.FailureHostExited
	case protocol.IsHandshakeError(err):
		return types.FailureHandshake
	case errors.Is(err, protocol.ErrConnectionClosed):
		return types.FailureConnectionClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.FailureAborted
	default:
		return types.FailureProtocol
	}
}
