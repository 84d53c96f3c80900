package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

const (
	DefaultDialTimeout        = 30 * time.Second
	DefaultHandshakeTimeout   = 30 * time.Second
	DefaultParentPollInterval = time.Second
)

// ErrParentExited is returned by Serve when the controller process went away.
var ErrParentExited = errors.New("parent process exited")

// Config configures the worker side of a session.
type Config struct {
	Endpoint           string
	ParentPID          int
	MinVersion         int
	MaxVersion         int
	DialTimeout        time.Duration
	HandshakeTimeout   time.Duration
	ParentPollInterval time.Duration
	// Dial replaces the default TCP dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.MinVersion <= 0 {
		c.MinVersion = protocol.MinVersion
	}
	if c.MaxVersion <= 0 {
		c.MaxVersion = protocol.LatestVersion
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ParentPollInterval <= 0 {
		c.ParentPollInterval = DefaultParentPollInterval
	}
	return c
}

// DiscoveryRequest asks an adapter to list the tests in Sources.
type DiscoveryRequest struct {
	PartitionID string
	Sources     []string
	Settings    string
}

// ExecutionRequest asks an adapter to run Sources, or only TestCases when set.
type ExecutionRequest struct {
	PartitionID string
	Sources     []string
	TestCases   []types.TestCase
	Settings    string
}

// Reporter streams an adapter's findings back to the controller.
type Reporter interface {
	ReportDiscovered(tests []types.TestCase) error
	ReportResults(results []types.TestResult) error
	Log(level protocol.LogLevel, text string) error
	AddAttachments(sets ...types.AttachmentSet)
}

// Adapter discovers and runs tests for one test framework.
type Adapter interface {
	Discover(ctx context.Context, req DiscoveryRequest, r Reporter) error
	Execute(ctx context.Context, req ExecutionRequest, r Reporter) error
}

// Serve dials the controller at cfg.Endpoint, completes the handshake and
// serves requests until the controller hangs up, ctx ends or the parent
// process disappears. A controller hang-up is a normal shutdown.
func Serve(ctx context.Context, logger log.Logger, cfg Config, adapter Adapter) error {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return errors.New("no controller endpoint")
	}

	dial := cfg.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: cfg.DialTimeout}
		dial = dialer.DialContext
	}
	conn, err := dial(ctx, "tcp", cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to dial controller at %s: %w", cfg.Endpoint, err)
	}
	ch := protocol.NewChannel(conn)
	defer ch.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if cfg.ParentPID > 0 {
		go watchParent(ctx, cfg.ParentPID, cfg.ParentPollInterval, cancel)
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	version, err := protocol.NegotiateWorker(hsCtx, ch, cfg.MinVersion, cfg.MaxVersion)
	hsCancel()
	if err != nil {
		return err
	}
	logger.Debug("Connected to controller", "endpoint", cfg.Endpoint, "version", version)

	s := &session{
		log:     logger,
		ch:      ch,
		version: version,
		adapter: adapter,
	}
	return s.serve(ctx)
}

type session struct {
	log     log.Logger
	ch      protocol.Channel
	version int
	adapter Adapter

	mu       sync.Mutex
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

type received struct {
	msg protocol.Message
	err error
}

func (s *session) serve(ctx context.Context) error {
	inbox := make(chan received, 16)
	go func() {
		for {
			msg, err := s.ch.Receive()
			select {
			case inbox <- received{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	defer s.wg.Wait()
	defer s.cancelRequest()

	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.Is(cause, ErrParentExited) {
				return cause
			}
			return nil
		case r := <-inbox:
			if r.err != nil {
				if errors.Is(r.err, protocol.ErrConnectionClosed) {
					s.log.Debug("Controller closed the connection")
					return nil
				}
				return r.err
			}
			s.handle(ctx, r.msg)
		}
	}
}

func (s *session) handle(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.Decode(msg)
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		s.log.Debug("Ignoring unknown message", "type", msg.Type)
		return
	}
	if err != nil {
		s.log.Warn("Dropping malformed message", "type", msg.Type, "err", err)
		return
	}

	switch p := payload.(type) {
	case *protocol.StartDiscoveryPayload:
		req := DiscoveryRequest{PartitionID: p.PartitionID, Sources: p.Sources, Settings: p.Settings}
		s.start(ctx, p.PartitionID, func(ctx context.Context, r Reporter) error {
			return s.adapter.Discover(ctx, req, r)
		})
	case *protocol.StartExecutionPayload:
		req := ExecutionRequest{PartitionID: p.PartitionID, Sources: p.Sources, TestCases: p.TestCases, Settings: p.Settings}
		s.start(ctx, p.PartitionID, func(ctx context.Context, r Reporter) error {
			return s.adapter.Execute(ctx, req, r)
		})
	case *protocol.AbortPayload:
		s.log.Info("Abort requested", "reason", p.Reason)
		s.cancelRequest()
	default:
		s.log.Warn("Unexpected message", "type", msg.Type)
	}
}

// start runs one request at a time. A start that arrives while another
// request is running is refused.
func (s *session) start(ctx context.Context, partitionID string, run func(context.Context, Reporter) error) {
	s.mu.Lock()
	if s.cancelFn != nil {
		s.mu.Unlock()
		s.log.Warn("Refusing request while busy", "partition", partitionID)
		_ = s.send(protocol.MessageLog, &protocol.LogPayload{
			Level: protocol.LogLevelError,
			Text:  fmt.Sprintf("refused partition %s: worker is busy", partitionID),
		})
		return
	}
	reqCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		r := &reporter{session: s}
		runErr := run(reqCtx, r)
		aborted := reqCtx.Err() != nil

		s.mu.Lock()
		s.cancelFn = nil
		s.mu.Unlock()
		cancel()

		complete := &protocol.CompletePayload{
			Totals:      r.totals(),
			Elapsed:     time.Since(start),
			Attachments: r.attachments(),
			Aborted:     aborted,
		}
		if runErr != nil && !aborted {
			complete.Error = runErr.Error()
		}
		if err := s.send(protocol.MessageComplete, complete); err != nil {
			s.log.Warn("Failed to send completion", "partition", partitionID, "err", err)
		}
	}()
}

func (s *session) cancelRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFn != nil {
		s.cancelFn()
	}
}

func (s *session) send(t protocol.MessageType, payload any) error {
	return protocol.SendPayload(s.ch, t, s.version, payload)
}

type reporter struct {
	session *session

	mu     sync.Mutex
	total  types.Totals
	attach []types.AttachmentSet
}

func (r *reporter) ReportDiscovered(tests []types.TestCase) error {
	if len(tests) == 0 {
		return nil
	}
	return r.report(&protocol.PartialResultPayload{DiscoveredTests: tests})
}

func (r *reporter) ReportResults(results []types.TestResult) error {
	if len(results) == 0 {
		return nil
	}
	return r.report(&protocol.PartialResultPayload{Results: results})
}

func (r *reporter) report(p *protocol.PartialResultPayload) error {
	r.mu.Lock()
	r.total = r.total.Add(p.Totals())
	r.mu.Unlock()
	return r.session.send(protocol.MessagePartialResult, p)
}

func (r *reporter) Log(level protocol.LogLevel, text string) error {
	return r.session.send(protocol.MessageLog, &protocol.LogPayload{Level: level, Text: text})
}

func (r *reporter) AddAttachments(sets ...types.AttachmentSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attach = append(r.attach, sets...)
}

func (r *reporter) totals() types.Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *reporter) attachments() []types.AttachmentSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.MergeAttachmentSets(r.attach)
}
