package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testhost/protocol"
)

// DefaultListenAddr binds an ephemeral loopback port.
const DefaultListenAddr = "127.0.0.1:0"

// ConnectionState tracks a Connection from listen to close.
type ConnectionState int

const (
	ConnectionListening ConnectionState = iota
	ConnectionAccepting
	ConnectionConnected
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionListening:
		return "listening"
	case ConnectionAccepting:
		return "accepting"
	case ConnectionConnected:
		return "connected"
	case ConnectionClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Connection is the controller end of one worker's socket. It is created
// before the worker exists and accepts exactly one peer.
type Connection struct {
	log      log.Logger
	listener net.Listener
	opts     []protocol.ChannelOption

	mu      sync.Mutex
	state   ConnectionState
	channel *protocol.ConnChannel
}

// Listen opens a listening socket on addr. An empty addr means DefaultListenAddr.
func Listen(logger log.Logger, addr string, opts ...protocol.ChannelOption) (*Connection, error) {
	if addr == "" {
		addr = DefaultListenAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	c := &Connection{
		log:      logger,
		listener: listener,
		opts:     opts,
		state:    ConnectionListening,
	}
	c.log.Debug("Listening for host connection", "endpoint", c.Endpoint())
	return c, nil
}

// Endpoint is the address handed to the worker.
func (c *Connection) Endpoint() string {
	return c.listener.Addr().String()
}

// State returns the current state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the accepted channel, or nil before a peer connected.
func (c *Connection) Channel() protocol.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return nil
	}
	return c.channel
}

// Accept waits for the worker to dial back. The listener is closed as soon
// as Accept returns, so a second peer can never bind. It fails with
// ErrConnectionTimeout after timeout and with the context's cause when ctx
// ends first.
func (c *Connection) Accept(ctx context.Context, timeout time.Duration) (protocol.Channel, error) {
	c.mu.Lock()
	if c.state != ConnectionListening {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotListening, state)
	}
	c.state = ConnectionAccepting
	c.mu.Unlock()

	type accepted struct {
		conn net.Conn
		err  error
	}
	done := make(chan accepted, 1)
	go func() {
		conn, err := c.listener.Accept()
		done <- accepted{conn: conn, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var res accepted
	select {
	case res = <-done:
	case <-timer:
		res.err = fmt.Errorf("%w after %s", ErrConnectionTimeout, timeout)
	case <-ctx.Done():
		res.err = context.Cause(ctx)
	}
	_ = c.listener.Close()

	if res.err != nil {
		// The accept goroutine may still win the race after we gave up.
		go func() {
			if late := <-done; late.conn != nil {
				_ = late.conn.Close()
			}
		}()
		c.setState(ConnectionClosed)
		return nil, res.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnectionClosed {
		_ = res.conn.Close()
		return nil, protocol.ErrConnectionClosed
	}
	c.channel = protocol.NewChannel(res.conn, c.opts...)
	c.state = ConnectionConnected
	c.log.Debug("Host connected", "endpoint", c.Endpoint(), "remote", c.channel.RemoteAddr())
	return c.channel, nil
}

// Close releases the listener and any accepted channel. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnectionClosed && c.channel == nil {
		return nil
	}
	c.state = ConnectionClosed

	err := c.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if c.channel != nil {
		err = errors.Join(err, c.channel.Close())
		c.channel = nil
	}
	return err
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}
