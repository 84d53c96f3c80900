package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
)

const (
	// MaxFrameSize bounds a single frame body.
	MaxFrameSize = 64 * 1024 * 1024
	// DefaultCompressThreshold is the body size above which frames are snappy-compressed.
	DefaultCompressThreshold = 32 * 1024

	frameHeaderSize = 5
	flagSnappy      = 1 << 0
)

// Channel is a duplex, message-oriented connection to one peer.
type Channel interface {
	// Send writes one message. It is safe for concurrent use.
	Send(msg Message) error
	// Receive blocks until a full message is available. It fails with
	// ErrConnectionClosed once the peer goes away or Close is called.
	// Only one goroutine may receive at a time.
	Receive() (Message, error)
	// Close releases the underlying socket. It is safe to call more than once.
	Close() error
}

var _ Channel = (*ConnChannel)(nil)

// ConnChannel frames messages over a stream connection:
//
//	| length uint32 BE | flags uint8 | body (JSON envelope, optionally snappy) |
type ConnChannel struct {
	conn              net.Conn
	reader            *bufio.Reader
	compressThreshold int

	writeMu sync.Mutex
	closed  atomic.Bool
}

// ChannelOption configures a ConnChannel.
type ChannelOption func(*ConnChannel)

// WithCompressThreshold sets the body size above which frames are compressed.
// Zero or less disables compression.
func WithCompressThreshold(n int) ChannelOption {
	return func(c *ConnChannel) {
		c.compressThreshold = n
	}
}

// NewChannel wraps conn. The channel owns conn from now on.
func NewChannel(conn net.Conn, opts ...ChannelOption) *ConnChannel {
	c := &ConnChannel{
		conn:              conn,
		reader:            bufio.NewReader(conn),
		compressThreshold: DefaultCompressThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send implements Channel.
func (c *ConnChannel) Send(msg Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	var flags byte
	if c.compressThreshold > 0 && len(body) > c.compressThreshold {
		body = snappy.Encode(nil, body)
		flags |= flagSnappy
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = flags
	copy(frame[frameHeaderSize:], body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Receive implements Channel.
func (c *ConnChannel) Receive() (Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return Message{}, c.readError(err)
	}
	size := binary.BigEndian.Uint32(header[:4])
	if size > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return Message{}, c.readError(err)
	}

	if header[4]&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return Message{}, fmt.Errorf("%w: snappy: %v", ErrMalformedMessage, err)
		}
		body = decoded
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// Close implements Channel.
func (c *ConnChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// RemoteAddr returns the peer's address.
func (c *ConnChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *ConnChannel) readError(err error) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

// SendPayload is shorthand for NewMessage followed by Send.
func SendPayload(ch Channel, t MessageType, version int, payload any) error {
	msg, err := NewMessage(t, version, payload)
	if err != nil {
		return err
	}
	return ch.Send(msg)
}
