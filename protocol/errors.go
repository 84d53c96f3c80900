package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned when the peer went away or the channel was closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownMessageType is returned for tags outside this build's vocabulary.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMalformedMessage is returned when a frame or payload cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// HandshakeError is fatal to the connection it happened on.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsHandshakeError checks if the error is or wraps a HandshakeError
func IsHandshakeError(err error) bool {
	var hsErr *HandshakeError
	return err != nil && errors.As(err, &hsErr)
}
