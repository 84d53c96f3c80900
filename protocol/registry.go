package protocol

import (
	"encoding/json"
	"fmt"
)

// versioned payloads adjust their shape to the negotiated version.
type versioned interface {
	forVersion(version int)
}

// payloads maps each tag to a constructor for its payload. Tags without a
// payload map to nil.
var payloads = map[MessageType]func() any{
	MessageSessionConnected: func() any { return new(SessionConnectedPayload) },
	MessageVersionCheck:     func() any { return new(VersionCheckPayload) },
	MessageStartDiscovery:   func() any { return new(StartDiscoveryPayload) },
	MessageStartExecution:   func() any { return new(StartExecutionPayload) },
	MessagePartialResult:    func() any { return new(PartialResultPayload) },
	MessageComplete:         func() any { return new(CompletePayload) },
	MessageAbort:            func() any { return new(AbortPayload) },
	MessageLog:              func() any { return new(LogPayload) },
}

// Known reports whether t belongs to the vocabulary of this build.
func Known(t MessageType) bool {
	_, ok := payloads[t]
	return ok
}

// NewMessage builds a message of type t at the given version. payload may be
// nil for tags whose payload is empty.
func NewMessage(t MessageType, version int, payload any) (Message, error) {
	if !Known(t) {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessageType, t)
	}
	msg := Message{Type: t, Version: version}
	if payload == nil {
		return msg, nil
	}
	if v, ok := payload.(versioned); ok {
		v.forVersion(version)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode resolves msg's payload by its tag. The result is a pointer to the
// payload struct for that tag, e.g. *PartialResultPayload. Unknown tags return
// ErrUnknownMessageType so callers can skip them.
func Decode(msg Message) (any, error) {
	ctor, ok := payloads[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.Type)
	}
	payload := ctor()
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, msg.Type, err)
		}
	}
	if v, ok := payload.(versioned); ok {
		v.forVersion(msg.Version)
	}
	return payload, nil
}

// DecodeAs decodes msg and asserts its payload type.
func DecodeAs[T any](msg Message) (*T, error) {
	payload, err := Decode(msg)
	if err != nil {
		return nil, err
	}
	typed, ok := payload.(*T)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not carry %T", ErrMalformedMessage, msg.Type, typed)
	}
	return typed, nil
}
