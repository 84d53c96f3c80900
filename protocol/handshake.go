package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ControllerHandshake configures the controller side of the handshake.
type ControllerHandshake struct {
	SessionID string
	// MaxVersion is the newest version the controller speaks. Zero means LatestVersion.
	MaxVersion int
	// RequiredVersion, when set, is used instead of negotiating down. Workers
	// whose maximum is lower are rejected.
	RequiredVersion int
}

// NegotiateController runs the handshake from the side that owns the
// listener. It sends SessionConnected, reads the worker's maximum version,
// replies with the chosen version and waits for the worker to acknowledge it.
// On any failure the caller must close ch.
func NegotiateController(ctx context.Context, ch Channel, hs ControllerHandshake) (int, error) {
	maxVersion := hs.MaxVersion
	if maxVersion == 0 {
		maxVersion = LatestVersion
	}

	if err := SendPayload(ch, MessageSessionConnected, maxVersion, &SessionConnectedPayload{
		SessionID:     hs.SessionID,
		ControllerPID: os.Getpid(),
	}); err != nil {
		return 0, &HandshakeError{Reason: "failed to send session connected", Err: err}
	}

	offer, err := receiveVersionCheck(ctx, ch)
	if err != nil {
		return 0, err
	}
	if offer.Version < MinVersion {
		return 0, &HandshakeError{Reason: fmt.Sprintf("worker version %d is below minimum %d", offer.Version, MinVersion)}
	}

	chosen := min(maxVersion, offer.Version)
	if hs.RequiredVersion > 0 {
		if offer.Version < hs.RequiredVersion {
			return 0, &HandshakeError{Reason: fmt.Sprintf("worker version %d is below required %d", offer.Version, hs.RequiredVersion)}
		}
		chosen = hs.RequiredVersion
	}

	if err := SendPayload(ch, MessageVersionCheck, chosen, &VersionCheckPayload{Version: chosen}); err != nil {
		return 0, &HandshakeError{Reason: "failed to send chosen version", Err: err}
	}

	ack, err := receiveVersionCheck(ctx, ch)
	if err != nil {
		return 0, err
	}
	if ack.Version != chosen {
		return 0, &HandshakeError{Reason: fmt.Sprintf("worker rejected version %d", chosen)}
	}
	return chosen, nil
}

// NegotiateWorker runs the handshake from the side that dialed in. The
// returned version governs every later payload on ch.
func NegotiateWorker(ctx context.Context, ch Channel, minVersion, maxVersion int) (int, error) {
	msg, err := receiveContext(ctx, ch)
	if err != nil {
		return 0, &HandshakeError{Reason: "waiting for session connected", Err: err}
	}
	if msg.Type != MessageSessionConnected {
		return 0, &HandshakeError{Reason: fmt.Sprintf("expected %s, got %s", MessageSessionConnected, msg.Type)}
	}

	if err := SendPayload(ch, MessageVersionCheck, maxVersion, &VersionCheckPayload{Version: maxVersion}); err != nil {
		return 0, &HandshakeError{Reason: "failed to offer version", Err: err}
	}

	chosen, err := receiveVersionCheck(ctx, ch)
	if err != nil {
		return 0, err
	}
	if chosen.Version < minVersion || chosen.Version > maxVersion {
		_ = SendPayload(ch, MessageVersionCheck, maxVersion, &VersionCheckPayload{Version: 0})
		return 0, &HandshakeError{Reason: fmt.Sprintf("version %d outside supported range [%d, %d]", chosen.Version, minVersion, maxVersion)}
	}
	if err := SendPayload(ch, MessageVersionCheck, chosen.Version, &VersionCheckPayload{Version: chosen.Version}); err != nil {
		return 0, &HandshakeError{Reason: "failed to acknowledge version", Err: err}
	}
	return chosen.Version, nil
}

func receiveVersionCheck(ctx context.Context, ch Channel) (*VersionCheckPayload, error) {
	msg, err := receiveContext(ctx, ch)
	if err != nil {
		return nil, &HandshakeError{Reason: "waiting for version check", Err: err}
	}
	if msg.Type != MessageVersionCheck {
		return nil, &HandshakeError{Reason: fmt.Sprintf("expected %s, got %s", MessageVersionCheck, msg.Type)}
	}
	payload, err := DecodeAs[VersionCheckPayload](msg)
	if err != nil {
		return nil, &HandshakeError{Reason: "bad version check", Err: err}
	}
	return payload, nil
}

// receiveContext receives one message, closing ch if ctx ends first.
func receiveContext(ctx context.Context, ch Channel) (Message, error) {
	type received struct {
		msg Message
		err error
	}
	done := make(chan received, 1)
	go func() {
		msg, err := ch.Receive()
		done <- received{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		_ = ch.Close()
		return Message{}, errors.Join(ErrConnectionClosed, context.Cause(ctx))
	}
}
