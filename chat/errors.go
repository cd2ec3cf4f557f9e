package chat

import "errors"

var (
	// ErrConfiguration reports a missing or conflicting thread/mailbox binding.
	ErrConfiguration = errors.New("chat: invalid configuration")
	// ErrTransport wraps dial, read and write failures of the socket.
	ErrTransport = errors.New("chat: transport error")
	// ErrTransportClosed is returned for writes after the socket closed.
	ErrTransportClosed = errors.New("chat: transport closed")
	// ErrMalformedFrame reports an inbound frame that could not be decoded.
	ErrMalformedFrame = errors.New("chat: malformed frame")
	// ErrNotConnected is returned when sending before the thread is followed.
	ErrNotConnected = errors.New("chat: not following thread")
	// ErrAlreadyConnected is returned by a second Connect on the same session.
	ErrAlreadyConnected = errors.New("chat: session already connected")
	// ErrBackend carries an {"error": ...} reply from the backend.
	ErrBackend = errors.New("chat: backend error")
)

// ErrUnknownEnvelope is a malformed frame whose JSON parsed but matched none
// of the known envelope shapes.
var ErrUnknownEnvelope error = &unknownEnvelopeError{}

type unknownEnvelopeError struct{}

func (*unknownEnvelopeError) Error() string { return "chat: unknown envelope" }

func (*unknownEnvelopeError) Is(target error) bool { return target == ErrMalformedFrame }
