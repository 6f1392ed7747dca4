package websocket

import (
	"errors"
	"net/http"
)

// Errors returned by the websocket package.
var (
	ErrNeedMoreData              = errors.New("websocket: need more data")
	ErrBadHandshake              = errors.New("websocket: bad handshake")
	ErrReservedBits              = errors.New("websocket: reserved bits set")
	ErrInvalidOpcode             = errors.New("websocket: invalid opcode")
	ErrFragmentedControlFrame    = errors.New("websocket: fragmented control frame")
	ErrControlFramePayloadTooBig = errors.New("websocket: control frame payload too big")
	ErrInvalidPayloadLength      = errors.New("websocket: invalid payload length")
	ErrPayloadTooBig             = errors.New("websocket: payload exceeds maximum size")
	ErrUnmaskedFrame             = errors.New("websocket: unmasked client frame")
	ErrUnexpectedContinuation    = errors.New("websocket: unexpected continuation frame")
	ErrExpectedContinuation      = errors.New("websocket: expected continuation frame")
	ErrInvalidCloseCode          = errors.New("websocket: invalid close code")
	ErrInvalidClosePayload       = errors.New("websocket: invalid close payload")
	ErrInvalidUTF8               = errors.New("websocket: invalid utf-8 text")
	ErrInvalidMessageType        = errors.New("websocket: invalid message type")
)

// ProtocolError is a fatal violation of RFC 6455 by the peer. Code is the
// close status the connection must be failed with.
type ProtocolError struct {
	Code int
	Err  error
}

func newProtocolError(code int, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

func (e *ProtocolError) Error() string {
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError wraps err as a protocol violation failing the connection
// with code.
func NewProtocolError(code int, err error) error {
	return newProtocolError(code, err)
}

// HandshakeError is returned when an upgrade request is rejected. Status is
// the HTTP status sent back to the client.
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	return "websocket: handshake rejected: " + e.Reason
}

// Unwrap makes every rejection match ErrBadHandshake.
func (e *HandshakeError) Unwrap() error {
	return ErrBadHandshake
}

func reject(status int, reason string) *HandshakeError {
	return &HandshakeError{Status: status, Reason: reason}
}

// StatusText returns the status line reason phrase for the rejection.
func (e *HandshakeError) StatusText() string {
	if text := http.StatusText(e.Status); text != "" {
		return text
	}
	return "Bad Request"
}
