package wshub

import "errors"

// Errors returned by the wshub package.
var (
	ErrInvalidConfig    = errors.New("wshub: invalid config")
	ErrCapacityExceeded = errors.New("wshub: connection limit reached")
	ErrManagerClosed    = errors.New("wshub: manager closed")
	ErrPathRegistered   = errors.New("wshub: path already registered")
	ErrInvalidPath      = errors.New("wshub: invalid path")
	ErrNoHandler        = errors.New("wshub: no handler for path")
	ErrConnClosed       = errors.New("wshub: connection closed")
	ErrSendQueueFull    = errors.New("wshub: send queue full")
	ErrWriteFailure     = errors.New("wshub: write failure")
	ErrHeartbeatTimeout = errors.New("wshub: heartbeat timeout")
	ErrInvalidRoom      = errors.New("wshub: invalid room name")
	ErrHijackFailed     = errors.New("wshub: response does not support hijacking")
)
