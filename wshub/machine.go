package wshub

import (
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/vitalvas/wsengine/websocket"
)

// readLoop reads the socket, decodes every complete frame and routes it
// through the state machine. It returns once the connection is closed.
func (c *Conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("read loop panic", zap.Any("panic", r))
			c.terminate(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	maxBuf := c.cfg.MaxPayloadBytes + 14
	buf := make([]byte, c.cfg.ReadBufferSize)
	start, end := 0, 0

	for {
		for start < end {
			frame, n, err := c.codec.Decode(buf[start:end])
			if errors.Is(err, websocket.ErrNeedMoreData) {
				break
			}
			if err != nil {
				c.protocolFailure(err)
				return
			}
			start += n

			if done := c.handleFrame(frame); done {
				return
			}
		}

		if start == end {
			start, end = 0, 0
		} else if start > 0 {
			end = copy(buf, buf[start:end])
			start = 0
		}

		if end == len(buf) {
			if int64(len(buf)) >= maxBuf {
				c.protocolFailure(websocket.NewProtocolError(websocket.CloseProtocolError, websocket.ErrPayloadTooBig))
				return
			}
			size := int64(len(buf)) * 2
			if size > maxBuf {
				size = maxBuf
			}
			grown := make([]byte, size)
			copy(grown, buf[:end])
			buf = grown
		}

		n, err := c.br.Read(buf[end:])
		end += n
		if err != nil && n == 0 {
			c.readFailure(err)
			return
		}
	}
}

// readFailure handles a socket read error: after a close frame was sent it
// completes the close with the sent code, otherwise the close is abnormal.
func (c *Conn) readFailure(err error) {
	switch c.State() {
	case StateClosed:
		return
	case StateClosing:
		code, reason := c.sent()
		c.finish(code, reason)
		return
	}

	if !errors.Is(err, io.EOF) {
		c.logger.Debug("read failed", zap.Error(err))
	}
	c.finish(websocket.CloseAbnormalClosure, "")
}

// protocolFailure closes the connection with the code carried by err.
func (c *Conn) protocolFailure(err error) {
	code := websocket.CloseProtocolError

	var pe *websocket.ProtocolError
	if errors.As(err, &pe) {
		code = pe.Code
	}

	c.logger.Debug("protocol violation", zap.Int("code", code), zap.Error(err))
	c.terminate(code, err.Error())
}

// handleFrame applies one decoded frame. It reports true once the read
// loop must stop.
func (c *Conn) handleFrame(f websocket.Frame) bool {
	if !f.Masked {
		c.protocolFailure(websocket.NewProtocolError(websocket.CloseProtocolError, websocket.ErrUnmaskedFrame))
		return true
	}

	if c.State() == StateClosing {
		if f.Opcode == websocket.CloseMessage {
			code, reason := c.sent()
			c.finish(code, reason)
			return true
		}
		return false
	}

	switch f.Opcode {
	case websocket.PingMessage:
		if err := c.writeControl(websocket.PongMessage, f.Payload); err != nil {
			c.finish(websocket.CloseAbnormalClosure, err.Error())
			return true
		}
		return false

	case websocket.PongMessage:
		c.touchPong(time.Now())
		return false

	case websocket.CloseMessage:
		return c.handleClose(f.Payload)

	case websocket.ContinuationFrame:
		if !c.fragmenting {
			c.protocolFailure(websocket.NewProtocolError(websocket.CloseProtocolError, websocket.ErrUnexpectedContinuation))
			return true
		}

	default:
		if c.fragmenting {
			c.protocolFailure(websocket.NewProtocolError(websocket.CloseProtocolError, websocket.ErrExpectedContinuation))
			return true
		}
		c.fragOp = f.Opcode
		c.fragBuf = c.fragBuf[:0]
	}

	if int64(len(c.fragBuf)+len(f.Payload)) > c.cfg.MaxPayloadBytes {
		c.protocolFailure(websocket.NewProtocolError(websocket.CloseProtocolError, websocket.ErrPayloadTooBig))
		return true
	}

	if f.Fin && !c.fragmenting {
		return c.deliver(f.Opcode, f.Payload)
	}

	c.fragBuf = append(c.fragBuf, f.Payload...)
	c.fragmenting = !f.Fin
	if !f.Fin {
		return false
	}

	data := make([]byte, len(c.fragBuf))
	copy(data, c.fragBuf)
	c.fragBuf = c.fragBuf[:0]

	return c.deliver(c.fragOp, data)
}

// handleClose answers a peer-initiated close. A missing or invalid code is
// echoed back as 1000.
func (c *Conn) handleClose(payload []byte) bool {
	code, reason, err := websocket.ParseCloseMessage(payload)

	echo := code
	if err != nil || !websocket.ValidCloseCode(echo) {
		echo = websocket.CloseNormalClosure
	}
	if errors.Is(err, websocket.ErrInvalidClosePayload) || errors.Is(err, websocket.ErrInvalidCloseCode) {
		code = websocket.CloseNoStatusReceived
	}
	if errors.Is(err, websocket.ErrInvalidUTF8) {
		reason = ""
	}

	if c.toClosing() {
		c.setSent(echo, "")
		c.queue.close()
		_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(echo, ""))
	}

	c.finish(code, reason)
	return true
}

// deliver hands a complete message to OnMessage after the rate limit and
// UTF-8 checks.
func (c *Conn) deliver(op websocket.Opcode, data []byte) bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Debug("rate limit exceeded")
		c.terminate(websocket.ClosePolicyViolation, "rate limit exceeded")
		return true
	}

	if op == websocket.TextMessage && !utf8.Valid(data) {
		c.protocolFailure(websocket.NewProtocolError(websocket.CloseInvalidFramePayloadData, websocket.ErrInvalidUTF8))
		return true
	}

	if c.handler != nil && c.handler.OnMessage != nil {
		if c.invoke(func() { c.handler.OnMessage(c, op, data) }) {
			c.terminate(websocket.CloseInternalServerErr, "internal error")
			return true
		}
	}

	return c.State() == StateClosed
}
