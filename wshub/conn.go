package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vitalvas/wsengine/websocket"
)

// State is the lifecycle stage of a connection.
type State int32

// Connection states. Transitions only move forward.
const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one upgraded WebSocket connection. It owns its socket: all
// writes go through the connection so frames from Send, Broadcast and
// control replies never interleave.
type Conn struct {
	id          string
	netConn     net.Conn
	br          io.Reader
	request     *http.Request
	subprotocol string

	manager *Manager
	handler *Handler
	cfg     *Config
	logger  *zap.Logger
	codec   websocket.Codec
	limiter *rate.Limiter

	state    atomic.Int32
	lastPong atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes socket writes.
	writeMu sync.Mutex
	queue   *sendQueue

	// Fragment reassembly, owned by the read loop.
	fragmenting bool
	fragOp      websocket.Opcode
	fragBuf     []byte

	// rooms is guarded by the RoomRegistry mutex.
	rooms map[string]struct{}

	mu        sync.Mutex
	sentCode  int
	sentText  string
	closeCode int
	closeText string

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(m *Manager, id string, netConn net.Conn, br io.Reader, r *http.Request, h *Handler) *Conn {
	if br == nil {
		br = netConn
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		id:      id,
		netConn: netConn,
		br:      br,
		request: r,
		manager: m,
		handler: h,
		cfg:     &m.cfg,
		logger:  m.logger.With(zap.String("conn_id", id), zap.String("path", r.URL.Path)),
		codec:   websocket.Codec{MaxPayloadBytes: m.cfg.MaxPayloadBytes},
		ctx:     ctx,
		cancel:  cancel,
		queue:   newSendQueue(m.cfg.SendQueueSize, m.cfg.SendQueueBytes),
		rooms:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	if m.cfg.RateLimit.Enabled() {
		c.limiter = rate.NewLimiter(rate.Limit(m.cfg.RateLimit.MessagesPerSecond), m.cfg.RateLimit.Burst)
	}

	c.state.Store(int32(StateConnecting))
	c.touchPong(time.Now())

	return c
}

// ID returns the unique identifier assigned at accept time.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Request returns the original upgrade request.
func (c *Conn) Request() *http.Request {
	return c.request
}

// Subprotocol returns the subprotocol echoed in the handshake, if any.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Context is cancelled when the connection reaches StateClosed.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done is closed when the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// LastPongAt returns when the last pong arrived, or the connect time.
func (c *Conn) LastPongAt() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// CloseStatus returns the close code and reason once the connection is
// closed.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText
}

// Err returns a *websocket.CloseError describing how the connection ended,
// or nil while it is still open or closing.
func (c *Conn) Err() error {
	if c.State() != StateClosed {
		return nil
	}
	code, reason := c.CloseStatus()
	return &websocket.CloseError{Code: code, Text: reason}
}

// Queued returns the number of frames waiting to be written.
func (c *Conn) Queued() int {
	return c.queue.len()
}

func (c *Conn) touchPong(t time.Time) {
	c.lastPong.Store(t.UnixNano())
}

// Send queues a data message. It never blocks on the socket: when the
// outbound queue is full it returns ErrSendQueueFull.
func (c *Conn) Send(op websocket.Opcode, data []byte) error {
	if !op.IsData() {
		return websocket.ErrInvalidMessageType
	}
	return c.sendFrame(websocket.EncodeMessage(op, data, c.cfg.FragmentSize))
}

// SendText queues a text message.
func (c *Conn) SendText(text string) error {
	return c.Send(websocket.TextMessage, []byte(text))
}

// SendJSON queues the JSON encoding of v as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(websocket.TextMessage, data)
}

func (c *Conn) sendFrame(frame []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}
	return c.queue.push(frame)
}

// ping queues a ping through the same path as data so the heartbeat never
// touches the socket directly.
func (c *Conn) ping() error {
	return c.sendFrame(websocket.EncodeFrame(websocket.PingMessage, nil, true, false))
}

// Join adds the connection to room.
func (c *Conn) Join(room string) error {
	return c.manager.rooms.Join(c, room)
}

// Leave removes the connection from room.
func (c *Conn) Leave(room string) bool {
	return c.manager.rooms.Leave(c, room)
}

// Rooms returns the rooms the connection belongs to, sorted.
func (c *Conn) Rooms() []string {
	return c.manager.rooms.RoomsOf(c)
}

// Close starts the closing handshake with code and reason. Queued frames
// are discarded. The socket is released once the peer answers or
// CloseTimeout passes. A zero code means 1000.
func (c *Conn) Close(code int, reason string) error {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	if !websocket.ValidCloseCode(code) {
		return websocket.ErrInvalidCloseCode
	}

	if !c.toClosing() {
		if c.State() == StateClosed {
			return ErrConnClosed
		}
		return nil
	}

	c.setSent(code, reason)
	c.queue.close()

	if err := c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		c.finish(websocket.CloseAbnormalClosure, err.Error())
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}

	_ = c.netConn.SetReadDeadline(time.Now().Add(c.cfg.CloseTimeout))
	return nil
}

// terminate fails the connection: a best-effort close frame, then the
// socket is released without waiting for the peer.
func (c *Conn) terminate(code int, reason string) {
	if c.toClosing() {
		c.setSent(code, reason)
		c.queue.close()
		_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	}
	c.finish(code, reason)
}

func (c *Conn) setSent(code int, reason string) {
	c.mu.Lock()
	c.sentCode, c.sentText = code, reason
	c.mu.Unlock()
}

func (c *Conn) sent() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentCode, c.sentText
}

func (c *Conn) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

func (c *Conn) toClosing() bool {
	return c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// finish moves the connection to StateClosed exactly once: the socket is
// released, queued frames are discarded and the connection is removed from
// the manager, every room and the heartbeat monitor before OnClose runs.
func (c *Conn) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		c.closeCode, c.closeText = code, reason
		c.mu.Unlock()

		c.cancel()
		dropped := c.queue.close()
		_ = c.netConn.Close()

		c.manager.release(c)

		c.logger.Debug("connection closed",
			zap.Int("code", code),
			zap.String("reason", reason),
			zap.Int("dropped_frames", dropped),
		)

		if c.handler != nil && c.handler.OnClose != nil {
			// The connection is already closed, a panic is only logged.
			c.invoke(func() { c.handler.OnClose(c, code, reason) })
		}

		close(c.done)
	})
}

// writeLoop drains the outbound queue until the connection closes.
func (c *Conn) writeLoop() {
	for {
		frame, ok := c.queue.pop(c.ctx.Done())
		if !ok {
			return
		}

		if err := c.writeData(frame); err != nil {
			if c.State() == StateClosed {
				return
			}
			c.logger.Debug("write failed", zap.Error(err))
			c.finish(websocket.CloseAbnormalClosure, err.Error())
			return
		}
	}
}

// writeData writes a queued frame unless a close frame has already gone
// out, in which case the frame is dropped.
func (c *Conn) writeData(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return nil
	}
	return c.writeLocked(frame)
}

// writeControl writes a control frame directly, ahead of queued data.
func (c *Conn) writeControl(op websocket.Opcode, payload []byte) error {
	frame := websocket.EncodeFrame(op, payload, true, false)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(frame)
}

func (c *Conn) writeLocked(frame []byte) error {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := c.netConn.Write(frame)
	return err
}

// invoke runs an application callback and reports whether it panicked.
// The panic is logged; the caller decides how to fail the connection.
func (c *Conn) invoke(fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", zap.Any("panic", r))
			panicked = true
		}
	}()
	fn()
	return false
}
