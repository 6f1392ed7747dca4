package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalvas/wsengine/websocket"
)

// Handler is the set of callbacks bound to a path. OnMessage runs on the
// connection's read loop and data is only valid for the duration of the
// call. A panic in OnOpen or OnMessage closes the connection with 1011 and
// no further callbacks run except OnClose.
type Handler struct {
	OnOpen    func(c *Conn)
	OnMessage func(c *Conn, op websocket.Opcode, data []byte)
	OnClose   func(c *Conn, code int, reason string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The manager logs under the "wshub" name.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIDGenerator replaces the default UUID connection id generator.
func WithIDGenerator(fn func(r *http.Request) string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.generateID = fn
		}
	}
}

// WithCheckOrigin sets the origin check applied during the handshake.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(m *Manager) {
		m.negotiator.CheckOrigin = fn
	}
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	Active   int
	Accepted uint64
	Rejected uint64
	Rooms    int
}

// Manager owns every connection: it accepts and upgrades sockets, routes
// them to the handler registered for their path and tracks them until they
// close.
type Manager struct {
	cfg        Config
	logger     *zap.Logger
	negotiator websocket.Negotiator
	generateID func(r *http.Request) string

	rooms     *RoomRegistry
	heartbeat *HeartbeatMonitor

	mu       sync.RWMutex
	conns    map[string]*Conn
	handlers map[string]*Handler
	pending  int
	closed   bool

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New returns a Manager for cfg. Zero-valued fields of cfg take their
// defaults.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		logger:     zap.NewNop(),
		negotiator: websocket.Negotiator{Subprotocols: cfg.Subprotocols},
		generateID: func(*http.Request) string { return uuid.NewString() },
		conns:      make(map[string]*Conn),
		handlers:   make(map[string]*Handler),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.Named("wshub")
	m.rooms = NewRoomRegistry(cfg.FragmentSize, m.logger)
	m.heartbeat = NewHeartbeatMonitor(cfg.HeartbeatInterval, cfg.MissedPongs, m.logger)

	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Rooms returns the room registry.
func (m *Manager) Rooms() *RoomRegistry {
	return m.rooms
}

// Heartbeat returns the heartbeat monitor.
func (m *Manager) Heartbeat() *HeartbeatMonitor {
	return m.heartbeat
}

// RegisterPath binds h to upgrade requests for path.
func (m *Manager) RegisterPath(path string, h Handler) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handlers[path]; ok {
		return fmt.Errorf("%w: %s", ErrPathRegistered, path)
	}
	m.handlers[path] = &h
	return nil
}

func (m *Manager) handler(path string) *Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[path]
}

// Accept runs the handshake on an already accepted socket. r is the parsed
// upgrade request. On any failure the socket is closed before Accept
// returns. A refused handshake is reported as *websocket.HandshakeError.
func (m *Manager) Accept(netConn net.Conn, r *http.Request) (*Conn, error) {
	return m.accept(netConn, nil, r)
}

func (m *Manager) accept(netConn net.Conn, br io.Reader, r *http.Request) (*Conn, error) {
	if err := m.reserve(); err != nil {
		m.rejected.Add(1)
		_ = netConn.Close()
		m.logger.Warn("connection refused", zap.String("remote_addr", netConn.RemoteAddr().String()), zap.Error(err))
		return nil, err
	}

	c, err := m.upgrade(netConn, br, r)
	if err != nil {
		m.unreserve()
		m.rejected.Add(1)
		_ = netConn.Close()
		m.logger.Debug("handshake rejected", zap.String("path", r.URL.Path), zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	m.pending--
	if m.closed {
		m.mu.Unlock()
		c.handler = &Handler{}
		c.finish(websocket.CloseGoingAway, ErrManagerClosed.Error())
		return nil, ErrManagerClosed
	}
	m.conns[c.id] = c
	m.mu.Unlock()

	m.accepted.Add(1)
	m.heartbeat.Add(c)

	c.logger.Info("connection opened",
		zap.String("remote_addr", netConn.RemoteAddr().String()),
		zap.String("subprotocol", c.subprotocol),
	)

	go c.writeLoop()

	if c.handler.OnOpen != nil && c.invoke(func() { c.handler.OnOpen(c) }) {
		c.terminate(websocket.CloseInternalServerErr, "internal error")
		return c, nil
	}

	go c.readLoop()

	return c, nil
}

// reserve claims a connection slot for an in-flight handshake.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if len(m.conns)+m.pending >= m.cfg.MaxConnections {
		return fmt.Errorf("%w: %d", ErrCapacityExceeded, m.cfg.MaxConnections)
	}
	m.pending++
	return nil
}

func (m *Manager) unreserve() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

func (m *Manager) upgrade(netConn net.Conn, br io.Reader, r *http.Request) (*Conn, error) {
	_ = netConn.SetWriteDeadline(time.Now().Add(m.cfg.HandshakeTimeout))

	h := m.handler(r.URL.Path)
	if h == nil {
		herr := &websocket.HandshakeError{Status: http.StatusNotFound, Reason: ErrNoHandler.Error()}
		_ = websocket.WriteRejection(netConn, herr)
		return nil, herr
	}

	header, err := m.negotiator.Negotiate(r)
	if err != nil {
		var herr *websocket.HandshakeError
		if errors.As(err, &herr) {
			_ = websocket.WriteRejection(netConn, herr)
		}
		return nil, err
	}

	if err := websocket.WriteResponse(netConn, header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	_ = netConn.SetWriteDeadline(time.Time{})

	c := newConn(m, m.generateID(r), netConn, br, r, h)
	c.subprotocol = header.Get("Sec-WebSocket-Protocol")
	c.open()

	return c, nil
}

// release deregisters a connection that reached StateClosed.
func (m *Manager) release(c *Conn) {
	m.mu.Lock()
	if cur, ok := m.conns[c.id]; ok && cur == c {
		delete(m.conns, c.id)
	}
	m.mu.Unlock()

	m.heartbeat.Remove(c)
	m.rooms.LeaveAll(c)
}

// ServeHTTP upgrades requests for registered paths. Requests for other
// paths get 404 and requests that are not WebSocket upgrades get 400, both
// without being hijacked.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.handler(r.URL.Path) == nil {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet || !websocket.IsWebSocketUpgrade(r) {
		m.rejected.Add(1)
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, ErrHijackFailed.Error(), http.StatusInternalServerError)
		return
	}

	netConn, brw, err := hj.Hijack()
	if err != nil {
		m.logger.Warn("hijack failed", zap.Error(err))
		return
	}

	_ = netConn.SetDeadline(time.Time{})

	// Keep bytes the HTTP server read ahead of the handshake.
	var br io.Reader
	if brw != nil && brw.Reader.Buffered() > 0 {
		br = brw.Reader
	}

	_, _ = m.accept(netConn, br, r)
}

// Conn returns the open connection with id.
func (m *Manager) Conn(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Active:   m.Len(),
		Accepted: m.accepted.Load(),
		Rejected: m.rejected.Load(),
		Rooms:    len(m.rooms.Rooms()),
	}
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast queues a data message to every open connection and returns how
// many connections accepted it.
func (m *Manager) Broadcast(op websocket.Opcode, data []byte) int {
	if !op.IsData() {
		return 0
	}
	frame := websocket.EncodeMessage(op, data, m.cfg.FragmentSize)
	return fanOut(m.logger, m.snapshot(), frame)
}

// BroadcastTo queues a data message to the members of room, skipping the
// connection ids in exclude.
func (m *Manager) BroadcastTo(room string, op websocket.Opcode, data []byte, exclude ...string) int {
	if !op.IsData() {
		return 0
	}
	return m.rooms.Broadcast(room, op, data, exclude...)
}

// BroadcastJSON sends the JSON encoding of v as a text message to room, or
// to every connection when room is empty.
func (m *Manager) BroadcastJSON(room string, v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	if room == "" {
		return m.Broadcast(websocket.TextMessage, data), nil
	}
	return m.BroadcastTo(room, websocket.TextMessage, data), nil
}

// Run drives the heartbeat monitor until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.heartbeat.Run(ctx)
}

// Close refuses new connections and closes every open one with 1001. It
// waits up to CloseTimeout for the close handshakes, then releases the
// remaining sockets.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.closed = true
	m.mu.Unlock()

	conns := m.snapshot()
	m.logger.Info("shutting down", zap.Int("connections", len(conns)))

	for _, c := range conns {
		_ = c.Close(websocket.CloseGoingAway, "server shutdown")
	}

	deadline := time.NewTimer(m.cfg.CloseTimeout)
	defer deadline.Stop()

	for _, c := range conns {
		select {
		case <-c.done:
		case <-deadline.C:
			for _, rest := range conns {
				rest.finish(websocket.CloseGoingAway, "server shutdown")
			}
			return nil
		}
	}

	return nil
}
