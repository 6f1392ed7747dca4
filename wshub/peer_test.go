package wshub

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/vitalvas/wsengine/websocket"
)

const testTimeout = 2 * time.Second

// testPeer is the client end of a net.Pipe. It writes masked frames and
// decodes server frames onto a channel.
type testPeer struct {
	conn     net.Conn
	br       *bufio.Reader
	mu       sync.Mutex
	frames   chan websocket.Frame
	autoPong atomic.Bool
}

type recordedMessage struct {
	op   websocket.Opcode
	data string
}

type recordedClose struct {
	code   int
	reason string
}

// recorder collects handler callbacks.
type recorder struct {
	opened   chan *Conn
	messages chan recordedMessage
	closes   chan recordedClose
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan *Conn, 16),
		messages: make(chan recordedMessage, 64),
		closes:   make(chan recordedClose, 16),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnOpen: func(c *Conn) {
			r.opened <- c
		},
		OnMessage: func(_ *Conn, op websocket.Opcode, data []byte) {
			r.messages <- recordedMessage{op: op, data: string(data)}
		},
		OnClose: func(_ *Conn, code int, reason string) {
			r.closes <- recordedClose{code: code, reason: reason}
		},
	}
}

func (r *recorder) nextMessage(t *testing.T) recordedMessage {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message")
		return recordedMessage{}
	}
}

func (r *recorder) nextClose(t *testing.T) recordedClose {
	t.Helper()
	select {
	case ev := <-r.closes:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
		return recordedClose{}
	}
}

func (r *recorder) noMessage(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.messages:
		t.Fatalf("unexpected message %q", msg.data)
	default:
	}
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: time.Hour,
		WriteTimeout:      time.Second,
		CloseTimeout:      time.Second,
		HandshakeTimeout:  time.Second,
	}
}

func newTestManager(t *testing.T, cfg Config, h Handler, opts ...Option) *Manager {
	t.Helper()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.RegisterPath("/ws", h))

	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newUpgradeRequest(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://example.com"+path, nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "13")
	return r
}

type acceptResult struct {
	conn *Conn
	err  error
}

// handshake runs Accept on one end of a pipe and reads the HTTP response on
// the other.
func handshake(t *testing.T, m *Manager, r *http.Request) (*http.Response, *bufio.Reader, net.Conn, <-chan acceptResult) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	result := make(chan acceptResult, 1)
	go func() {
		c, err := m.Accept(server, r)
		result <- acceptResult{conn: c, err: err}
	}()

	br := bufio.NewReader(client)
	_ = client.SetReadDeadline(time.Now().Add(testTimeout))
	resp, err := http.ReadResponse(br, r)
	_ = client.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, br, client, result
	}
	return resp, br, client, result
}

// dial completes a handshake on m and returns the peer and the server side
// connection.
func dial(t *testing.T, m *Manager, r *http.Request) (*testPeer, *Conn) {
	t.Helper()

	resp, br, client, result := handshake(t, m, r)
	require.NotNil(t, resp, "no handshake response")
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	p := &testPeer{
		conn:   client,
		br:     br,
		frames: make(chan websocket.Frame, 64),
	}
	go p.readLoop()

	select {
	case res := <-result:
		require.NoError(t, res.err)
		return p, res.conn
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for accept")
		return nil, nil
	}
}

func (p *testPeer) readLoop() {
	defer close(p.frames)

	codec := websocket.Codec{}
	chunk := make([]byte, 4096)
	var buf []byte

	for {
		for {
			f, n, err := codec.Decode(buf)
			if err != nil {
				break
			}
			buf = buf[n:]

			if f.Opcode == websocket.PingMessage && p.autoPong.Load() {
				_ = p.send(websocket.PongMessage, f.Payload, true)
				continue
			}
			p.frames <- f
		}

		n, err := p.br.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			return
		}
	}
}

func (p *testPeer) send(op websocket.Opcode, payload []byte, fin bool) error {
	return p.write(websocket.EncodeFrame(op, payload, fin, true))
}

func (p *testPeer) sendText(text string) error {
	return p.send(websocket.TextMessage, []byte(text), true)
}

func (p *testPeer) write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := p.conn.Write(b)
	return err
}

func (p *testPeer) next(t *testing.T) websocket.Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "connection closed while waiting for frame")
		return f
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for frame")
		return websocket.Frame{}
	}
}

// expectClose skips data frames until a close frame arrives and returns its
// code and reason.
func (p *testPeer) expectClose(t *testing.T) (int, string) {
	t.Helper()
	for {
		f := p.next(t)
		if f.Opcode != websocket.CloseMessage {
			continue
		}
		if len(f.Payload) == 0 {
			return websocket.CloseNoStatusReceived, ""
		}
		code, reason, err := websocket.ParseCloseMessage(f.Payload)
		require.NoError(t, err)
		return code, reason
	}
}

// expectEOF waits until the server releases the socket.
func (p *testPeer) expectEOF(t *testing.T) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the socket to close")
			return
		}
	}
}

// newDetachedConn returns an open connection with no socket or manager. It
// is enough for queue, room and heartbeat bookkeeping.
func newDetachedConn(id string, cfg Config) *Conn {
	cfg.setDefaults()

	c := &Conn{
		id:     id,
		cfg:    &cfg,
		logger: zap.NewNop(),
		queue:  newSendQueue(cfg.SendQueueSize, cfg.SendQueueBytes),
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	c.touchPong(time.Now())
	return c
}
