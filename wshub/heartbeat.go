package wshub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitalvas/wsengine/websocket"
)

// HeartbeatMonitor pings enrolled connections on a fixed interval and closes
// the ones whose last pong is older than the allowed window.
type HeartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewHeartbeatMonitor returns a monitor that pings every interval and closes
// connections that missed pongs for missed intervals.
func NewHeartbeatMonitor(interval time.Duration, missed int, logger *zap.Logger) *HeartbeatMonitor {
	if missed < 1 {
		missed = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HeartbeatMonitor{
		interval: interval,
		timeout:  time.Duration(missed) * interval,
		logger:   logger,
		now:      time.Now,
		conns:    make(map[string]*Conn),
	}
}

// Add enrolls c.
func (h *HeartbeatMonitor) Add(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// Remove stops monitoring c.
func (h *HeartbeatMonitor) Remove(c *Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
}

// Len returns the number of enrolled connections.
func (h *HeartbeatMonitor) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Run ticks until ctx is done.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(h.now())
		}
	}
}

// Tick runs one heartbeat pass at now. It returns how many connections were
// pinged and how many were closed for missing pongs. Nothing here blocks on
// a socket.
func (h *HeartbeatMonitor) Tick(now time.Time) (pinged, expired int) {
	h.mu.Lock()
	snapshot := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		if c.State() != StateOpen {
			continue
		}

		if now.Sub(c.LastPongAt()) > h.timeout {
			h.expire(c)
			expired++
			continue
		}

		// A ping that cannot be queued counts as a missed pong.
		if err := c.ping(); err != nil {
			h.logger.Debug("ping not queued", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}
		pinged++
	}

	return pinged, expired
}

func (h *HeartbeatMonitor) expire(c *Conn) {
	h.logger.Info("heartbeat timeout",
		zap.String("conn_id", c.id),
		zap.Time("last_pong", c.LastPongAt()),
	)
	h.Remove(c)
	go c.terminate(websocket.CloseGoingAway, ErrHeartbeatTimeout.Error())
}
