package wshub

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/vitalvas/wsengine/websocket"
)

// RoomRegistry maps room names to member connections. Membership is kept
// on both sides, in the registry and in each Conn, under a single mutex.
type RoomRegistry struct {
	mu           sync.RWMutex
	rooms        map[string]map[string]*Conn
	fragmentSize int
	logger       *zap.Logger
}

// NewRoomRegistry returns an empty registry. Broadcast messages are split
// into frames of fragmentSize bytes when it is positive.
func NewRoomRegistry(fragmentSize int, logger *zap.Logger) *RoomRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomRegistry{
		rooms:        make(map[string]map[string]*Conn),
		fragmentSize: fragmentSize,
		logger:       logger,
	}
}

// Join adds c to room, creating the room on first join. Joining a room
// twice is a no-op.
func (r *RoomRegistry) Join(c *Conn, room string) error {
	if room == "" {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.State() == StateClosed {
		return ErrConnClosed
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = struct{}{}

	return nil
}

// Leave removes c from room and reports whether it was a member. Empty
// rooms are deleted.
func (r *RoomRegistry) Leave(c *Conn, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(c, room)
}

func (r *RoomRegistry) leaveLocked(c *Conn, room string) bool {
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)

	if members, ok := r.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	return true
}

// LeaveAll removes c from every room and returns the rooms it left.
func (r *RoomRegistry) LeaveAll(c *Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		left = append(left, room)
	}
	for _, room := range left {
		r.leaveLocked(c, room)
	}

	slices.Sort(left)
	return left
}

// Broadcast queues one data message to every member of room except the ids
// in exclude. The frame is encoded once and shared. A member whose queue
// rejects the frame is skipped. It returns the number of members the frame
// was queued for.
func (r *RoomRegistry) Broadcast(room string, op websocket.Opcode, data []byte, exclude ...string) int {
	r.mu.RLock()
	members := make([]*Conn, 0, len(r.rooms[room]))
	for id, c := range r.rooms[room] {
		if slices.Contains(exclude, id) {
			continue
		}
		members = append(members, c)
	}
	r.mu.RUnlock()

	if len(members) == 0 {
		return 0
	}

	frame := websocket.EncodeMessage(op, data, r.fragmentSize)
	return fanOut(r.logger, members, frame)
}

// Members returns the ids of the connections in room, sorted.
func (r *RoomRegistry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Rooms returns the names of all non-empty rooms, sorted.
func (r *RoomRegistry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RoomsOf returns the rooms c belongs to, sorted.
func (r *RoomRegistry) RoomsOf(c *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// fanOut queues a prepared frame to each connection. Failures are isolated
// per connection.
func fanOut(logger *zap.Logger, conns []*Conn, frame []byte) int {
	sent := 0
	for _, c := range conns {
		if err := c.sendFrame(frame); err != nil {
			logger.Debug("broadcast skipped connection", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
