package wshub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/wsengine/websocket"
)

// drain decodes every frame queued on c.
func drain(t *testing.T, c *Conn) []websocket.Frame {
	t.Helper()

	var frames []websocket.Frame
	codec := websocket.Codec{}
	done := make(chan struct{})
	close(done)

	for c.Queued() > 0 {
		raw, ok := c.queue.pop(done)
		require.True(t, ok)
		for len(raw) > 0 {
			f, n, err := codec.Decode(raw)
			require.NoError(t, err)
			frames = append(frames, f)
			raw = raw[n:]
		}
	}
	return frames
}

func TestRoomRegistryJoinLeave(t *testing.T) {
	r := NewRoomRegistry(0, nil)
	a := newDetachedConn("a", Config{})
	b := newDetachedConn("b", Config{})

	require.NoError(t, r.Join(a, "lobby"))
	require.NoError(t, r.Join(a, "games"))
	require.NoError(t, r.Join(b, "lobby"))

	assert.Equal(t, []string{"games", "lobby"}, r.Rooms())
	assert.Equal(t, []string{"a", "b"}, r.Members("lobby"))
	assert.Equal(t, []string{"a"}, r.Members("games"))
	assert.Equal(t, []string{"games", "lobby"}, r.RoomsOf(a))
	assert.Equal(t, []string{"lobby"}, r.RoomsOf(b))

	t.Run("Join twice is a no-op", func(t *testing.T) {
		require.NoError(t, r.Join(b, "lobby"))
		assert.Equal(t, []string{"a", "b"}, r.Members("lobby"))
	})

	t.Run("Leave", func(t *testing.T) {
		assert.True(t, r.Leave(a, "games"))
		assert.False(t, r.Leave(a, "games"))
		assert.Equal(t, []string{"lobby"}, r.Rooms(), "empty room is deleted")
		assert.Equal(t, []string{"lobby"}, r.RoomsOf(a))
	})

	t.Run("Leave unknown room", func(t *testing.T) {
		assert.False(t, r.Leave(b, "nowhere"))
	})

	t.Run("LeaveAll", func(t *testing.T) {
		require.NoError(t, r.Join(a, "x"))
		assert.Equal(t, []string{"lobby", "x"}, r.LeaveAll(a))
		assert.Empty(t, r.RoomsOf(a))
		assert.Equal(t, []string{"b"}, r.Members("lobby"))
		assert.Equal(t, []string{"lobby"}, r.Rooms())
		assert.Empty(t, r.LeaveAll(a))
	})
}

func TestRoomRegistryJoinErrors(t *testing.T) {
	r := NewRoomRegistry(0, nil)

	t.Run("Empty name", func(t *testing.T) {
		c := newDetachedConn("a", Config{})
		assert.ErrorIs(t, r.Join(c, ""), ErrInvalidRoom)
	})

	t.Run("Closed connection", func(t *testing.T) {
		c := newDetachedConn("a", Config{})
		c.state.Store(int32(StateClosed))
		assert.ErrorIs(t, r.Join(c, "lobby"), ErrConnClosed)
		assert.Empty(t, r.Rooms())
	})
}

func TestRoomRegistryBroadcast(t *testing.T) {
	t.Run("Room isolation", func(t *testing.T) {
		r := NewRoomRegistry(0, nil)
		a := newDetachedConn("a", Config{})
		b := newDetachedConn("b", Config{})
		c := newDetachedConn("c", Config{})

		require.NoError(t, r.Join(a, "red"))
		require.NoError(t, r.Join(b, "red"))
		require.NoError(t, r.Join(c, "blue"))

		assert.Equal(t, 2, r.Broadcast("red", websocket.TextMessage, []byte("hi")))

		for _, member := range []*Conn{a, b} {
			frames := drain(t, member)
			require.Len(t, frames, 1)
			assert.Equal(t, websocket.TextMessage, frames[0].Opcode)
			assert.Equal(t, []byte("hi"), frames[0].Payload)
		}
		assert.Equal(t, 0, c.Queued())
	})

	t.Run("Exclude sender", func(t *testing.T) {
		r := NewRoomRegistry(0, nil)
		a := newDetachedConn("a", Config{})
		b := newDetachedConn("b", Config{})
		require.NoError(t, r.Join(a, "red"))
		require.NoError(t, r.Join(b, "red"))

		assert.Equal(t, 1, r.Broadcast("red", websocket.BinaryMessage, []byte{1}, "a"))
		assert.Equal(t, 0, a.Queued())
		assert.Equal(t, 1, b.Queued())
	})

	t.Run("Unknown room", func(t *testing.T) {
		r := NewRoomRegistry(0, nil)
		assert.Equal(t, 0, r.Broadcast("nowhere", websocket.TextMessage, []byte("x")))
	})

	t.Run("Full queue does not block others", func(t *testing.T) {
		r := NewRoomRegistry(0, nil)
		slow := newDetachedConn("slow", Config{SendQueueSize: 1})
		fast := newDetachedConn("fast", Config{SendQueueSize: 8})
		require.NoError(t, r.Join(slow, "room"))
		require.NoError(t, r.Join(fast, "room"))

		assert.Equal(t, 2, r.Broadcast("room", websocket.TextMessage, []byte("1")))
		assert.Equal(t, 1, r.Broadcast("room", websocket.TextMessage, []byte("2")))

		assert.Equal(t, 1, slow.Queued())
		assert.Len(t, drain(t, fast), 2)
	})

	t.Run("Closing member is skipped", func(t *testing.T) {
		r := NewRoomRegistry(0, nil)
		a := newDetachedConn("a", Config{})
		b := newDetachedConn("b", Config{})
		require.NoError(t, r.Join(a, "room"))
		require.NoError(t, r.Join(b, "room"))
		b.state.Store(int32(StateClosing))

		assert.Equal(t, 1, r.Broadcast("room", websocket.TextMessage, []byte("x")))
	})

	t.Run("Fragmented frames", func(t *testing.T) {
		r := NewRoomRegistry(2, nil)
		a := newDetachedConn("a", Config{})
		require.NoError(t, r.Join(a, "room"))

		assert.Equal(t, 1, r.Broadcast("room", websocket.TextMessage, []byte("abcde")))

		frames := drain(t, a)
		require.Len(t, frames, 3)
		assert.Equal(t, websocket.TextMessage, frames[0].Opcode)
		assert.Equal(t, websocket.ContinuationFrame, frames[1].Opcode)
		assert.True(t, frames[2].Fin)
	})
}

func TestRoomRegistryConcurrent(t *testing.T) {
	r := NewRoomRegistry(0, nil)

	conns := make([]*Conn, 20)
	for i := range conns {
		conns[i] = newDetachedConn(fmt.Sprintf("c%d", i), Config{SendQueueSize: 1024})
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				room := fmt.Sprintf("room-%d", (i+j)%5)
				_ = r.Join(c, room)
				r.Broadcast(room, websocket.TextMessage, []byte("x"))
				if j%3 == 0 {
					r.Leave(c, room)
				}
			}
		}()
	}
	wg.Wait()

	for _, room := range r.Rooms() {
		for _, id := range r.Members(room) {
			var member *Conn
			for _, c := range conns {
				if c.id == id {
					member = c
				}
			}
			require.NotNil(t, member)
			assert.Contains(t, r.RoomsOf(member), room)
		}
	}

	for _, c := range conns {
		for _, room := range r.RoomsOf(c) {
			assert.Contains(t, r.Members(room), c.id)
		}
	}
}
