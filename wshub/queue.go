package wshub

import (
	"sync"

	"github.com/eapache/queue"
)

// sendQueue is a FIFO of encoded frames awaiting the writer, bounded by
// frame count and by total bytes. Producers never block: a full queue is
// reported as ErrSendQueueFull. A frame larger than the byte limit is still
// accepted into an empty queue.
type sendQueue struct {
	mu        sync.Mutex
	items     *queue.Queue
	limit     int
	byteLimit int64
	bytes     int64
	ready     chan struct{}
	closed    bool
}

func newSendQueue(limit int, byteLimit int64) *sendQueue {
	return &sendQueue{
		items:     queue.New(),
		limit:     limit,
		byteLimit: byteLimit,
		ready:     make(chan struct{}, 1),
	}
}

func (q *sendQueue) push(frame []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrConnClosed
	}
	n := q.items.Length()
	if n >= q.limit || (n > 0 && q.bytes+int64(len(frame)) > q.byteLimit) {
		q.mu.Unlock()
		return ErrSendQueueFull
	}
	q.items.Add(frame)
	q.bytes += int64(len(frame))
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until a frame is available, the queue is closed, or done is
// closed.
func (q *sendQueue) pop(done <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if q.items.Length() > 0 {
			frame := q.items.Peek().([]byte)
			q.items.Remove()
			q.bytes -= int64(len(frame))
			q.mu.Unlock()
			return frame, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-done:
			return nil, false
		}
	}
}

// close discards pending frames and returns how many were dropped.
func (q *sendQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true
	dropped := q.items.Length()
	q.items = queue.New()
	q.bytes = 0

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
