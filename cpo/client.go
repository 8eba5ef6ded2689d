package cpo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mopmsg/mop/internal/deque"
)

const clientQueueSize = 100

// poClient is the broker-side state for one configured post office. It
// survives across reconnects; only the connection pointer changes.
type poClient struct {
	name    string
	secret  []byte
	manager bool

	outgoing *deque.Deque

	mu           sync.Mutex
	currentWrite []byte
	conn         *poConnection // nil while disconnected

	connections atomic.Int64 // successful connects so far
	lastConnect atomic.Int64 // unix millis of the last connect
	rxBytes     atomic.Int64
	txBytes     atomic.Int64
	rxMessages  atomic.Int64
	txMessages  atomic.Int64
}

func newPOClient(name string, secret []byte, manager bool) *poClient {
	return &poClient{
		name:     name,
		secret:   secret,
		manager:  manager,
		outgoing: deque.New(clientQueueSize),
	}
}

// connection returns the currently associated connection, or nil.
func (c *poClient) connection() *poConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// associate binds a freshly authenticated connection and returns the one
// it displaces, if any.
func (c *poClient) associate(pc *poConnection) *poConnection {
	c.mu.Lock()
	old := c.conn
	c.conn = pc
	c.mu.Unlock()

	c.connections.Add(1)
	c.lastConnect.Store(time.Now().UnixMilli())
	if old == pc {
		return nil
	}
	return old
}

// dissociate clears the connection pointer if it still references pc.
func (c *poClient) dissociate(pc *poConnection) {
	c.mu.Lock()
	if c.conn == pc {
		c.conn = nil
	}
	c.mu.Unlock()
}

// enqueue appends a frame to the out-queue. It reports false when the
// queue is full and the frame was dropped.
func (c *poClient) enqueue(frame []byte) bool {
	return c.outgoing.PushFront(frame)
}

// deliverNext queues frame ahead of the backlog; an unfinished current
// write is re-queued in full behind it. Used for connect replies, which
// must be the first frame the reconnected post office reads.
func (c *poClient) deliverNext(frame []byte) {
	c.mu.Lock()
	pending := c.currentWrite
	c.currentWrite = nil
	c.mu.Unlock()

	if pending != nil {
		c.outgoing.PushBack(pending)
	}
	if !c.outgoing.PushBack(frame) {
		// A connect reply must not be lost to backlog; evict the newest
		// queued frame to make room.
		c.outgoing.PopFront()
		c.outgoing.PushBack(frame)
	}
}

// nextWrite returns the frame the writer should send, pulling from the
// out-queue when no write is in progress. Returns nil when there is
// nothing to send.
func (c *poClient) nextWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentWrite == nil {
		frame, ok := c.outgoing.PopBack()
		if !ok {
			return nil
		}
		c.currentWrite = frame
	}
	return c.currentWrite
}

// writeDone records a completed write.
func (c *poClient) writeDone(frame []byte) {
	c.mu.Lock()
	c.currentWrite = nil
	c.mu.Unlock()
	c.txBytes.Add(int64(len(frame)))
	c.txMessages.Add(1)
}

func (c *poClient) isConnected() bool {
	return c.connection() != nil
}
