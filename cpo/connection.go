package cpo

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mopmsg/mop/transport"
)

// poConnection is the broker-side state for one accepted TCP link. Until
// authentication succeeds it has no client; afterwards the client holds a
// back-reference that is cleared on close.
type poConnection struct {
	name     string // remote address string, unique per link
	conn     net.Conn
	deframer *transport.Deframer // owned by the rx worker

	clientRef atomic.Pointer[poClient]
	lastPong  atomic.Int64 // unix millis of the last pong (or accept)

	writeSignal chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

func newPOConnection(conn net.Conn, maxMessageSize int) *poConnection {
	pc := &poConnection{
		name:        conn.RemoteAddr().String(),
		conn:        conn,
		deframer:    transport.NewDeframer(maxMessageSize),
		writeSignal: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	pc.lastPong.Store(time.Now().UnixMilli())
	return pc
}

func (pc *poConnection) client() *poClient {
	return pc.clientRef.Load()
}

func (pc *poConnection) setClient(c *poClient) {
	pc.clientRef.Store(c)
}

// signalWrite wakes the connection's writer.
func (pc *poConnection) signalWrite() {
	select {
	case pc.writeSignal <- struct{}{}:
	default:
	}
}

// pongReceived notes liveness from the remote post office.
func (pc *poConnection) pongReceived() {
	pc.lastPong.Store(time.Now().UnixMilli())
}

// close shuts the socket and stops the writer. Idempotent.
func (pc *poConnection) close() {
	pc.closeOnce.Do(func() {
		close(pc.closed)
		pc.conn.Close()
	})
}
