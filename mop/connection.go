package mop

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mopmsg/mop/crypto"
	"github.com/mopmsg/mop/internal/deque"
	"github.com/mopmsg/mop/message"
	"github.com/mopmsg/mop/transport"
)

const (
	// initialMaxMessageSize bounds frames until the connect reply
	// announces the central post office's real limit.
	initialMaxMessageSize = 300

	readBufferSize    = 1024
	outgoingQueueSize = 100
	dialTimeout       = 2 * time.Second
	reconnectDelay    = 500 * time.Millisecond
	pingCheckInterval = 100 * time.Millisecond

	// defaultPingIntervalMS applies when a connect reply carries no ping
	// interval.
	defaultPingIntervalMS = 5000
)

// cpoConnection owns the single TCP link to the central post office: the
// shuttler draining the link-bound mailbox, the connector dialing and
// re-dialing, one reader and one writer per live socket, and the ping
// supervisor. On any I/O problem the socket is torn down and redialed
// after a short delay; the first frame on every new socket is the
// authentication handshake, pushed ahead of any partially written frame
// by deliverNext.
type cpoConnection struct {
	po   *PostOffice
	addr string
	log  *logrus.Entry

	outgoing    *deque.Deque
	writeSignal chan struct{}

	mu            sync.Mutex
	conn          net.Conn
	currentWrite  []byte
	everConnected bool

	maxPayload     atomic.Int64
	pingIntervalMS atomic.Int64
	connected      atomic.Bool
	lastPingMillis atomic.Int64

	ctx context.Context
}

func newCPOConnection(po *PostOffice, addr string) *cpoConnection {
	c := &cpoConnection{
		po:          po,
		addr:        addr,
		log:         po.log.WithField("cpo", addr),
		outgoing:    deque.New(outgoingQueueSize),
		writeSignal: make(chan struct{}, 1),
	}
	c.maxPayload.Store(initialMaxMessageSize)
	return c
}

func (c *cpoConnection) start(ctx context.Context) {
	c.ctx = ctx
	go c.shuttler()
	go c.connector()
	go c.pingCheck()
}

func (c *cpoConnection) isConnected() bool {
	return c.connected.Load()
}

func (c *cpoConnection) shutdown() {
	c.killSocket()
}

// killSocket closes the live socket, forcing the reader and writer to
// fail and the connector to redial. Also used by tests to exercise
// reconnection.
func (c *cpoConnection) killSocket() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// pingReceived notes a ping from the central post office.
func (c *cpoConnection) pingReceived() {
	c.lastPingMillis.Store(time.Now().UnixMilli())
}

// handleConnectReply applies the parameters of a connect or reconnect
// reply and marks the link up. The first ever reply triggers the post
// office's subscription refresh.
func (c *cpoConnection) handleConnectReply(m *message.Message) {
	c.maxPayload.Store(m.OptInt(message.AttrMaxMessageSize, initialMaxMessageSize))
	c.pingIntervalMS.Store(m.OptInt(message.AttrPingInterval, defaultPingIntervalMS))
	c.lastPingMillis.Store(time.Now().UnixMilli())

	c.mu.Lock()
	first := !c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	c.connected.Store(true)
	c.log.WithFields(logrus.Fields{
		"type":           m.Type,
		"maxMessageSize": c.maxPayload.Load(),
		"pingIntervalMS": c.pingIntervalMS.Load(),
	}).Info("Connected to central post office")

	if first {
		c.po.refreshSubscriptions()
	}
}

// shuttler drains the link-bound mailbox, serializes each message and
// queues its frame for the writer.
func (c *cpoConnection) shuttler() {
	for {
		m, err := c.po.cpoBox.Take(c.ctx)
		if err != nil {
			return
		}

		payload := m.JSON()
		if int64(len(payload)) > c.maxPayload.Load() {
			c.log.WithFields(logFields(m)).WithField("bytes", len(payload)).
				Error("Dropping message larger than the maximum message size")
			continue
		}

		if !c.outgoing.PushFront(m.Serialize()) {
			c.log.WithFields(logFields(m)).Warn("Outgoing queue full, dropping message")
			continue
		}
		c.signalWrite()
	}
}

// connector dials the central post office, runs one reader and one writer
// per socket, and redials half a second after any failure.
func (c *cpoConnection) connector() {
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
		if err != nil {
			c.log.WithError(err).Debug("Dial failed, will retry")
			if !c.sleep(reconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.lastPingMillis.Store(time.Now().UnixMilli())

		failed := make(chan struct{})
		var failOnce sync.Once
		fail := func() { failOnce.Do(func() { close(failed) }) }

		c.sendHandshake()
		go c.reader(conn, fail)
		go c.writer(conn, fail, failed)

		select {
		case <-failed:
		case <-c.ctx.Done():
		}

		c.connected.Store(false)
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		c.log.Info("Central post office link lost, reconnecting")
		if !c.sleep(reconnectDelay) {
			return
		}
	}
}

// sendHandshake queues the authentication handshake as the first frame on
// the new socket. manage.connect is used until a connect reply has ever
// been seen, manage.reconnect afterwards.
func (c *cpoConnection) sendHandshake() {
	c.mu.Lock()
	typ := message.TypeConnect
	if c.everConnected {
		typ = message.TypeReconnect
	}
	c.mu.Unlock()

	m := c.po.poBox.CreateDirectMessage(CentralName+"."+ReservedMailboxName, typ, true)
	token := crypto.Authenticator(c.po.secret, c.po.name, m.ID)
	m.PutDotted(message.AttrAuthenticator, message.EncodeBytes(token))
	c.deliverNext(m.Serialize())
}

// deliverNext queues frame ahead of everything else. A partially written
// frame left over from the previous socket is re-queued in full behind
// it, so the new socket starts at a frame boundary and no framed bytes
// are lost.
func (c *cpoConnection) deliverNext(frame []byte) {
	c.mu.Lock()
	pending := c.currentWrite
	c.currentWrite = nil
	c.mu.Unlock()

	if pending != nil {
		if !c.outgoing.PushBack(pending) {
			c.log.Warn("Outgoing queue full, dropping in-flight frame")
		}
	}
	if !c.outgoing.PushBack(frame) {
		// The handshake must still go out first; evict the newest queued
		// frame to make room.
		if _, ok := c.outgoing.PopFront(); ok {
			c.log.Warn("Outgoing queue full, evicting newest frame for urgent frame")
		}
		c.outgoing.PushBack(frame)
	}
	c.signalWrite()
}

// sleep waits for d, returning false if the context is cancelled first.
func (c *cpoConnection) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *cpoConnection) signalWrite() {
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// writer pops frames and writes them to the socket, tracking the frame in
// flight so deliverNext can re-queue it after a failure.
func (c *cpoConnection) writer(conn net.Conn, fail func(), failed <-chan struct{}) {
	for {
		frame, ok := c.outgoing.PopBack()
		if !ok {
			select {
			case <-c.writeSignal:
				continue
			case <-failed:
				return
			case <-c.ctx.Done():
				return
			}
		}

		c.mu.Lock()
		c.currentWrite = frame
		c.mu.Unlock()

		if _, err := conn.Write(frame); err != nil {
			// The frame stays in currentWrite for reinsertion after
			// reconnect.
			fail()
			return
		}

		c.mu.Lock()
		c.currentWrite = nil
		c.mu.Unlock()
	}
}

// reader consumes the socket, deframes, and routes every complete
// message. The deframer is grown when a connect reply raises the maximum
// message size.
func (c *cpoConnection) reader(conn net.Conn, fail func()) {
	limit := int(c.maxPayload.Load())
	deframer := transport.NewDeframer(limit)
	buf := make([]byte, readBufferSize)

	for {
		if want := int(c.maxPayload.Load()); want > limit {
			if err := deframer.Resize(want); err == nil {
				limit = want
			}
		}

		n := len(buf)
		if w := deframer.Writable(); w < n {
			n = w
		}
		n, err := conn.Read(buf[:n])
		if n > 0 {
			if addErr := deframer.AddBytes(buf[:n]); addErr != nil {
				c.log.WithError(addErr).Error("Deframer rejected received bytes")
			}
			for {
				payload, ok := deframer.NextFrame()
				if !ok {
					break
				}
				m, perr := message.Parse(payload)
				if perr != nil {
					c.log.WithError(perr).Warn("Dropping unparseable frame")
					continue
				}
				c.po.route(m)
			}
		}
		if err != nil {
			fail()
			return
		}
	}
}

// pingCheck watches for missed pings: a silent link for longer than 1.5
// times the announced ping interval is treated as failed.
func (c *cpoConnection) pingCheck() {
	ticker := time.NewTicker(pingCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.connected.Load() {
			continue
		}
		interval := c.pingIntervalMS.Load()
		if interval <= 0 {
			continue
		}
		silent := time.Now().UnixMilli() - c.lastPingMillis.Load()
		if silent > interval*3/2 {
			c.log.WithField("silentMS", silent).Warn("Missed pings from central post office, closing link")
			c.connected.Store(false)
			c.killSocket()
		}
	}
}
