package cpo

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mopmsg/mop/crypto"
	"github.com/mopmsg/mop/internal/subindex"
	"github.com/mopmsg/mop/message"
	"github.com/mopmsg/mop/monitor"
	"github.com/mopmsg/mop/mop"
)

const (
	rxQueueSize       = 100
	pongCheckInterval = 100 * time.Millisecond

	// idSuffix distinguishes broker-generated message ids from post
	// office ids.
	idSuffix = ".cpo"
)

// centralAddress is the broker's own management mailbox address.
var centralAddress = mop.CentralName + "." + mop.ReservedMailboxName

// rxChunk carries one read's worth of bytes from a reader to the rx
// worker.
type rxChunk struct {
	pc   *poConnection
	data []byte
}

// CentralPostOffice is the broker. One reader goroutine per accepted
// connection feeds a bounded rx queue; a single rx worker deframes and
// routes, which keeps routing single-threaded; one writer goroutine per
// connection drains the associated client's out-queue when signalled.
type CentralPostOffice struct {
	cfg        Config
	configPath string
	log        *logrus.Entry
	started    time.Time

	ln   net.Listener
	subs *subindex.Index[string]

	mu          sync.Mutex
	clients     map[string]*poClient
	connections map[string]*poConnection

	rxQueue   chan rxChunk
	idCounter atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New validates the configuration and builds a central post office. Call
// Start to begin listening; configPath, when non-empty, is where
// manage.write persists the configuration.
func New(cfg Config, configPath string) (*CentralPostOffice, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid central post office config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cp := &CentralPostOffice{
		cfg:         cfg,
		configPath:  configPath,
		log:         logrus.WithField("cpo", cfg.Name),
		subs:        subindex.New[string](),
		clients:     make(map[string]*poClient),
		connections: make(map[string]*poConnection),
		rxQueue:     make(chan rxChunk, rxQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, clientCfg := range cfg.Clients {
		secret, _ := message.DecodeBytes(clientCfg.Secret) // validated above
		cp.clients[clientCfg.Name] = newPOClient(clientCfg.Name, secret, clientCfg.Manager)
	}
	return cp, nil
}

// Start binds the listening socket and launches the broker's workers.
func (cp *CentralPostOffice) Start() error {
	addr := fmt.Sprintf("%s:%d", cp.cfg.LocalAddress, cp.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("central post office listen: %w", err)
	}
	cp.ln = ln
	cp.started = time.Now()

	go cp.acceptLoop()
	go cp.rxWorker()
	go cp.pinger()
	go cp.pongCheck()

	cp.log.WithField("addr", ln.Addr().String()).Info("Central post office started")
	return nil
}

// Addr returns the bound listen address. Useful with port 0.
func (cp *CentralPostOffice) Addr() net.Addr {
	return cp.ln.Addr()
}

// Shutdown stops all workers and closes every connection.
func (cp *CentralPostOffice) Shutdown() {
	cp.stopOnce.Do(func() {
		cp.cancel()
		if cp.ln != nil {
			cp.ln.Close()
		}
		cp.mu.Lock()
		conns := make([]*poConnection, 0, len(cp.connections))
		for _, pc := range cp.connections {
			conns = append(conns, pc)
		}
		cp.mu.Unlock()
		for _, pc := range conns {
			cp.closeConnection(pc)
		}
	})
}

func (cp *CentralPostOffice) nextID() string {
	return message.EncodeInt(cp.idCounter.Add(1)) + idSuffix
}

func (cp *CentralPostOffice) clientByName(name string) *poClient {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.clients[name]
}

func (cp *CentralPostOffice) acceptLoop() {
	for {
		conn, err := cp.ln.Accept()
		if err != nil {
			if cp.ctx.Err() != nil {
				return
			}
			cp.log.WithError(err).Warn("Accept failed")
			continue
		}

		pc := newPOConnection(conn, cp.cfg.MaxMessageSize)
		cp.mu.Lock()
		cp.connections[pc.name] = pc
		cp.mu.Unlock()
		cp.log.WithField("conn", pc.name).Debug("Accepted connection")

		go cp.readLoop(pc)
		go cp.writeLoop(pc)
	}
}

// readLoop reads raw bytes and queues them for the rx worker. Each read
// gets a fresh buffer because the chunk outlives the read.
func (cp *CentralPostOffice) readLoop(pc *poConnection) {
	for {
		buf := make([]byte, cp.cfg.MaxMessageSize+10)
		n, err := pc.conn.Read(buf)
		if n > 0 {
			select {
			case cp.rxQueue <- rxChunk{pc: pc, data: buf[:n]}:
			case <-cp.ctx.Done():
				return
			}
		}
		if err != nil {
			cp.closeConnection(pc)
			return
		}
	}
}

// rxWorker deframes and routes everything received, on a single
// goroutine so routing decisions are serialized.
func (cp *CentralPostOffice) rxWorker() {
	for {
		var chunk rxChunk
		select {
		case chunk = <-cp.rxQueue:
		case <-cp.ctx.Done():
			return
		}

		if client := chunk.pc.client(); client != nil {
			client.rxBytes.Add(int64(len(chunk.data)))
		}
		if err := chunk.pc.deframer.AddBytes(chunk.data); err != nil {
			cp.log.WithError(err).WithField("conn", chunk.pc.name).
				Error("Deframer rejected received bytes")
		}

		for {
			payload, ok := chunk.pc.deframer.NextFrame()
			if !ok {
				break
			}
			m, err := message.Parse(payload)
			if err != nil {
				cp.log.WithError(err).WithField("conn", chunk.pc.name).
					Warn("Dropping unparseable frame")
				continue
			}
			if client := chunk.pc.client(); client != nil {
				client.rxMessages.Add(1)
			}
			cp.receiveMessage(chunk.pc, m)
		}
	}
}

// writeLoop drains the associated client's out-queue whenever signalled.
func (cp *CentralPostOffice) writeLoop(pc *poConnection) {
	for {
		select {
		case <-pc.closed:
			return
		case <-cp.ctx.Done():
			return
		case <-pc.writeSignal:
		}

		for {
			client := pc.client()
			if client == nil {
				break
			}
			frame := client.nextWrite()
			if frame == nil {
				break
			}
			if _, err := pc.conn.Write(frame); err != nil {
				cp.closeConnection(pc)
				return
			}
			client.writeDone(frame)
		}
	}
}

// receiveMessage routes one inbound message: publishes fan out per
// subscriber post office, subscription traffic is snooped, management
// messages are dispatched, everything else is forwarded to the
// destination post office.
func (cp *CentralPostOffice) receiveMessage(pc *poConnection, m *message.Message) {
	if m.To == centralAddress {
		m.Put(message.ConnectionNameKey, pc.name)
	}

	if m.IsPublish() {
		cp.routePublish(m)
		return
	}

	if !m.IsReply() && m.ToMailbox() == mop.ReservedMailboxName &&
		(m.Type == message.TypeSubscribe || m.Type == message.TypeUnsubscribe) {
		cp.snoop(m)
	}

	if m.To == centralAddress {
		cp.handleManagement(pc, m)
		return
	}

	cp.deliverToClient(m.ToPO(), m)
}

// snoop maintains the routing table from subscription traffic passing
// through. The message itself is still forwarded afterwards.
func (cp *CentralPostOffice) snoop(m *message.Message) {
	source := m.GetStringDotted(message.AttrSource)
	typ := m.GetStringDotted(message.AttrType)
	requestor := m.GetStringDotted(message.AttrRequestor)
	if source == "" || typ == "" || requestor == "" {
		cp.log.WithField("from", m.From).Warn("Ignoring malformed subscription message")
		return
	}

	key := subindex.Key(source, typ)
	if m.Type == message.TypeSubscribe {
		cp.subs.Add(key, requestor)
	} else {
		cp.subs.Remove(key, requestor)
	}
}

// routePublish forwards a publish to every subscribed post office, once
// per post office regardless of how many of its mailboxes subscribed.
func (cp *CentralPostOffice) routePublish(m *message.Message) {
	subscribers := cp.subs.Lookup(m.From, m.Type)
	if len(subscribers) == 0 {
		cp.log.WithFields(logrus.Fields{"from": m.From, "type": m.Type}).
			Warn("Dropping publish with no subscribers")
		return
	}

	seen := make(map[string]bool)
	for _, subscriber := range subscribers {
		poName := subscriber
		if i := strings.IndexByte(subscriber, '.'); i >= 0 {
			poName = subscriber[:i]
		}
		if seen[poName] {
			continue
		}
		seen[poName] = true
		cp.deliverToClient(poName, m)
	}
}

// deliverToClient enqueues m on the named client, re-encrypting protected
// fields from the sender's key to the destination's key on the way.
func (cp *CentralPostOffice) deliverToClient(poName string, m *message.Message) {
	client := cp.clientByName(poName)
	if client == nil {
		cp.log.WithFields(logrus.Fields{"to": m.To, "po": poName}).
			Warn("Dropping message for unknown post office")
		return
	}

	out := m
	if m.IsEncrypted() {
		if fromClient := cp.clientByName(m.FromPO()); fromClient != nil && fromClient != client {
			clone, err := m.Clone()
			if err == nil {
				err = clone.ReEncrypt(fromClient.secret, client.secret)
			}
			if err != nil {
				cp.log.WithError(err).WithFields(logrus.Fields{"from": m.From, "to": m.To}).
					Warn("Dropping message that could not be re-encrypted")
				return
			}
			out = clone
		}
	}

	payload := out.JSON()
	if len(payload) > cp.cfg.MaxMessageSize {
		cp.log.WithFields(logrus.Fields{"to": m.To, "bytes": len(payload)}).
			Error("Dropping message larger than the maximum message size")
		return
	}

	if !client.enqueue(out.Serialize()) {
		cp.log.WithField("po", poName).Warn("Client out-queue full, dropping message")
		return
	}
	if pc := client.connection(); pc != nil {
		pc.signalWrite()
	}
}

func (cp *CentralPostOffice) handleManagement(pc *poConnection, m *message.Message) {
	switch m.Type {
	case message.TypeConnect:
		cp.handleConnect(pc, m, false)
	case message.TypeReconnect:
		cp.handleConnect(pc, m, true)
	case message.TypePong:
		pc.pongReceived()
	case message.TypeStatus:
		if client, ok := cp.requireManager(pc, m); ok {
			cp.handleStatus(client, m)
		}
	case message.TypeWrite:
		if client, ok := cp.requireManager(pc, m); ok {
			cp.handleWrite(client, m)
		}
	case message.TypeAdd:
		if client, ok := cp.requireManager(pc, m); ok {
			cp.handleAdd(client, m)
		}
	case message.TypeDelete:
		if client, ok := cp.requireManager(pc, m); ok {
			cp.handleDelete(client, m)
		}
	case message.TypeMonitor:
		// Telemetry collection can block; never on the routing goroutine.
		go cp.handleMonitor(m)
	case message.TypeConnected:
		cp.handleConnected(m)
	case message.TypeSubscribe, message.TypeUnsubscribe:
		// Already snooped; the broker publishes nothing of its own.
	default:
		cp.log.WithFields(logrus.Fields{"type": m.Type, "from": m.From}).
			Warn("Ignoring unexpected management message")
	}
}

func (cp *CentralPostOffice) requireManager(pc *poConnection, m *message.Message) (*poClient, bool) {
	client := pc.client()
	if client == nil || !client.manager {
		cp.log.WithFields(logrus.Fields{"type": m.Type, "from": m.From}).
			Warn("Refusing management operation from non-manager")
		return nil, false
	}
	return client, true
}

// handleConnect authenticates a connect or reconnect handshake,
// associates the connection with its client, and answers with the link
// parameters. A bad authenticator always closes the connection.
func (cp *CentralPostOffice) handleConnect(pc *poConnection, m *message.Message, reconnect bool) {
	name := m.FromPO()
	client := cp.clientByName(name)
	if client == nil {
		cp.log.WithField("po", name).Warn("Connect from unknown post office, closing")
		cp.closeConnection(pc)
		return
	}

	received, err := message.DecodeBytes(m.GetStringDotted(message.AttrAuthenticator))
	expected := crypto.Authenticator(client.secret, name, m.ID)
	if err != nil || !crypto.VerifyAuthenticator(expected, received) {
		cp.log.WithField("po", name).Warn("Authentication failed, closing connection")
		cp.closeConnection(pc)
		return
	}

	pc.setClient(client)
	pc.pongReceived()
	if old := client.associate(pc); old != nil {
		cp.log.WithField("po", name).Info("Replacing stale connection")
		cp.closeConnection(old)
	}

	// First-ever connect gets a manage.connect reply, everything after a
	// manage.reconnect reply, regardless of what the client sent.
	respType := message.TypeConnect
	if client.connections.Load() > 1 {
		respType = message.TypeReconnect
	}
	resp, _ := message.New(centralAddress, name+"."+mop.ReservedMailboxName, respType, cp.nextID(), m.ID, false)
	resp.PutDotted(message.AttrMaxMessageSize, cp.cfg.MaxMessageSize)
	resp.PutDotted(message.AttrPingInterval, cp.cfg.PingIntervalMS)
	client.deliverNext(resp.Serialize())
	pc.signalWrite()

	cp.log.WithFields(logrus.Fields{"po": name, "conn": pc.name, "reconnect": reconnect}).
		Info("Post office connected")

	if !reconnect {
		cp.refreshSubscriptionsFor(client)
	}
}

// refreshSubscriptionsFor replays every subscription against the named
// client's sources, so a post office that restarted relearns who listens
// to it. The replays are informational and request no replies.
func (cp *CentralPostOffice) refreshSubscriptionsFor(client *poClient) {
	prefix := client.name + "."
	replayed := 0
	cp.subs.Each(func(key string, subscribers []string) {
		if !strings.HasPrefix(key, prefix) {
			return
		}
		source, typ, ok := subindex.SplitKey(key)
		if !ok {
			return
		}
		for _, subscriber := range subscribers {
			subscriberPO := subscriber
			if i := strings.IndexByte(subscriber, '.'); i >= 0 {
				subscriberPO = subscriber[:i]
			}
			m, err := message.New(subscriberPO+"."+mop.ReservedMailboxName,
				client.name+"."+mop.ReservedMailboxName,
				message.TypeSubscribe, cp.nextID(), "", false)
			if err != nil {
				continue
			}
			m.PutDotted(message.AttrSource, source)
			m.PutDotted(message.AttrType, typ)
			m.PutDotted(message.AttrRequestor, subscriber)
			client.enqueue(m.Serialize())
			replayed++
		}
	})

	if replayed > 0 {
		cp.log.WithFields(logrus.Fields{"po": client.name, "subscriptions": replayed}).
			Info("Replayed subscriptions")
		if pc := client.connection(); pc != nil {
			pc.signalWrite()
		}
	}
}

// handleStatus answers with broker statistics. The per-client subtree is
// encrypted with the requesting manager's secret.
func (cp *CentralPostOffice) handleStatus(client *poClient, m *message.Message) {
	reply, _ := message.New(centralAddress, m.From, message.TypeStatus, cp.nextID(), m.ID, false)

	cp.mu.Lock()
	numConnections := len(cp.connections)
	numClients := len(cp.clients)
	clients := make([]*poClient, 0, numClients)
	for _, c := range cp.clients {
		clients = append(clients, c)
	}
	cp.mu.Unlock()

	now := time.Now()
	reply.PutDotted("name", cp.cfg.Name)
	reply.PutDotted("started", cp.started.UTC().Format(time.RFC3339))
	reply.PutDotted("upDays", now.Sub(cp.started).Hours()/24)
	reply.PutDotted("numConnections", numConnections)
	reply.PutDotted("numClients", numClients)
	reply.PutDotted("maxMessageSize", cp.cfg.MaxMessageSize)
	reply.PutDotted("pingIntervalMS", cp.cfg.PingIntervalMS)
	reply.PutDotted("port", cp.cfg.Port)
	reply.PutDotted("localAddress", cp.cfg.LocalAddress)

	reply.Put("clients", map[string]any{})
	for _, c := range clients {
		base := "clients." + c.name + "."
		reply.PutDotted(base+"name", c.name)
		reply.PutDotted(base+"manager", c.manager)
		reply.PutDotted(base+"connections", c.connections.Load())
		reply.PutDotted(base+"isConnected", c.isConnected())
		if last := c.lastConnect.Load(); last > 0 {
			reply.PutDotted(base+"lastConnected", time.UnixMilli(last).UTC().Format(time.RFC3339))
			reply.PutDotted(base+"upDays", now.Sub(time.UnixMilli(last)).Hours()/24)
		}
		reply.PutDotted(base+"secret", message.EncodeBytes(c.secret))
		reply.PutDotted(base+"rxBytes", c.rxBytes.Load())
		reply.PutDotted(base+"txBytes", c.txBytes.Load())
		reply.PutDotted(base+"rxMessages", c.rxMessages.Load())
		reply.PutDotted(base+"txMessages", c.txMessages.Load())
	}

	if err := reply.Encrypt(client.secret, "clients"); err != nil {
		cp.log.WithError(err).Error("Failed to encrypt status clients subtree")
		return
	}
	cp.deliverToClient(client.name, reply)
}

// handleWrite persists the current client configuration.
func (cp *CentralPostOffice) handleWrite(client *poClient, m *message.Message) {
	cp.mu.Lock()
	clientCfgs := make([]ClientConfig, 0, len(cp.clients))
	for _, c := range cp.clients {
		clientCfgs = append(clientCfgs, ClientConfig{
			Name:    c.name,
			Secret:  message.EncodeBytes(c.secret),
			Manager: c.manager,
		})
	}
	cp.mu.Unlock()
	sort.Slice(clientCfgs, func(i, j int) bool { return clientCfgs[i].Name < clientCfgs[j].Name })

	cfg := cp.cfg
	cfg.Clients = clientCfgs
	if cp.configPath == "" {
		cp.log.Warn("No config path set, cannot persist configuration")
	} else if err := cfg.Save(cp.configPath); err != nil {
		cp.log.WithError(err).Error("Failed to persist configuration")
	} else {
		cp.log.WithField("path", cp.configPath).Info("Persisted configuration")
	}

	ack, _ := message.New(centralAddress, m.From, message.TypeWrite, cp.nextID(), m.ID, false)
	cp.deliverToClient(client.name, ack)
}

// handleAdd registers a new client at runtime. The name and secret travel
// encrypted with the requesting manager's secret.
func (cp *CentralPostOffice) handleAdd(client *poClient, m *message.Message) {
	if err := m.Decrypt(client.secret); err != nil {
		cp.log.WithError(err).Warn("Could not decrypt manage.add payload")
		return
	}
	name := m.GetStringDotted(message.AttrName)
	secret, err := message.DecodeBytes(m.GetStringDotted(message.AttrSecret))
	if name == "" || strings.ContainsRune(name, '.') || err != nil || len(secret) == 0 {
		cp.log.WithField("name", name).Warn("Ignoring manage.add with invalid name or secret")
		return
	}

	cp.mu.Lock()
	_, exists := cp.clients[name]
	if !exists {
		cp.clients[name] = newPOClient(name, secret, false)
	}
	cp.mu.Unlock()
	if exists {
		cp.log.WithField("po", name).Warn("Ignoring manage.add for existing post office")
	} else {
		cp.log.WithField("po", name).Info("Added post office")
	}

	ack, _ := message.New(centralAddress, m.From, message.TypeAdd, cp.nextID(), m.ID, false)
	cp.deliverToClient(client.name, ack)
}

// handleDelete removes a client at runtime, closing its connection.
func (cp *CentralPostOffice) handleDelete(client *poClient, m *message.Message) {
	if err := m.Decrypt(client.secret); err != nil {
		cp.log.WithError(err).Warn("Could not decrypt manage.delete payload")
		return
	}
	name := m.GetStringDotted(message.AttrName)

	cp.mu.Lock()
	removed := cp.clients[name]
	delete(cp.clients, name)
	cp.mu.Unlock()

	if removed != nil {
		if pc := removed.connection(); pc != nil {
			cp.closeConnection(pc)
		}
		cp.log.WithField("po", name).Info("Deleted post office")
	} else {
		cp.log.WithField("po", name).Warn("Ignoring manage.delete for unknown post office")
	}

	ack, _ := message.New(centralAddress, m.From, message.TypeDelete, cp.nextID(), m.ID, false)
	cp.deliverToClient(client.name, ack)
}

// handleMonitor answers with host and runtime telemetry. Runs on its own
// goroutine.
func (cp *CentralPostOffice) handleMonitor(m *message.Message) {
	reply, _ := message.New(centralAddress, m.From, message.TypeMonitor, cp.nextID(), m.ID, false)
	monitor.Fill(reply)
	cp.deliverToClient(m.FromPO(), reply)
}

// handleConnected answers with the names of the currently connected post
// offices.
func (cp *CentralPostOffice) handleConnected(m *message.Message) {
	cp.mu.Lock()
	var names []string
	for name, c := range cp.clients {
		if c.isConnected() {
			names = append(names, name)
		}
	}
	cp.mu.Unlock()
	sort.Strings(names)

	reply, _ := message.New(centralAddress, m.From, message.TypeConnected, cp.nextID(), m.ID, false)
	reply.PutDotted(message.AttrPostOffices, strings.Join(names, ","))
	cp.deliverToClient(m.FromPO(), reply)
}

// pinger sends manage.ping to every connected client on the configured
// interval.
func (cp *CentralPostOffice) pinger() {
	ticker := time.NewTicker(time.Duration(cp.cfg.PingIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-cp.ctx.Done():
			return
		case <-ticker.C:
		}

		cp.mu.Lock()
		clients := make([]*poClient, 0, len(cp.clients))
		for _, c := range cp.clients {
			clients = append(clients, c)
		}
		cp.mu.Unlock()

		for _, c := range clients {
			if !c.isConnected() {
				continue
			}
			ping, _ := message.New(centralAddress, c.name+"."+mop.ReservedMailboxName,
				message.TypePing, cp.nextID(), "", false)
			cp.deliverToClient(c.name, ping)
		}
	}
}

// pongCheck closes connections that have been silent for longer than 1.5
// times the ping interval. The client survives and awaits reconnect.
func (cp *CentralPostOffice) pongCheck() {
	limit := cp.cfg.PingIntervalMS * 3 / 2
	ticker := time.NewTicker(pongCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cp.ctx.Done():
			return
		case <-ticker.C:
		}

		cp.mu.Lock()
		var stale []*poConnection
		now := time.Now().UnixMilli()
		for _, pc := range cp.connections {
			if now-pc.lastPong.Load() > limit {
				stale = append(stale, pc)
			}
		}
		cp.mu.Unlock()

		for _, pc := range stale {
			cp.log.WithField("conn", pc.name).Warn("Missed pongs, closing connection")
			cp.closeConnection(pc)
		}
	}
}

// closeConnection tears down a connection; the associated client, if any,
// survives for the next connect.
func (cp *CentralPostOffice) closeConnection(pc *poConnection) {
	pc.close()
	cp.mu.Lock()
	delete(cp.connections, pc.name)
	cp.mu.Unlock()
	if client := pc.client(); client != nil {
		client.dissociate(pc)
	}
	cp.log.WithField("conn", pc.name).Debug("Closed connection")
}
