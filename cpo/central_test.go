package cpo

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopmsg/mop/crypto"
	"github.com/mopmsg/mop/internal/subindex"
	"github.com/mopmsg/mop/message"
)

const (
	alphaSecret = "alphasecret1"
	betaSecret  = "betasecret12"
	adminSecret = "adminsecret1"
)

func makeCentral(t *testing.T, maxMessageSize int) *CentralPostOffice {
	t.Helper()
	cp, err := New(Config{
		MaxMessageSize: maxMessageSize,
		Clients: []ClientConfig{
			{Name: "alpha", Secret: alphaSecret},
			{Name: "beta", Secret: betaSecret},
			{Name: "admin", Secret: adminSecret, Manager: true},
		},
	}, "")
	require.NoError(t, err)
	return cp
}

func pipeConnection(t *testing.T, cp *CentralPostOffice) *poConnection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	pc := newPOConnection(server, cp.cfg.MaxMessageSize)
	cp.mu.Lock()
	cp.connections[pc.name] = pc
	cp.mu.Unlock()
	return pc
}

func popMessage(t *testing.T, c *poClient) *message.Message {
	t.Helper()
	frame, ok := c.outgoing.PopBack()
	require.True(t, ok, "no frame queued for %s", c.name)
	// Strip the frame: "[[[" + digits + "]" ... "]]".
	open := 3
	for frame[open] != ']' {
		open++
	}
	m, err := message.Parse(frame[open+1 : len(frame)-2])
	require.NoError(t, err)
	return m
}

func isClosed(pc *poConnection) bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

func subscribeMessage(t *testing.T, typ, source, subType, requestor string) *message.Message {
	t.Helper()
	m, err := message.New(requestor, "alpha.po", typ, "1.beta", "", true)
	require.NoError(t, err)
	m.PutDotted(message.AttrSource, source)
	m.PutDotted(message.AttrType, subType)
	m.PutDotted(message.AttrRequestor, requestor)
	return m
}

func TestSnoopMaintainsRoutingTable(t *testing.T) {
	cp := makeCentral(t, 4096)

	cp.snoop(subscribeMessage(t, message.TypeSubscribe, "alpha.io", "sensor", "beta.listen"))
	assert.Equal(t, []string{"beta.listen"}, cp.subs.Lookup("alpha.io", "sensor"))

	// Idempotent.
	cp.snoop(subscribeMessage(t, message.TypeSubscribe, "alpha.io", "sensor", "beta.listen"))
	assert.Len(t, cp.subs.Lookup("alpha.io", "sensor"), 1)

	cp.snoop(subscribeMessage(t, message.TypeUnsubscribe, "alpha.io", "sensor", "beta.listen"))
	assert.Empty(t, cp.subs.Lookup("alpha.io", "sensor"))
}

func TestRoutePublishOncePerPostOffice(t *testing.T) {
	cp := makeCentral(t, 4096)
	cp.subs.Add(subindex.Key("alpha.io", "sensor"), "beta.a")
	cp.subs.Add(subindex.Key("alpha.io", "sensor"), "beta.b")
	cp.subs.Add(subindex.Key("alpha.io", "sensor"), "admin.x")

	m, err := message.New("alpha.io", "", "sensor", "1.alpha", "", false)
	require.NoError(t, err)
	cp.routePublish(m)

	// beta has two subscribed mailboxes but gets exactly one copy.
	assert.Equal(t, 1, cp.clients["beta"].outgoing.Len())
	assert.Equal(t, 1, cp.clients["admin"].outgoing.Len())
	assert.Equal(t, 0, cp.clients["alpha"].outgoing.Len())

	got := popMessage(t, cp.clients["beta"])
	assert.Equal(t, "alpha.io", got.From)
	assert.True(t, got.IsPublish())
}

func TestRoutePublishMajorOnlySubscription(t *testing.T) {
	cp := makeCentral(t, 4096)
	cp.subs.Add(subindex.Key("alpha.io", "sensor"), "beta.listen")

	m, err := message.New("alpha.io", "", "sensor.temperature", "1.alpha", "", false)
	require.NoError(t, err)
	cp.routePublish(m)

	assert.Equal(t, 1, cp.clients["beta"].outgoing.Len())
}

func TestDeliverToClientReEncrypts(t *testing.T) {
	cp := makeCentral(t, 4096)

	m, err := message.New("alpha.io", "beta.vault", "account", "1.alpha", "", false)
	require.NoError(t, err)
	m.PutDotted("cred", "xyz")
	alphaKey, _ := message.DecodeBytes(alphaSecret)
	require.NoError(t, m.Encrypt(alphaKey, "cred"))
	wireBefore := m.GetStringDotted(message.SecureDataPath)

	cp.deliverToClient("beta", m)

	out := popMessage(t, cp.clients["beta"])
	assert.True(t, out.IsEncrypted())
	assert.False(t, out.HasDotted("cred"))
	assert.NotEqual(t, wireBefore, out.GetStringDotted(message.SecureDataPath))

	betaKey, _ := message.DecodeBytes(betaSecret)
	require.NoError(t, out.Decrypt(betaKey))
	assert.Equal(t, "xyz", out.GetStringDotted("cred"))

	// The original stays encrypted under the sender's key.
	require.NoError(t, m.Decrypt(alphaKey))
	assert.Equal(t, "xyz", m.GetStringDotted("cred"))
}

func TestDeliverToClientUnknownPostOffice(t *testing.T) {
	cp := makeCentral(t, 4096)
	m, err := message.New("alpha.io", "nosuch.box", "x", "1.alpha", "", false)
	require.NoError(t, err)
	cp.deliverToClient("nosuch", m)
	for _, c := range cp.clients {
		assert.Equal(t, 0, c.outgoing.Len())
	}
}

func TestDeliverToClientDropsOversize(t *testing.T) {
	cp := makeCentral(t, 80)
	m, err := message.New("alpha.io", "beta.box", "x", "1.alpha", "", false)
	require.NoError(t, err)
	m.PutDotted("padding", "this body pushes the serialized message well past eighty bytes of JSON")
	cp.deliverToClient("beta", m)
	assert.Equal(t, 0, cp.clients["beta"].outgoing.Len())
}

func connectMessage(t *testing.T, po, id, secret string) *message.Message {
	t.Helper()
	typ := message.TypeConnect
	m, err := message.New(po+".po", "central.po", typ, id, "", true)
	require.NoError(t, err)
	key, _ := message.DecodeBytes(secret)
	m.PutDotted(message.AttrAuthenticator, message.EncodeBytes(crypto.Authenticator(key, po, id)))
	return m
}

func TestHandleConnectAuthenticates(t *testing.T) {
	cp := makeCentral(t, 4096)
	pc := pipeConnection(t, cp)

	cp.handleConnect(pc, connectMessage(t, "alpha", "1.alpha", alphaSecret), false)

	client := cp.clients["alpha"]
	assert.Same(t, client, pc.client())
	assert.Same(t, pc, client.connection())
	assert.False(t, isClosed(pc))

	resp := popMessage(t, client)
	assert.Equal(t, message.TypeConnect, resp.Type)
	assert.Equal(t, "1.alpha", resp.Reply)
	assert.Equal(t, int64(4096), resp.OptInt(message.AttrMaxMessageSize, 0))
	assert.Equal(t, int64(defaultPingIntervalMS), resp.OptInt(message.AttrPingInterval, 0))
}

func TestHandleConnectReplacesStaleConnection(t *testing.T) {
	cp := makeCentral(t, 4096)
	first := pipeConnection(t, cp)
	cp.handleConnect(first, connectMessage(t, "alpha", "1.alpha", alphaSecret), false)
	popMessage(t, cp.clients["alpha"])

	second := pipeConnection(t, cp)
	cp.handleConnect(second, connectMessage(t, "alpha", "2.alpha", alphaSecret), true)

	assert.True(t, isClosed(first))
	assert.False(t, isClosed(second))
	assert.Same(t, second, cp.clients["alpha"].connection())

	// The second connect is answered as a reconnect.
	resp := popMessage(t, cp.clients["alpha"])
	assert.Equal(t, message.TypeReconnect, resp.Type)
}

func TestHandleConnectBadAuthenticatorCloses(t *testing.T) {
	cp := makeCentral(t, 4096)
	pc := pipeConnection(t, cp)

	cp.handleConnect(pc, connectMessage(t, "alpha", "1.alpha", betaSecret), false)

	assert.True(t, isClosed(pc))
	assert.Nil(t, pc.client())
	assert.Nil(t, cp.clients["alpha"].connection())
	assert.Equal(t, 0, cp.clients["alpha"].outgoing.Len())
}

func TestHandleConnectUnknownPostOfficeCloses(t *testing.T) {
	cp := makeCentral(t, 4096)
	pc := pipeConnection(t, cp)

	cp.handleConnect(pc, connectMessage(t, "nosuch", "1.nosuch", alphaSecret), false)
	assert.True(t, isClosed(pc))
}

func TestRefreshSubscriptionsReplays(t *testing.T) {
	cp := makeCentral(t, 4096)
	cp.subs.Add(subindex.Key("alpha.io", "periodic.1000ms"), "beta.listen")
	cp.subs.Add(subindex.Key("beta.io", "other"), "admin.x") // different source, not replayed

	cp.refreshSubscriptionsFor(cp.clients["alpha"])

	require.Equal(t, 1, cp.clients["alpha"].outgoing.Len())
	replay := popMessage(t, cp.clients["alpha"])
	assert.Equal(t, "beta.po", replay.From)
	assert.Equal(t, "alpha.po", replay.To)
	assert.Equal(t, message.TypeSubscribe, replay.Type)
	assert.False(t, replay.Expect)
	assert.Equal(t, "alpha.io", replay.GetStringDotted(message.AttrSource))
	assert.Equal(t, "periodic.1000ms", replay.GetStringDotted(message.AttrType))
	assert.Equal(t, "beta.listen", replay.GetStringDotted(message.AttrRequestor))
}

func TestHandleStatusEncryptsClientsSubtree(t *testing.T) {
	cp := makeCentral(t, 8192)
	admin := cp.clients["admin"]

	req, err := message.New("admin.box", "central.po", message.TypeStatus, "1.admin", "", true)
	require.NoError(t, err)
	cp.handleStatus(admin, req)

	reply := popMessage(t, admin)
	assert.Equal(t, "1.admin", reply.Reply)
	assert.True(t, reply.IsEncrypted())
	assert.False(t, reply.HasDotted("clients"))
	assert.Equal(t, "central", reply.GetStringDotted("name"))

	adminKey, _ := message.DecodeBytes(adminSecret)
	require.NoError(t, reply.Decrypt(adminKey))
	assert.Equal(t, "alpha", reply.GetStringDotted("clients.alpha.name"))
	assert.Equal(t, message.EncodeBytes(mustDecode(t, alphaSecret)), reply.GetStringDotted("clients.alpha.secret"))
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := message.DecodeBytes(s)
	require.NoError(t, err)
	return b
}

func TestHandleAddAndDelete(t *testing.T) {
	cp := makeCentral(t, 4096)
	admin := cp.clients["admin"]
	adminKey := mustDecode(t, adminSecret)

	add, err := message.New("admin.box", "central.po", message.TypeAdd, "1.admin", "", true)
	require.NoError(t, err)
	add.PutDotted(message.AttrName, "gamma")
	add.PutDotted(message.AttrSecret, "gammasecret1")
	require.NoError(t, add.Encrypt(adminKey, message.AttrName, message.AttrSecret))
	cp.handleAdd(admin, add)

	require.NotNil(t, cp.clientByName("gamma"))
	assert.Equal(t, mustDecode(t, "gammasecret1"), cp.clientByName("gamma").secret)
	ack := popMessage(t, admin)
	assert.Equal(t, message.TypeAdd, ack.Type)
	assert.Equal(t, "1.admin", ack.Reply)

	del, err := message.New("admin.box", "central.po", message.TypeDelete, "2.admin", "", true)
	require.NoError(t, err)
	del.PutDotted(message.AttrName, "gamma")
	require.NoError(t, del.Encrypt(adminKey, message.AttrName))
	cp.handleDelete(admin, del)

	assert.Nil(t, cp.clientByName("gamma"))
	ack = popMessage(t, admin)
	assert.Equal(t, message.TypeDelete, ack.Type)
}

func TestRequireManager(t *testing.T) {
	cp := makeCentral(t, 4096)
	pc := pipeConnection(t, cp)

	// Unauthenticated connection.
	req, err := message.New("alpha.box", "central.po", message.TypeStatus, "1.alpha", "", true)
	require.NoError(t, err)
	_, ok := cp.requireManager(pc, req)
	assert.False(t, ok)

	// Authenticated but not a manager.
	pc.setClient(cp.clients["alpha"])
	_, ok = cp.requireManager(pc, req)
	assert.False(t, ok)

	pc.setClient(cp.clients["admin"])
	_, ok = cp.requireManager(pc, req)
	assert.True(t, ok)
}

func TestHandleConnectedListsConnected(t *testing.T) {
	cp := makeCentral(t, 4096)
	pc := pipeConnection(t, cp)
	cp.handleConnect(pc, connectMessage(t, "alpha", "1.alpha", alphaSecret), false)
	popMessage(t, cp.clients["alpha"])

	req, err := message.New("alpha.box", "central.po", message.TypeConnected, "2.alpha", "", true)
	require.NoError(t, err)
	cp.handleConnected(req)

	reply := popMessage(t, cp.clients["alpha"])
	assert.Equal(t, "alpha", reply.GetStringDotted(message.AttrPostOffices))
}
