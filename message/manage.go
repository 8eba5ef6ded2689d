package message

// Management message types exchanged between post offices and the central
// post office.
const (
	TypeConnect     = "manage.connect"
	TypeReconnect   = "manage.reconnect"
	TypePing        = "manage.ping"
	TypePong        = "manage.pong"
	TypeSubscribe   = "manage.subscribe"
	TypeUnsubscribe = "manage.unsubscribe"
	TypeStatus      = "manage.status"
	TypeWrite       = "manage.write"
	TypeAdd         = "manage.add"
	TypeDelete      = "manage.delete"
	TypeMonitor     = "manage.monitor"
	TypeConnected   = "manage.connected"
)

// Body attribute names used by the management surface.
const (
	AttrAuthenticator  = "authenticator"
	AttrMaxMessageSize = "maxMessageSize"
	AttrPingInterval   = "pingIntervalMS"
	AttrSource         = "source"
	AttrType           = "type"
	AttrRequestor      = "requestor"
	AttrPostOffices    = "postOffices"
	AttrName           = "name"
	AttrSecret         = "secret"
)
