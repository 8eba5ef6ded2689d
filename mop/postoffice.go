package mop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mopmsg/mop/internal/subindex"
	"github.com/mopmsg/mop/message"
)

const (
	// CentralName is the reserved post office name of the central post
	// office.
	CentralName = "central"

	// ReservedMailboxName is the management mailbox every post office
	// owns.
	ReservedMailboxName = "po"

	// cpoMailboxName is the internal mailbox whose queue feeds the
	// central post office link. The name is deliberately unusable as an
	// application mailbox name.
	cpoMailboxName = "[({CPO})]"

	waiterCheckInterval = 100 * time.Millisecond
	waiterRetryAfter    = time.Second
)

// Config parameterizes a post office.
type Config struct {
	Name      string `yaml:"name"`      // post office name, unique within the CPO
	Secret    string `yaml:"secret"`    // shared secret, base-64 in the codec alphabet
	QueueSize int    `yaml:"queueSize"` // mailbox receive queue capacity
	CPOHost   string `yaml:"cpoHost"`
	CPOPort   int    `yaml:"cpoPort"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading post office config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing post office config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("post office name is required")
	}
	if strings.ContainsRune(c.Name, '.') {
		return errors.New("post office name must not contain '.'")
	}
	if c.Name == CentralName {
		return fmt.Errorf("post office name %q is reserved", CentralName)
	}
	if c.Secret == "" {
		return errors.New("post office secret is required")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue size must be positive")
	}
	if c.CPOHost == "" {
		return errors.New("central post office host is required")
	}
	if c.CPOPort < 1 || c.CPOPort > 65535 {
		return errors.New("central post office port out of range")
	}
	return nil
}

// PostOffice is the per-process routing runtime. It owns the mailbox
// registry, the local subscription index, the special-waiter retry table
// and the connection to the central post office.
type PostOffice struct {
	name      string
	secret    []byte
	queueSize int
	log       *logrus.Entry

	mu        sync.Mutex
	mailboxes map[string]*Mailbox

	subs *subindex.Index[*Mailbox]

	poBox  *Mailbox
	cpoBox *Mailbox

	conn *cpoConnection

	idCounter atomic.Uint64

	waiterMu sync.Mutex
	waiters  map[string]*specialWaiter

	ctx          context.Context
	cancel       context.CancelFunc
	connectOnce  sync.Once
	shutdownOnce sync.Once
}

// specialWaiter is a retry record for a foreign subscribe or unsubscribe
// awaiting acknowledgement.
type specialWaiter struct {
	m      *message.Message
	sentAt time.Time
}

// NewPostOffice validates the configuration and builds a running post
// office. The central post office link is not opened until Connect is
// called, so a purely local post office never touches the network.
func NewPostOffice(cfg Config) (*PostOffice, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid post office config: %w", err)
	}
	secret, err := message.DecodeBytes(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid post office secret: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	po := &PostOffice{
		name:      cfg.Name,
		secret:    secret,
		queueSize: cfg.QueueSize,
		log:       logrus.WithField("po", cfg.Name),
		mailboxes: make(map[string]*Mailbox),
		subs:      subindex.New[*Mailbox](),
		waiters:   make(map[string]*specialWaiter),
		ctx:       ctx,
		cancel:    cancel,
	}

	po.poBox = newMailbox(ReservedMailboxName, po, cfg.QueueSize)
	po.cpoBox = newMailbox(cpoMailboxName, po, cfg.QueueSize)
	po.mailboxes[po.poBox.name] = po.poBox
	po.mailboxes[po.cpoBox.name] = po.cpoBox

	po.conn = newCPOConnection(po, fmt.Sprintf("%s:%d", cfg.CPOHost, cfg.CPOPort))

	go po.managementLoop()
	go po.waiterLoop()

	return po, nil
}

// Name returns the post office's name.
func (po *PostOffice) Name() string {
	return po.name
}

// Connect opens the central post office link in the background. The link
// authenticates, supervises pings and reconnects on its own; IsConnected
// reports its current state.
func (po *PostOffice) Connect() {
	po.connectOnce.Do(func() { po.conn.start(po.ctx) })
}

// IsConnected reports whether the central post office link is currently
// established and authenticated.
func (po *PostOffice) IsConnected() bool {
	return po.conn.isConnected()
}

// Shutdown stops all workers and closes the central post office link.
func (po *PostOffice) Shutdown() {
	po.shutdownOnce.Do(func() {
		po.cancel()
		po.conn.shutdown()
	})
}

// CreateMailbox registers a new mailbox. The name must be non-empty,
// contain no '.', not collide with the reserved mailbox names, and be
// unique within this post office.
func (po *PostOffice) CreateMailbox(name string) (*Mailbox, error) {
	if name == "" {
		return nil, errors.New("mailbox name is required")
	}
	if strings.ContainsRune(name, '.') {
		return nil, fmt.Errorf("mailbox name %q must not contain '.'", name)
	}
	if name == ReservedMailboxName || name == cpoMailboxName {
		return nil, fmt.Errorf("mailbox name %q is reserved", name)
	}

	po.mu.Lock()
	defer po.mu.Unlock()
	if _, exists := po.mailboxes[name]; exists {
		return nil, fmt.Errorf("mailbox %q already exists", name)
	}
	box := newMailbox(name, po, po.queueSize)
	po.mailboxes[name] = box
	return box, nil
}

// GetMailbox returns the mailbox with the given short name, or nil.
func (po *PostOffice) GetMailbox(name string) *Mailbox {
	po.mu.Lock()
	defer po.mu.Unlock()
	return po.mailboxes[name]
}

// nextMessageID returns a message id unique across all post offices:
// the base-64 form of a per-process monotonic counter plus the post
// office name.
func (po *PostOffice) nextMessageID() string {
	return message.EncodeInt(po.idCounter.Add(1)) + "." + po.name
}

// route delivers a message: locally when the destination is a mailbox of
// this post office, to local subscribers when it is a publish, and to the
// central post office link otherwise. Foreign subscribe and unsubscribe
// requests that expect a reply are remembered for retransmission until
// acknowledged.
func (po *PostOffice) route(m *message.Message) {
	if m == nil {
		po.log.Error("Dropping nil message in route")
		return
	}

	if m.IsDirect() {
		if m.ToPO() == po.name {
			box := po.GetMailbox(m.ToMailbox())
			if box == nil {
				po.log.WithFields(logFields(m)).Warn("Dropping message for unknown local mailbox")
				return
			}
			box.receive(m)
			return
		}

		if m.Expect && !m.IsReply() && m.ToMailbox() == ReservedMailboxName &&
			(m.Type == message.TypeSubscribe || m.Type == message.TypeUnsubscribe) {
			po.registerWaiter(m)
		}
		po.cpoBox.receive(m)
		return
	}

	boxes := po.subs.Lookup(m.From, m.Type)
	if len(boxes) == 0 {
		po.log.WithFields(logFields(m)).Debug("Publish message has no subscribers")
		return
	}
	for _, box := range boxes {
		box.receive(m)
	}
}

// manSub records a subscription change in the local index and, when the
// source belongs to a foreign post office, asks the source's post office
// to forward matching publishes here.
func (po *PostOffice) manSub(subscribe bool, box *Mailbox, source, typ string) {
	key := subindex.Key(source, typ)
	if subscribe {
		po.subs.Add(key, box)
	} else {
		po.subs.Remove(key, box)
	}

	sourcePO := source
	if i := strings.IndexByte(source, '.'); i >= 0 {
		sourcePO = source[:i]
	}
	if sourcePO == po.name {
		return
	}

	msgType := message.TypeSubscribe
	if !subscribe {
		msgType = message.TypeUnsubscribe
	}
	m := po.poBox.CreateDirectMessage(sourcePO+"."+ReservedMailboxName, msgType, true)
	m.PutDotted(message.AttrSource, source)
	m.PutDotted(message.AttrType, typ)
	m.PutDotted(message.AttrRequestor, box.Address())
	po.route(m)
}

// refreshSubscriptions re-issues a subscribe for every foreign
// subscription, without requesting replies. Called once, after the first
// successful connection to the central post office.
func (po *PostOffice) refreshSubscriptions() {
	po.subs.Each(func(key string, boxes []*Mailbox) {
		source, typ, ok := subindex.SplitKey(key)
		if !ok {
			return
		}
		sourcePO := source[:strings.IndexByte(source, '.')]
		if sourcePO == po.name {
			return
		}
		for _, box := range boxes {
			m := po.poBox.CreateDirectMessage(sourcePO+"."+ReservedMailboxName, message.TypeSubscribe, false)
			m.PutDotted(message.AttrSource, source)
			m.PutDotted(message.AttrType, typ)
			m.PutDotted(message.AttrRequestor, box.Address())
			po.route(m)
		}
	})
}

func (po *PostOffice) registerWaiter(m *message.Message) {
	po.waiterMu.Lock()
	defer po.waiterMu.Unlock()
	po.waiters[m.ID] = &specialWaiter{m: m, sentAt: time.Now()}
}

func (po *PostOffice) clearWaiter(id string) {
	po.waiterMu.Lock()
	defer po.waiterMu.Unlock()
	delete(po.waiters, id)
}

// waiterLoop retransmits unacknowledged subscribe and unsubscribe
// requests once a second until a reply clears them.
func (po *PostOffice) waiterLoop() {
	ticker := time.NewTicker(waiterCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-po.ctx.Done():
			return
		case <-ticker.C:
		}

		var resend []*message.Message
		po.waiterMu.Lock()
		now := time.Now()
		for _, w := range po.waiters {
			if now.Sub(w.sentAt) >= waiterRetryAfter {
				w.sentAt = now
				resend = append(resend, w.m)
			}
		}
		po.waiterMu.Unlock()

		for _, m := range resend {
			po.log.WithFields(logFields(m)).Debug("Retransmitting unacknowledged subscription request")
			po.cpoBox.receive(m)
		}
	}
}

// managementLoop consumes the reserved "po" mailbox: connect replies,
// pings, and subscription requests from foreign post offices.
func (po *PostOffice) managementLoop() {
	for {
		m, err := po.poBox.Take(po.ctx)
		if err != nil {
			return
		}
		po.handleManagement(m)
	}
}

func (po *PostOffice) handleManagement(m *message.Message) {
	// Any reply acknowledges a pending special waiter.
	if m.Reply != "" {
		po.clearWaiter(m.Reply)
	}

	switch m.Type {
	case message.TypeConnect, message.TypeReconnect:
		po.conn.handleConnectReply(m)

	case message.TypePing:
		po.conn.pingReceived()
		pong := po.poBox.CreateDirectMessage(CentralName+"."+ReservedMailboxName, message.TypePong, false)
		po.route(pong)

	case message.TypeSubscribe, message.TypeUnsubscribe:
		if m.Reply != "" {
			return
		}
		po.handleForeignSubscription(m)

	default:
		po.log.WithFields(logFields(m)).Debug("Ignoring unexpected management message")
	}
}

// handleForeignSubscription processes a subscribe or unsubscribe from a
// foreign post office: the central-post-office-bound mailbox becomes the
// local proxy subscriber, so matching publishes leave through the link.
func (po *PostOffice) handleForeignSubscription(m *message.Message) {
	source := m.GetStringDotted(message.AttrSource)
	typ := m.GetStringDotted(message.AttrType)
	if source == "" || typ == "" {
		po.log.WithFields(logFields(m)).Warn("Dropping subscription request without source or type")
		return
	}

	key := subindex.Key(source, typ)
	if m.Type == message.TypeSubscribe {
		po.subs.Add(key, po.cpoBox)
	} else {
		po.subs.Remove(key, po.cpoBox)
	}

	if m.Expect {
		po.route(po.poBox.CreateReplyMessage(m, m.Type))
	}
}

func logFields(m *message.Message) logrus.Fields {
	return logrus.Fields{
		"from": m.From,
		"to":   m.To,
		"type": m.Type,
		"id":   m.ID,
	}
}
