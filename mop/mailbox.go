package mop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mopmsg/mop/message"
)

// ErrReplyTimeout reports that no reply arrived within the caller's
// deadline.
var ErrReplyTimeout = errors.New("timed out waiting for reply")

// Mailbox is a named endpoint within a post office: a bounded receive
// queue plus a registry of reply waiters. All methods are safe for
// concurrent use, though the queue is designed for a single consumer.
type Mailbox struct {
	name string
	po   *PostOffice

	queue chan *message.Message

	mu      sync.Mutex
	waiters map[string]chan *message.Message
}

func newMailbox(name string, po *PostOffice, queueSize int) *Mailbox {
	return &Mailbox{
		name:    name,
		po:      po,
		queue:   make(chan *message.Message, queueSize),
		waiters: make(map[string]chan *message.Message),
	}
}

// Name returns the mailbox's short name.
func (b *Mailbox) Name() string {
	return b.name
}

// Address returns the mailbox's full address, "poName.mailboxName".
func (b *Mailbox) Address() string {
	return b.po.name + "." + b.name
}

// CreateDirectMessage builds a point-to-point message from this mailbox
// with a fresh id. The message is mutable until sent.
func (b *Mailbox) CreateDirectMessage(to, typ string, expectReply bool) *message.Message {
	m, _ := message.New(b.Address(), to, typ, b.po.nextMessageID(), "", expectReply)
	return m
}

// CreateReplyMessage builds a reply to orig: addressed back to its sender
// and carrying its id in the reply attribute.
func (b *Mailbox) CreateReplyMessage(orig *message.Message, typ string) *message.Message {
	m, _ := message.New(b.Address(), orig.From, typ, b.po.nextMessageID(), orig.ID, false)
	return m
}

// CreatePublishMessage builds a typed broadcast message with no
// destination.
func (b *Mailbox) CreatePublishMessage(typ string) *message.Message {
	m, _ := message.New(b.Address(), "", typ, b.po.nextMessageID(), "", false)
	return m
}

// Send hands the message to post office routing. It never blocks and
// gives no delivery acknowledgement.
func (b *Mailbox) Send(m *message.Message) {
	b.po.route(m)
}

// SendAndWaitForReply sends m and waits up to timeout for a message whose
// reply attribute matches m's id. The waiter is removed on return either
// way; a reply that arrives later falls through to the regular queue.
func (b *Mailbox) SendAndWaitForReply(m *message.Message, timeout time.Duration) (*message.Message, error) {
	slot := make(chan *message.Message, 1)
	b.mu.Lock()
	b.waiters[m.ID] = slot
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, m.ID)
		b.mu.Unlock()
	}()

	b.Send(m)

	select {
	case reply := <-slot:
		return reply, nil
	case <-time.After(timeout):
		return nil, ErrReplyTimeout
	}
}

// receive delivers an inbound message. A message matching a registered
// reply waiter is handed to that waiter and never enters the queue; a
// duplicate reply for the same waiter is discarded. Everything else is
// enqueued, dropping the arriving message with a log line when the queue
// is full.
func (b *Mailbox) receive(m *message.Message) {
	if m.Reply != "" {
		b.mu.Lock()
		slot, waited := b.waiters[m.Reply]
		b.mu.Unlock()
		if waited {
			select {
			case slot <- m:
			default:
			}
			return
		}
	}

	select {
	case b.queue <- m:
	default:
		b.po.log.WithFields(logFields(m)).WithField("mailbox", b.name).
			Warn("Mailbox queue full, dropping message")
	}
}

// Take blocks until a message is available or the context is done.
func (b *Mailbox) Take(ctx context.Context) (*message.Message, error) {
	select {
	case m := <-b.queue:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll dequeues the next message, waiting up to timeout. It reports false
// when nothing arrived in time.
func (b *Mailbox) Poll(timeout time.Duration) (*message.Message, bool) {
	select {
	case m := <-b.queue:
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// TryPoll dequeues the next message without waiting.
func (b *Mailbox) TryPoll() (*message.Message, bool) {
	select {
	case m := <-b.queue:
		return m, true
	default:
		return nil, false
	}
}

// Size returns the number of queued messages.
func (b *Mailbox) Size() int {
	return len(b.queue)
}

// IsEmpty reports whether the queue is empty.
func (b *Mailbox) IsEmpty() bool {
	return len(b.queue) == 0
}

// Subscribe registers this mailbox for publish messages of the given type
// from the source address. Subscribing to a foreign source also notifies
// the source's post office through the central post office.
func (b *Mailbox) Subscribe(source, typ string) {
	b.po.manSub(true, b, source, typ)
}

// Unsubscribe removes a subscription added by Subscribe.
func (b *Mailbox) Unsubscribe(source, typ string) {
	b.po.manSub(false, b, source, typ)
}
