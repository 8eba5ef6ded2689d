package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// EnvelopeKey is the reserved top-level key holding the routing
	// envelope. Chosen to be descriptive and exceedingly unlikely to
	// collide with application fields.
	EnvelopeKey = "-={([env])}=-"

	// ConnectionNameKey is the reserved top-level key the central post
	// office stamps onto central.po traffic so its handlers can correlate
	// a message with the TCP connection it arrived on.
	ConnectionNameKey = "-={([connectionName])}=-"

	// SecureDataPath is the dotted path of the ciphertext produced by
	// selective field encryption.
	SecureDataPath = EnvelopeKey + ".secure"

	fromAttr   = "from"
	toAttr     = "to"
	typeAttr   = "type"
	idAttr     = "id"
	replyAttr  = "reply"
	expectAttr = "expect"
)

var (
	// ErrNoEnvelope reports JSON that does not contain the reserved
	// envelope object.
	ErrNoEnvelope = errors.New("message has no envelope")

	// ErrInvalidEnvelope reports an envelope missing a required attribute.
	ErrInvalidEnvelope = errors.New("message envelope is invalid")
)

// Message is a routable MOP message: a free-form JSON object plus the
// reserved envelope. The envelope attributes are mirrored into exported
// fields on construction and must not be modified after the message has
// been sent.
type Message struct {
	From   string // sending mailbox address, "po.mailbox"; required
	To     string // destination mailbox address; empty for publish messages
	Type   string // "major" or "major.minor"; any string for direct messages
	ID     string // unique within the sending post office; required
	Reply  string // ID of the message being replied to, or ""
	Expect bool   // true when the sender expects a reply

	fields map[string]any // the full JSON object, envelope included
}

// New creates a message from raw envelope attributes after validating
// them. Most callers want the Mailbox create helpers instead.
func New(from, to, typ, id, reply string, expect bool) (*Message, error) {
	if err := validateEnvelope(from, id); err != nil {
		return nil, err
	}

	envelope := map[string]any{
		fromAttr: from,
		idAttr:   id,
	}
	if to != "" {
		envelope[toAttr] = to
	}
	if typ != "" {
		envelope[typeAttr] = typ
	}
	if reply != "" {
		envelope[replyAttr] = reply
	}
	if expect {
		envelope[expectAttr] = true
	}

	return &Message{
		From:   from,
		To:     to,
		Type:   typ,
		ID:     id,
		Reply:  reply,
		Expect: expect,
		fields: map[string]any{EnvelopeKey: envelope},
	}, nil
}

// Parse deserializes the UTF-8 JSON payload of one frame. It fails on
// malformed JSON, a missing envelope, or an envelope without the required
// from and id attributes.
func Parse(payload []byte) (*Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding message JSON: %w", err)
	}

	envelope, ok := fields[EnvelopeKey].(map[string]any)
	if !ok {
		return nil, ErrNoEnvelope
	}

	m := &Message{fields: fields}
	m.From, _ = envelope[fromAttr].(string)
	m.To, _ = envelope[toAttr].(string)
	m.Type, _ = envelope[typeAttr].(string)
	m.ID, _ = envelope[idAttr].(string)
	m.Reply, _ = envelope[replyAttr].(string)
	m.Expect, _ = envelope[expectAttr].(bool)

	if err := validateEnvelope(m.From, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

func validateEnvelope(from, id string) error {
	if from == "" {
		return fmt.Errorf("%w: missing 'from'", ErrInvalidEnvelope)
	}
	if id == "" {
		return fmt.Errorf("%w: missing 'id'", ErrInvalidEnvelope)
	}
	return nil
}

// IsDirect reports whether this is a point-to-point message.
func (m *Message) IsDirect() bool {
	return m.To != ""
}

// IsPublish reports whether this is a publish (broadcast) message.
func (m *Message) IsPublish() bool {
	return !m.IsDirect()
}

// IsReply reports whether this is a reply to an earlier direct message.
func (m *Message) IsReply() bool {
	return m.IsDirect() && m.Reply != ""
}

// MajorType returns the message type with its last dotted component
// removed, or the whole type when it has a single component.
func (m *Message) MajorType() string {
	if i := strings.LastIndexByte(m.Type, '.'); i >= 0 {
		return m.Type[:i]
	}
	return m.Type
}

// FromPO returns the post office component of the sender's address.
func (m *Message) FromPO() string {
	if i := strings.IndexByte(m.From, '.'); i >= 0 {
		return m.From[:i]
	}
	return m.From
}

// ToPO returns the post office component of the destination address, or ""
// for a publish message.
func (m *Message) ToPO() string {
	if i := strings.IndexByte(m.To, '.'); i >= 0 {
		return m.To[:i]
	}
	return m.To
}

// ToMailbox returns the mailbox component of the destination address, or
// "" for a publish message.
func (m *Message) ToMailbox() string {
	if i := strings.IndexByte(m.To, '.'); i >= 0 {
		return m.To[i+1:]
	}
	return ""
}

// JSON returns the UTF-8 JSON encoding of the message, envelope included.
func (m *Message) JSON() []byte {
	data, err := json.Marshal(m.fields)
	if err != nil {
		// Only non-serializable values put into the body can cause this,
		// which is a caller bug; surface it loudly in the output.
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return data
}

// String implements fmt.Stringer as the JSON encoding.
func (m *Message) String() string {
	return string(m.JSON())
}

// A frame length prefix is always FrameLengthMinDigits to
// FrameLengthMaxDigits base-64 digits; short lengths are zero padded.
// Receivers treat prefixes outside these bounds as garbage.
const (
	FrameLengthMinDigits = 2
	FrameLengthMaxDigits = 4
)

// EncodeFrameLength encodes a payload byte count as a frame length
// prefix, zero padded to the minimum width.
func EncodeFrameLength(n int) string {
	s := EncodeInt(uint64(n))
	for len(s) < FrameLengthMinDigits {
		s = Alphabet[:1] + s
	}
	return s
}

// Serialize returns the wire frame for this message:
// "[[[" + base-64 payload length + "]" + payload + "]]".
func (m *Message) Serialize() []byte {
	payload := m.JSON()
	prefix := "[[[" + EncodeFrameLength(len(payload)) + "]"

	frame := make([]byte, 0, len(prefix)+len(payload)+2)
	frame = append(frame, prefix...)
	frame = append(frame, payload...)
	frame = append(frame, "]]"...)
	return frame
}

// Clone returns a deep copy of the message. Used by the central post
// office to re-encrypt a forwarded copy without disturbing the original.
func (m *Message) Clone() (*Message, error) {
	return Parse(m.JSON())
}
