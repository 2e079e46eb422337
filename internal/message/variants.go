package message

import (
	"encoding/json"
	"time"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/timestamp"
)

// Quote references an earlier message.
type Quote struct {
	Author    *entity.Contact
	Timestamp timestamp.Timestamp
	Text      string
}

// Mention marks a range of body text naming a contact.
type Mention struct {
	Contact *entity.Contact
	Start   int
	Length  int
}

// Content is the body shared by sent and received messages.
type Content struct {
	Body        string
	ExpiresIn   time.Duration
	Quote       *Quote
	Mentions    []Mention
	Attachments int
	Reactions   ReactionSet
}

// Received is content addressed to the account.
type Received struct {
	Header
	Content

	// ExpiresAt is set the first time the message is read or viewed and
	// ExpiresIn is non-zero.
	ExpiresAt *timestamp.Timestamp
}

// NewReceived builds a received message.
func NewReceived(sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp) *Received {
	return &Received{Header: NewHeader(TypeReceived, sender, recipient, device, ts)}
}

func (m *Received) ReactionSet() *ReactionSet { return &m.Reactions }

// MarkRead marks the message read and starts its expiry window.
func (m *Received) MarkRead(when timestamp.Timestamp) bool {
	if !m.Header.MarkRead(when) {
		return false
	}
	m.startExpiry(when)
	return true
}

// MarkViewed marks the message viewed and starts its expiry window.
func (m *Received) MarkViewed(when timestamp.Timestamp) bool {
	if !m.Header.MarkViewed(when) {
		return false
	}
	m.startExpiry(when)
	return true
}

func (m *Received) startExpiry(opened timestamp.Timestamp) {
	if m.ExpiresIn <= 0 || m.ExpiresAt != nil {
		return
	}
	m.ExpiresAt = timestamp.Ptr(opened.Add(m.ExpiresIn))
}

// SendResult is the daemon's per-recipient outcome of a send.
type SendResult struct {
	Recipient *entity.Contact
	Type      string
}

// SendSuccess is the SendResult.Type the daemon reports for a delivered send.
const SendSuccess = "SUCCESS"

// Ack is one receipt applied to a sent message.
type Ack struct {
	Kind   ReceiptKind
	Sender *entity.Contact
	Device *entity.Device
	When   timestamp.Timestamp
}

// Sent is content sent by the account, from this or a linked device.
type Sent struct {
	Header
	Content

	Results []SendResult
	Acks    []Ack
}

// NewSent builds a sent message.
func NewSent(sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp) *Sent {
	return &Sent{Header: NewHeader(TypeSent, sender, recipient, device, ts)}
}

func (m *Sent) ReactionSet() *ReactionSet { return &m.Reactions }

// ApplyReceipt records the ack and runs the receipt transition, reporting
// whether the flag changed. The ack is kept even when the flag was already
// set, since group sends collect one receipt per member. An ack identical to
// one already recorded is dropped.
func (m *Sent) ApplyReceipt(r *Receipt) bool {
	ack := Ack{Kind: r.Kind, Sender: r.Sender, Device: r.Device, When: r.When}
	if !m.hasAck(ack) {
		m.Acks = append(m.Acks, ack)
	}
	return m.Header.Apply(r.Kind, r.When)
}

func (m *Sent) hasAck(ack Ack) bool {
	for _, a := range m.Acks {
		if a.Kind == ack.Kind && a.Sender == ack.Sender && a.Device == ack.Device && a.When.Equal(ack.When) {
			return true
		}
	}
	return false
}

// ReceiptKind names the three acknowledgment kinds.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
	ReceiptViewed    ReceiptKind = "viewed"
)

// Receipt acknowledges one or more messages the account sent.
type Receipt struct {
	Header
	Kind    ReceiptKind
	When    timestamp.Timestamp
	Targets []timestamp.Timestamp
}

// NewReceipt builds a receipt from sender's device.
func NewReceipt(sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp, kind ReceiptKind, when timestamp.Timestamp, targets []timestamp.Timestamp) *Receipt {
	return &Receipt{
		Header:  NewHeader(TypeReceipt, sender, recipient, device, ts),
		Kind:    kind,
		When:    when,
		Targets: targets,
	}
}

// ForTarget returns a copy of r naming a single target.
func (r *Receipt) ForTarget(target timestamp.Timestamp) *Receipt {
	c := *r
	c.Targets = []timestamp.Timestamp{target}
	return &c
}

// SyncType classifies a sync record.
type SyncType string

const (
	SyncReadMessages SyncType = "read_messages"
	SyncSentMessage  SyncType = "sent_message"
	SyncBlocked      SyncType = "blocked"
	SyncContacts     SyncType = "contacts"
	SyncGroups       SyncType = "groups"
)

// ReadRef names a message read on a linked device.
type ReadRef struct {
	Sender    *entity.Contact
	Timestamp timestamp.Timestamp
}

// Sync reports activity on one of the account's linked devices.
type Sync struct {
	Header
	SyncType       SyncType
	ReadMessages   []ReadRef
	BlockedNumbers []string
	BlockedGroups  []string
	SentTimestamp  *timestamp.Timestamp
}

// NewSync builds a sync record. Sync records are delivered, read and viewed
// as soon as they exist.
func NewSync(sender *entity.Contact, device *entity.Device, ts timestamp.Timestamp, typ SyncType) *Sync {
	s := &Sync{Header: NewHeader(TypeSync, sender, sender, device, ts), SyncType: typ}
	s.MarkDelivered(ts)
	s.MarkRead(ts)
	s.MarkViewed(ts)
	return s
}

// GroupUpdate announces a group membership or settings change.
type GroupUpdate struct {
	Header
	Body string
}

// NewGroupUpdate builds a group update addressed to group.
func NewGroupUpdate(sender *entity.Contact, group *entity.Group, device *entity.Device, ts timestamp.Timestamp) *GroupUpdate {
	return &GroupUpdate{Header: NewHeader(TypeGroupUpdate, sender, group, device, ts)}
}

// TypingAction is STARTED or STOPPED.
type TypingAction string

const (
	TypingStarted TypingAction = "STARTED"
	TypingStopped TypingAction = "STOPPED"
)

// Typing records a contact starting or stopping typing.
type Typing struct {
	Header
	Action TypingAction
	// Synthesized is set on STOPPED records inferred from content arrival.
	Synthesized bool
}

// NewTyping builds a typing record.
func NewTyping(sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp, action TypingAction) *Typing {
	return &Typing{Header: NewHeader(TypeTyping, sender, recipient, device, ts), Action: action}
}

// Story is a story post.
type Story struct {
	Header
	AllowsReplies bool
	Text          string
	HasFile       bool
}

// NewStory builds a story record.
func NewStory(sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp) *Story {
	return &Story{Header: NewHeader(TypeStory, sender, recipient, device, ts)}
}

// Call carries call signalling. It is dispatched but never stored.
type Call struct {
	Header
	Raw json.RawMessage
}

// NewCall builds a call record.
func NewCall(sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp, raw json.RawMessage) *Call {
	return &Call{Header: NewHeader(TypeCall, sender, recipient, device, ts), Raw: raw}
}
