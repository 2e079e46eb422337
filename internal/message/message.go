// Package message defines the records kept in an account's ledger: sent and
// received content, sync, typing and story records, plus the receipts and
// reactions that are reconciled against them.
//
// Records are not individually locked. A record is owned by the ledger that
// holds it and is only mutated through ledger operations.
package message

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/timestamp"
)

// Type discriminates record variants.
type Type string

const (
	TypeSent        Type = "sent"
	TypeReceived    Type = "received"
	TypeSync        Type = "sync"
	TypeGroupUpdate Type = "group_update"
	TypeTyping      Type = "typing"
	TypeStory       Type = "story"
	TypeReceipt     Type = "receipt"
	TypeReaction    Type = "reaction"
	TypeCall        Type = "call"
)

// Message is implemented by every record variant.
type Message interface {
	Head() *Header
}

// Reactable is a message that can carry reactions.
type Reactable interface {
	Message
	ReactionSet() *ReactionSet
}

// Header holds the state shared by every record.
type Header struct {
	ID        string
	Type      Type
	Sender    *entity.Contact
	Recipient entity.Recipient
	Device    *entity.Device
	Timestamp timestamp.Timestamp

	Delivered   bool
	DeliveredAt *timestamp.Timestamp
	Read        bool
	ReadAt      *timestamp.Timestamp
	Viewed      bool
	ViewedAt    *timestamp.Timestamp
}

// NewHeader stamps a fresh local id on a header.
func NewHeader(typ Type, sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp) Header {
	return Header{
		ID:        newID(),
		Type:      typ,
		Sender:    sender,
		Recipient: recipient,
		Device:    device,
		Timestamp: ts,
	}
}

func (h *Header) Head() *Header { return h }

// MarkDelivered sets the delivered flag. Marking twice is a no-op and
// reports false.
func (h *Header) MarkDelivered(when timestamp.Timestamp) bool {
	if h.Delivered {
		return false
	}
	h.Delivered = true
	h.DeliveredAt = timestamp.Ptr(when)
	return true
}

// MarkRead sets the read flag. Delivered is neither required nor backfilled.
func (h *Header) MarkRead(when timestamp.Timestamp) bool {
	if h.Read {
		return false
	}
	h.Read = true
	h.ReadAt = timestamp.Ptr(when)
	return true
}

// MarkViewed sets the viewed flag.
func (h *Header) MarkViewed(when timestamp.Timestamp) bool {
	if h.Viewed {
		return false
	}
	h.Viewed = true
	h.ViewedAt = timestamp.Ptr(when)
	return true
}

// Apply runs the transition for a receipt kind.
func (h *Header) Apply(kind ReceiptKind, when timestamp.Timestamp) bool {
	switch kind {
	case ReceiptDelivered:
		return h.MarkDelivered(when)
	case ReceiptRead:
		return h.MarkRead(when)
	case ReceiptViewed:
		return h.MarkViewed(when)
	}
	return false
}

// IsGroup reports whether the record was addressed to a group.
func (h *Header) IsGroup() bool {
	return h.Recipient != nil && h.Recipient.RecipientKind() == entity.KindGroup
}

// Conversation returns the conversation the record belongs to, seen from
// self: the group for group records, otherwise the other party.
func (h *Header) Conversation(self *entity.Contact) ConversationKey {
	if h.IsGroup() {
		return ConversationKey{Kind: entity.KindGroup, ID: h.Recipient.RecipientID()}
	}
	if h.Sender == self && h.Recipient != nil {
		return ConversationKey{Kind: entity.KindContact, ID: h.Recipient.RecipientID()}
	}
	if h.Sender == nil {
		return ConversationKey{}
	}
	return ConversationKey{Kind: entity.KindContact, ID: h.Sender.ID()}
}

// ConversationKey scopes searches to one conversation: a contact for
// one-to-one chats or a group id.
type ConversationKey struct {
	Kind entity.Kind
	ID   string
}

// ConversationWith returns the key for a recipient.
func ConversationWith(r entity.Recipient) ConversationKey {
	if r == nil {
		return ConversationKey{}
	}
	return ConversationKey{Kind: r.RecipientKind(), ID: r.RecipientID()}
}

func (k ConversationKey) IsZero() bool { return k.ID == "" }

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
