package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

// Records are the persisted form of messages. Entity references are stored
// as identifiers and resolved again on load. Optional instants are always
// written, as null when unset.

type headerRecord struct {
	ID            string               `json:"id"`
	MessageType   Type                 `json:"messageType"`
	Sender        string               `json:"sender"`
	Device        int                  `json:"device"`
	Recipient     string               `json:"recipient"`
	RecipientType entity.Kind          `json:"recipientType"`
	Timestamp     timestamp.Timestamp  `json:"timestamp"`
	IsDelivered   bool                 `json:"isDelivered"`
	TimeDelivered *timestamp.Timestamp `json:"timeDelivered"`
	IsRead        bool                 `json:"isRead"`
	TimeRead      *timestamp.Timestamp `json:"timeRead"`
	IsViewed      bool                 `json:"isViewed"`
	TimeViewed    *timestamp.Timestamp `json:"timeViewed"`
}

type quoteRecord struct {
	Author    string              `json:"author"`
	Timestamp timestamp.Timestamp `json:"timestamp"`
	Text      string              `json:"text"`
}

type mentionRecord struct {
	Contact string `json:"contact"`
	Start   int    `json:"start"`
	Length  int    `json:"length"`
}

type contentRecord struct {
	Body        string           `json:"body"`
	Expiration  int64            `json:"expiration"`
	Quote       *quoteRecord     `json:"quote"`
	Mentions    []mentionRecord  `json:"mentions,omitempty"`
	Attachments int              `json:"attachments,omitempty"`
	Reactions   []reactionRecord `json:"reactions,omitempty"`
}

type receivedRecord struct {
	headerRecord
	contentRecord
	ExpiresAt *timestamp.Timestamp `json:"expiresAt"`
}

type resultRecord struct {
	Recipient string `json:"recipient"`
	Type      string `json:"type"`
}

type ackRecord struct {
	Kind   ReceiptKind         `json:"kind"`
	Sender string              `json:"sender"`
	Device int                 `json:"device"`
	When   timestamp.Timestamp `json:"when"`
}

type sentRecord struct {
	headerRecord
	contentRecord
	Results []resultRecord `json:"sentTo,omitempty"`
	Acks    []ackRecord    `json:"receipts,omitempty"`
}

type reactionRecord struct {
	headerRecord
	Emoji           string              `json:"emoji"`
	TargetAuthor    string              `json:"targetAuthor"`
	TargetTimestamp timestamp.Timestamp `json:"targetTimestamp"`
	IsRemove        bool                `json:"isRemove"`
	IsChange        bool                `json:"isChange"`
	PreviousEmoji   string              `json:"previousEmoji,omitempty"`
}

type receiptRecord struct {
	headerRecord
	Kind    ReceiptKind           `json:"receiptType"`
	When    timestamp.Timestamp   `json:"when"`
	Targets []timestamp.Timestamp `json:"timestamps"`
}

type readRecord struct {
	Sender    string              `json:"sender"`
	Timestamp timestamp.Timestamp `json:"timestamp"`
}

type syncRecord struct {
	headerRecord
	SyncType       SyncType             `json:"syncType"`
	ReadMessages   []readRecord         `json:"readMessages,omitempty"`
	BlockedNumbers []string             `json:"blockedNumbers,omitempty"`
	BlockedGroups  []string             `json:"blockedGroups,omitempty"`
	SentTimestamp  *timestamp.Timestamp `json:"sentTimestamp"`
}

type groupUpdateRecord struct {
	headerRecord
	Body string `json:"body"`
}

type typingRecord struct {
	headerRecord
	Action      TypingAction `json:"action"`
	Synthesized bool         `json:"synthesized"`
}

type storyRecord struct {
	headerRecord
	AllowsReplies bool   `json:"allowsReplies"`
	Text          string `json:"text"`
	HasFile       bool   `json:"hasFile"`
}

// Encode converts a message to its persisted JSON form.
func Encode(m Message) (json.RawMessage, error) {
	var rec any
	switch v := m.(type) {
	case *Received:
		rec = receivedRecord{headerRecord: encodeHeader(&v.Header), contentRecord: encodeContent(&v.Content), ExpiresAt: v.ExpiresAt}
	case *Sent:
		r := sentRecord{headerRecord: encodeHeader(&v.Header), contentRecord: encodeContent(&v.Content)}
		for _, res := range v.Results {
			r.Results = append(r.Results, resultRecord{Recipient: contactID(res.Recipient), Type: res.Type})
		}
		for _, ack := range v.Acks {
			r.Acks = append(r.Acks, ackRecord{Kind: ack.Kind, Sender: contactID(ack.Sender), Device: deviceID(ack.Device), When: ack.When})
		}
		rec = r
	case *Reaction:
		rec = encodeReaction(v)
	case *Receipt:
		rec = receiptRecord{headerRecord: encodeHeader(&v.Header), Kind: v.Kind, When: v.When, Targets: v.Targets}
	case *Sync:
		r := syncRecord{
			headerRecord:   encodeHeader(&v.Header),
			SyncType:       v.SyncType,
			BlockedNumbers: v.BlockedNumbers,
			BlockedGroups:  v.BlockedGroups,
			SentTimestamp:  v.SentTimestamp,
		}
		for _, ref := range v.ReadMessages {
			r.ReadMessages = append(r.ReadMessages, readRecord{Sender: contactID(ref.Sender), Timestamp: ref.Timestamp})
		}
		rec = r
	case *GroupUpdate:
		rec = groupUpdateRecord{headerRecord: encodeHeader(&v.Header), Body: v.Body}
	case *Typing:
		rec = typingRecord{headerRecord: encodeHeader(&v.Header), Action: v.Action, Synthesized: v.Synthesized}
	case *Story:
		rec = storyRecord{headerRecord: encodeHeader(&v.Header), AllowsReplies: v.AllowsReplies, Text: v.Text, HasFile: v.HasFile}
	default:
		return nil, fmt.Errorf("encode message: unsupported type %T", m)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Head().Type, err)
	}
	return data, nil
}

// Decode rebuilds a message from its persisted form, resolving entity
// identifiers through r.
func Decode(data json.RawMessage, r entity.Resolver) (Message, error) {
	var peek struct {
		MessageType Type `json:"messageType"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch peek.MessageType {
	case TypeReceived:
		var rec receivedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode received: %w", err)
		}
		m := &Received{ExpiresAt: rec.ExpiresAt}
		if err := decodeHeader(&m.Header, rec.headerRecord, r); err != nil {
			return nil, err
		}
		if err := decodeContent(&m.Content, rec.contentRecord, r); err != nil {
			return nil, err
		}
		return m, nil

	case TypeSent:
		var rec sentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode sent: %w", err)
		}
		m := &Sent{}
		if err := decodeHeader(&m.Header, rec.headerRecord, r); err != nil {
			return nil, err
		}
		if err := decodeContent(&m.Content, rec.contentRecord, r); err != nil {
			return nil, err
		}
		for _, res := range rec.Results {
			_, c := r.GetOrAddContact(types.ParseAddress(res.Recipient))
			m.Results = append(m.Results, SendResult{Recipient: c, Type: res.Type})
		}
		for _, ack := range rec.Acks {
			_, c := r.GetOrAddContact(types.ParseAddress(ack.Sender))
			m.Acks = append(m.Acks, Ack{Kind: ack.Kind, Sender: c, Device: resolveDevice(r, c, ack.Device), When: ack.When})
		}
		return m, nil

	case TypeReaction:
		var rec reactionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode reaction: %w", err)
		}
		return decodeReaction(rec, r)

	case TypeReceipt:
		var rec receiptRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		m := &Receipt{Kind: rec.Kind, When: rec.When, Targets: rec.Targets}
		if err := decodeHeader(&m.Header, rec.headerRecord, r); err != nil {
			return nil, err
		}
		return m, nil

	case TypeSync:
		var rec syncRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode sync: %w", err)
		}
		m := &Sync{
			SyncType:       rec.SyncType,
			BlockedNumbers: rec.BlockedNumbers,
			BlockedGroups:  rec.BlockedGroups,
			SentTimestamp:  rec.SentTimestamp,
		}
		if err := decodeHeader(&m.Header, rec.headerRecord, r); err != nil {
			return nil, err
		}
		for _, ref := range rec.ReadMessages {
			_, c := r.GetOrAddContact(types.ParseAddress(ref.Sender))
			m.ReadMessages = append(m.ReadMessages, ReadRef{Sender: c, Timestamp: ref.Timestamp})
		}
		return m, nil

	case TypeGroupUpdate:
		var rec groupUpdateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode group update: %w", err)
		}
		m := &GroupUpdate{Body: rec.Body}
		return m, decodeHeader(&m.Header, rec.headerRecord, r)

	case TypeTyping:
		var rec typingRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode typing: %w", err)
		}
		m := &Typing{Action: rec.Action, Synthesized: rec.Synthesized}
		return m, decodeHeader(&m.Header, rec.headerRecord, r)

	case TypeStory:
		var rec storyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode story: %w", err)
		}
		m := &Story{AllowsReplies: rec.AllowsReplies, Text: rec.Text, HasFile: rec.HasFile}
		return m, decodeHeader(&m.Header, rec.headerRecord, r)
	}

	return nil, fmt.Errorf("decode message: unknown messageType %q", peek.MessageType)
}

func encodeHeader(h *Header) headerRecord {
	rec := headerRecord{
		ID:            h.ID,
		MessageType:   h.Type,
		Sender:        contactID(h.Sender),
		Device:        deviceID(h.Device),
		Timestamp:     h.Timestamp,
		IsDelivered:   h.Delivered,
		TimeDelivered: h.DeliveredAt,
		IsRead:        h.Read,
		TimeRead:      h.ReadAt,
		IsViewed:      h.Viewed,
		TimeViewed:    h.ViewedAt,
	}
	if h.Recipient != nil {
		rec.Recipient = h.Recipient.RecipientID()
		rec.RecipientType = h.Recipient.RecipientKind()
	}
	return rec
}

func decodeHeader(h *Header, rec headerRecord, r entity.Resolver) error {
	if rec.ID == "" || rec.Sender == "" {
		return fmt.Errorf("decode %s: missing id or sender", rec.MessageType)
	}
	_, sender := r.GetOrAddContact(types.ParseAddress(rec.Sender))
	*h = Header{
		ID:          rec.ID,
		Type:        rec.MessageType,
		Sender:      sender,
		Device:      resolveDevice(r, sender, rec.Device),
		Timestamp:   rec.Timestamp,
		Delivered:   rec.IsDelivered,
		DeliveredAt: rec.TimeDelivered,
		Read:        rec.IsRead,
		ReadAt:      rec.TimeRead,
		Viewed:      rec.IsViewed,
		ViewedAt:    rec.TimeViewed,
	}
	switch rec.RecipientType {
	case entity.KindGroup:
		_, g := r.GetOrAddGroup(rec.Recipient)
		h.Recipient = g
	case entity.KindContact:
		_, c := r.GetOrAddContact(types.ParseAddress(rec.Recipient))
		h.Recipient = c
	case "":
	default:
		return fmt.Errorf("decode %s: unknown recipientType %q", rec.MessageType, rec.RecipientType)
	}
	return nil
}

func encodeContent(c *Content) contentRecord {
	rec := contentRecord{
		Body:        c.Body,
		Expiration:  int64(c.ExpiresIn / time.Second),
		Attachments: c.Attachments,
	}
	if c.Quote != nil {
		rec.Quote = &quoteRecord{Author: contactID(c.Quote.Author), Timestamp: c.Quote.Timestamp, Text: c.Quote.Text}
	}
	for _, m := range c.Mentions {
		rec.Mentions = append(rec.Mentions, mentionRecord{Contact: contactID(m.Contact), Start: m.Start, Length: m.Length})
	}
	for _, react := range c.Reactions.items {
		rec.Reactions = append(rec.Reactions, encodeReaction(react))
	}
	return rec
}

func decodeContent(c *Content, rec contentRecord, r entity.Resolver) error {
	c.Body = rec.Body
	c.ExpiresIn = time.Duration(rec.Expiration) * time.Second
	c.Attachments = rec.Attachments
	if rec.Quote != nil {
		_, author := r.GetOrAddContact(types.ParseAddress(rec.Quote.Author))
		c.Quote = &Quote{Author: author, Timestamp: rec.Quote.Timestamp, Text: rec.Quote.Text}
	}
	for _, m := range rec.Mentions {
		_, contact := r.GetOrAddContact(types.ParseAddress(m.Contact))
		c.Mentions = append(c.Mentions, Mention{Contact: contact, Start: m.Start, Length: m.Length})
	}
	for _, rr := range rec.Reactions {
		react, err := decodeReaction(rr, r)
		if err != nil {
			return err
		}
		c.Reactions.items = append(c.Reactions.items, react)
	}
	return nil
}

func encodeReaction(v *Reaction) reactionRecord {
	return reactionRecord{
		headerRecord:    encodeHeader(&v.Header),
		Emoji:           v.Emoji,
		TargetAuthor:    contactID(v.TargetAuthor),
		TargetTimestamp: v.TargetTimestamp,
		IsRemove:        v.IsRemove,
		IsChange:        v.IsChange,
		PreviousEmoji:   v.PreviousEmoji,
	}
}

func decodeReaction(rec reactionRecord, r entity.Resolver) (*Reaction, error) {
	m := &Reaction{
		Emoji:           rec.Emoji,
		TargetTimestamp: rec.TargetTimestamp,
		IsRemove:        rec.IsRemove,
		IsChange:        rec.IsChange,
		PreviousEmoji:   rec.PreviousEmoji,
	}
	if err := decodeHeader(&m.Header, rec.headerRecord, r); err != nil {
		return nil, err
	}
	_, m.TargetAuthor = r.GetOrAddContact(types.ParseAddress(rec.TargetAuthor))
	return m, nil
}

func contactID(c *entity.Contact) string {
	if c == nil {
		return ""
	}
	return c.ID()
}

func deviceID(d *entity.Device) int {
	if d == nil {
		return 0
	}
	return d.ID()
}

func resolveDevice(r entity.Resolver, owner *entity.Contact, id int) *entity.Device {
	if id == 0 || owner == nil {
		return nil
	}
	_, d := r.GetOrAddDevice(owner, id)
	return d
}
