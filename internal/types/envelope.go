// Package types holds the wire shapes the daemon emits on its receive stream.
//
// An envelope carries exactly one category payload. Decoding is a tagged
// union: each payload is an optional nested object and Kind reports which
// one is present.
package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leonletto/sigrecv/internal/timestamp"
)

// ErrMalformed marks an envelope or frame that is missing structural keys.
var ErrMalformed = errors.New("malformed envelope")

// Kind discriminates the payload carried by an Envelope.
type Kind string

// Envelope payload kinds. Order matters: an envelope that somehow carries
// two payloads is classified by the first one present in this list.
const (
	KindData    Kind = "data"
	KindReceipt Kind = "receipt"
	KindSync    Kind = "sync"
	KindTyping  Kind = "typing"
	KindStory   Kind = "story"
	KindCall    Kind = "call"
	KindUnknown Kind = "unknown"
)

// Address identifies a contact the way the daemon reports one. Any subset of
// the fields may be set.
type Address struct {
	Number string `json:"number,omitempty"`
	UUID   string `json:"uuid,omitempty"`
	Name   string `json:"name,omitempty"`
}

// ID returns the most stable identifier available, preferring the phone
// number the way the daemon does.
func (a Address) ID() string {
	if a.Number != "" {
		return a.Number
	}
	return a.UUID
}

// IsZero reports whether no identifier is present.
func (a Address) IsZero() bool {
	return a.Number == "" && a.UUID == ""
}

// Envelope is one inbound unit of the receive stream.
type Envelope struct {
	Source       string              `json:"source,omitempty"`
	SourceNumber string              `json:"sourceNumber,omitempty"`
	SourceUUID   string              `json:"sourceUuid,omitempty"`
	SourceName   string              `json:"sourceName,omitempty"`
	SourceDevice int                 `json:"sourceDevice,omitempty"`
	Timestamp    timestamp.Timestamp `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
	SyncMessage    *SyncMessage    `json:"syncMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	StoryMessage   *StoryMessage   `json:"storyMessage,omitempty"`
	CallMessage    *CallMessage    `json:"callMessage,omitempty"`
}

// Kind reports which payload the envelope carries.
func (e *Envelope) Kind() Kind {
	switch {
	case e.DataMessage != nil:
		return KindData
	case e.ReceiptMessage != nil:
		return KindReceipt
	case e.SyncMessage != nil:
		return KindSync
	case e.TypingMessage != nil:
		return KindTyping
	case e.StoryMessage != nil:
		return KindStory
	case e.CallMessage != nil:
		return KindCall
	default:
		return KindUnknown
	}
}

// Sender returns the envelope source as an Address. Older daemons only fill
// Source, which may hold either a number or a uuid.
func (e *Envelope) Sender() Address {
	addr := makeAddress(e.Source, e.SourceNumber, e.SourceUUID)
	addr.Name = e.SourceName
	return addr
}

// Validate checks the keys every category handler relies on.
func (e *Envelope) Validate() error {
	if e.Sender().IsZero() {
		return fmt.Errorf("%w: no source", ErrMalformed)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: no timestamp", ErrMalformed)
	}
	switch e.Kind() {
	case KindReceipt:
		if len(e.ReceiptMessage.Timestamps) == 0 {
			return fmt.Errorf("%w: receipt without timestamps", ErrMalformed)
		}
	case KindData:
		if r := e.DataMessage.Reaction; r != nil {
			if r.TargetAuthor().IsZero() || r.TargetSentTimestamp.IsZero() {
				return fmt.Errorf("%w: reaction without target", ErrMalformed)
			}
		}
	case KindTyping:
		switch e.TypingMessage.Action {
		case TypingStarted, TypingStopped:
		default:
			return fmt.Errorf("%w: typing action %q", ErrMalformed, e.TypingMessage.Action)
		}
	}
	return nil
}

// GroupInfo names the group a data or sent-sync message belongs to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type,omitempty"`
}

// GroupUpdateType is the GroupInfo.Type value announcing a membership or
// settings change rather than content.
const GroupUpdateType = "UPDATE"

// DataMessage is a content message, a reaction, or a group update.
type DataMessage struct {
	Timestamp        timestamp.Timestamp `json:"timestamp"`
	Message          string              `json:"message,omitempty"`
	ExpiresInSeconds int                 `json:"expiresInSeconds,omitempty"`
	ViewOnce         bool                `json:"viewOnce,omitempty"`
	Reaction         *WireReaction       `json:"reaction,omitempty"`
	GroupInfo        *GroupInfo          `json:"groupInfo,omitempty"`
	Quote            *Quote              `json:"quote,omitempty"`
	Mentions         []Mention           `json:"mentions,omitempty"`
	Attachments      []json.RawMessage   `json:"attachments,omitempty"`
	Sticker          json.RawMessage     `json:"sticker,omitempty"`
}

// IsGroupUpdate reports whether the message announces a group change.
func (d *DataMessage) IsGroupUpdate() bool {
	return d.GroupInfo != nil && d.GroupInfo.Type == GroupUpdateType
}

// WireReaction is the reaction object inside a data message.
type WireReaction struct {
	Emoji               string              `json:"emoji"`
	TargetAuthorRaw     string              `json:"targetAuthor,omitempty"`
	TargetAuthorNumber  string              `json:"targetAuthorNumber,omitempty"`
	TargetAuthorUUID    string              `json:"targetAuthorUuid,omitempty"`
	TargetSentTimestamp timestamp.Timestamp `json:"targetSentTimestamp"`
	IsRemove            bool                `json:"isRemove"`
}

// TargetAuthor returns the author of the message being reacted to.
func (r *WireReaction) TargetAuthor() Address {
	return makeAddress(r.TargetAuthorRaw, r.TargetAuthorNumber, r.TargetAuthorUUID)
}

// Quote references an earlier message by author and send time.
type Quote struct {
	ID           timestamp.Timestamp `json:"id"`
	Author       string              `json:"author,omitempty"`
	AuthorNumber string              `json:"authorNumber,omitempty"`
	AuthorUUID   string              `json:"authorUuid,omitempty"`
	Text         string              `json:"text,omitempty"`
}

// AuthorAddress returns the quoted author.
func (q *Quote) AuthorAddress() Address {
	return makeAddress(q.Author, q.AuthorNumber, q.AuthorUUID)
}

// Mention marks a range of message text that refers to a contact.
type Mention struct {
	Name   string `json:"name,omitempty"`
	Number string `json:"number,omitempty"`
	UUID   string `json:"uuid,omitempty"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

// ReceiptMessage acknowledges one or more messages the account sent.
type ReceiptMessage struct {
	When       timestamp.Timestamp   `json:"when"`
	IsDelivery bool                  `json:"isDelivery"`
	IsRead     bool                  `json:"isRead"`
	IsViewed   bool                  `json:"isViewed"`
	Timestamps []timestamp.Timestamp `json:"timestamps"`
}

// SyncMessage reports activity on another of the account's own devices.
type SyncMessage struct {
	SentMessage     *SentSync  `json:"sentMessage,omitempty"`
	ReadMessages    []ReadSync `json:"readMessages,omitempty"`
	BlockedNumbers  []string   `json:"blockedNumbers,omitempty"`
	BlockedGroupIDs []string   `json:"blockedGroupIds,omitempty"`
	Type            string     `json:"type,omitempty"`
}

// Sync request types carried in SyncMessage.Type.
const (
	SyncContacts = "CONTACTS_SYNC"
	SyncGroups   = "GROUPS_SYNC"
)

// IsEmpty reports whether the sync payload carries nothing actionable.
func (s *SyncMessage) IsEmpty() bool {
	return s.SentMessage == nil && len(s.ReadMessages) == 0 &&
		s.BlockedNumbers == nil && s.BlockedGroupIDs == nil && s.Type == ""
}

// SentSync is a message sent from a linked device.
type SentSync struct {
	Destination       string              `json:"destination,omitempty"`
	DestinationNumber string              `json:"destinationNumber,omitempty"`
	DestinationUUID   string              `json:"destinationUuid,omitempty"`
	Timestamp         timestamp.Timestamp `json:"timestamp"`
	Message           string              `json:"message,omitempty"`
	ExpiresInSeconds  int                 `json:"expiresInSeconds,omitempty"`
	GroupInfo         *GroupInfo          `json:"groupInfo,omitempty"`
	Reaction          *WireReaction       `json:"reaction,omitempty"`
}

// IsGroupUpdate reports whether the synced message announced a group change.
func (s *SentSync) IsGroupUpdate() bool {
	return s.GroupInfo != nil && s.GroupInfo.Type == GroupUpdateType
}

// DestinationAddress returns the contact the message was sent to.
func (s *SentSync) DestinationAddress() Address {
	return makeAddress(s.Destination, s.DestinationNumber, s.DestinationUUID)
}

// ReadSync declares a message read on another device.
type ReadSync struct {
	Sender       string              `json:"sender,omitempty"`
	SenderNumber string              `json:"senderNumber,omitempty"`
	SenderUUID   string              `json:"senderUuid,omitempty"`
	Timestamp    timestamp.Timestamp `json:"timestamp"`
}

// SenderAddress returns the author of the message that was read.
func (r *ReadSync) SenderAddress() Address {
	return makeAddress(r.Sender, r.SenderNumber, r.SenderUUID)
}

// Typing actions.
const (
	TypingStarted = "STARTED"
	TypingStopped = "STOPPED"
)

// TypingMessage reports a contact starting or stopping typing.
type TypingMessage struct {
	Action    string              `json:"action"`
	Timestamp timestamp.Timestamp `json:"timestamp"`
	GroupID   string              `json:"groupId,omitempty"`
}

// TextAttachment is the text body of a story.
type TextAttachment struct {
	Text string `json:"text,omitempty"`
}

// StoryMessage is a story post.
type StoryMessage struct {
	AllowsReplies  bool            `json:"allowsReplies"`
	GroupID        string          `json:"groupId,omitempty"`
	TextAttachment *TextAttachment `json:"textAttachment,omitempty"`
	FileAttachment json.RawMessage `json:"fileAttachment,omitempty"`
}

// CallMessage carries call signalling. The client only reports it.
type CallMessage struct {
	OfferMessage      json.RawMessage `json:"offerMessage,omitempty"`
	AnswerMessage     json.RawMessage `json:"answerMessage,omitempty"`
	BusyMessage       json.RawMessage `json:"busyMessage,omitempty"`
	HangupMessage     json.RawMessage `json:"hangupMessage,omitempty"`
	IceUpdateMessages json.RawMessage `json:"iceUpdateMessages,omitempty"`
}

// ReceiveParams is the params object of a "receive" notification. Some
// daemon builds nest the envelope one level deeper under "result".
type ReceiveParams struct {
	Account      string    `json:"account,omitempty"`
	Subscription int64     `json:"subscription,omitempty"`
	Envelope     *Envelope `json:"envelope,omitempty"`
	Result       *struct {
		Account  string    `json:"account,omitempty"`
		Envelope *Envelope `json:"envelope,omitempty"`
	} `json:"result,omitempty"`
	// Error is set when the daemon failed to receive or decrypt a message.
	Error *ProtocolError `json:"error,omitempty"`
}

// ProtocolError is an error object the daemon attaches to a notification.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// DecodeReceive extracts the envelope from receive notification params. A
// daemon-reported error is returned as a *ProtocolError, anything
// structurally wrong wraps ErrMalformed.
func DecodeReceive(params json.RawMessage) (*ReceiveParams, *Envelope, error) {
	if len(params) == 0 {
		return nil, nil, fmt.Errorf("%w: empty params", ErrMalformed)
	}
	var p ReceiveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Error != nil {
		return &p, nil, p.Error
	}
	env := p.Envelope
	if env == nil && p.Result != nil {
		env = p.Result.Envelope
		if p.Account == "" {
			p.Account = p.Result.Account
		}
	}
	if env == nil {
		return &p, nil, fmt.Errorf("%w: no envelope", ErrMalformed)
	}
	return &p, env, nil
}
