package ledger

import (
	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/timestamp"
)

// Filter restricts FindConversation results. Each set bit is an independent
// requirement; setting both halves of a pair matches nothing.
type Filter uint8

const (
	FilterRead Filter = 1 << iota
	FilterUnread
	FilterViewed
	FilterUnviewed
	FilterDelivered
	FilterUndelivered

	FilterNone Filter = 0
)

func (f Filter) match(h *message.Header) bool {
	switch {
	case f&FilterRead != 0 && !h.Read,
		f&FilterUnread != 0 && h.Read,
		f&FilterViewed != 0 && !h.Viewed,
		f&FilterUnviewed != 0 && h.Viewed,
		f&FilterDelivered != 0 && !h.Delivered,
		f&FilterUndelivered != 0 && h.Delivered:
		return false
	}
	return true
}

// Messages returns the sent and received content in arrival order.
func (l *Ledger) Messages() []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Message(nil), l.messages...)
}

// Syncs returns the sync and group update records.
func (l *Ledger) Syncs() []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Message(nil), l.syncs...)
}

// Typing returns the typing records.
func (l *Ledger) Typing() []*message.Typing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*message.Typing(nil), l.typing...)
}

// Stories returns the story records.
func (l *Ledger) Stories() []*message.Story {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*message.Story(nil), l.stories...)
}

// Unmatched returns the buffered receipts, one entry per unmatched target.
func (l *Ledger) Unmatched() []*message.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*message.Receipt(nil), l.unmatched...)
}

// Pending returns reactions waiting for their target to arrive.
func (l *Ledger) Pending() []*message.Reaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*message.Reaction(nil), l.pending...)
}

// FindBySendTime returns every content message sent at t.
func (l *Ledger) FindBySendTime(t timestamp.Timestamp) []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []message.Message
	for _, m := range l.messages {
		if m.Head().Timestamp.Equal(t) {
			out = append(out, m)
		}
	}
	return out
}

// FindBySender returns every content message authored by c.
func (l *Ledger) FindBySender(c *entity.Contact) []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []message.Message
	for _, m := range l.messages {
		if m.Head().Sender == c {
			out = append(out, m)
		}
	}
	return out
}

// FindConversation returns the content messages exchanged with target,
// which is a contact or a group, that pass filter.
func (l *Ledger) FindConversation(target entity.Recipient, filter Filter) []message.Message {
	key := message.ConversationWith(target)
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []message.Message
	for _, m := range l.messages {
		if m.Head().Conversation(l.resolver.Self()) == key && filter.match(m.Head()) {
			out = append(out, m)
		}
	}
	return out
}

// Find returns the message authored by author at sendTime within the given
// conversation, or nil.
func (l *Ledger) Find(author *entity.Contact, sendTime timestamp.Timestamp, conversation message.ConversationKey) message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLocked(author, sendTime, conversation)
}

// FindQuoted resolves a quote within a conversation.
func (l *Ledger) FindQuoted(q *message.Quote, conversation message.ConversationKey) message.Message {
	if q == nil {
		return nil
	}
	return l.Find(q.Author, q.Timestamp, conversation)
}

func (l *Ledger) findLocked(author *entity.Contact, sendTime timestamp.Timestamp, conversation message.ConversationKey) message.Message {
	self := l.resolver.Self()
	for _, m := range l.messages {
		h := m.Head()
		if h.Sender == author && h.Timestamp.Equal(sendTime) && h.Conversation(self) == conversation {
			return m
		}
	}
	return nil
}

// findAuthoredLocked prefers the one-to-one conversation with author and
// falls back to any conversation.
func (l *Ledger) findAuthoredLocked(author *entity.Contact, sendTime timestamp.Timestamp) message.Message {
	if m := l.findLocked(author, sendTime, message.ConversationWith(author)); m != nil {
		return m
	}
	for _, m := range l.messages {
		h := m.Head()
		if h.Sender == author && h.Timestamp.Equal(sendTime) {
			return m
		}
	}
	return nil
}
