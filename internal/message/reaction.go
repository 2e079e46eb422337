package message

import (
	"errors"
	"fmt"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/timestamp"
)

// ErrNoReaction is returned when a removal finds no live reaction from its
// sender.
var ErrNoReaction = errors.New("no matching reaction")

// Reaction is an emoji annotation on a target message. Its Recipient is the
// conversation the reaction was posted in.
type Reaction struct {
	Header
	Emoji           string
	TargetAuthor    *entity.Contact
	TargetTimestamp timestamp.Timestamp
	IsRemove        bool
	IsChange        bool
	PreviousEmoji   string
}

// NewReaction builds a reaction record.
func NewReaction(sender *entity.Contact, recipient entity.Recipient, device *entity.Device, ts timestamp.Timestamp, emoji string, targetAuthor *entity.Contact, target timestamp.Timestamp, remove bool) *Reaction {
	return &Reaction{
		Header:          NewHeader(TypeReaction, sender, recipient, device, ts),
		Emoji:           emoji,
		TargetAuthor:    targetAuthor,
		TargetTimestamp: target,
		IsRemove:        remove,
	}
}

// Same reports whether r and other have the same identity: sender, target
// and emoji. The wire protocol assigns reactions no id.
func (r *Reaction) Same(other *Reaction) bool {
	return r.Sender == other.Sender &&
		r.TargetAuthor == other.TargetAuthor &&
		r.TargetTimestamp.Equal(other.TargetTimestamp) &&
		r.Emoji == other.Emoji
}

func (r *Reaction) String() string {
	verb := "reacted"
	switch {
	case r.IsRemove:
		verb = "removed"
	case r.IsChange:
		verb = "changed " + r.PreviousEmoji + " to"
	}
	return fmt.Sprintf("%s %s %s on %s", r.Sender.DisplayName(), verb, r.Emoji, r.TargetTimestamp)
}

// ReactionSet holds at most one live reaction per sender.
type ReactionSet struct {
	items []*Reaction
}

// Parse folds incoming into the set and reports whether the set changed.
//
// A removal drops the sender's live reaction whatever its emoji, and fails
// with ErrNoReaction only if the sender has none. An add from a sender with no live
// reaction is stored as is. An add from a sender with a different live emoji
// replaces it and marks incoming as a change. Re-applying a reaction that is
// already live is a no-op.
func (s *ReactionSet) Parse(incoming *Reaction) (bool, error) {
	idx := s.indexOf(incoming.Sender)

	if incoming.IsRemove {
		if idx < 0 {
			return false, fmt.Errorf("remove %s from %s: %w", incoming.Emoji, incoming.Sender.DisplayName(), ErrNoReaction)
		}
		s.items = append(s.items[:idx], s.items[idx+1:]...)
		return true, nil
	}

	if idx < 0 {
		s.items = append(s.items, incoming)
		return true, nil
	}

	existing := s.items[idx]
	if existing.Same(incoming) {
		return false, nil
	}
	incoming.IsChange = true
	incoming.PreviousEmoji = existing.Emoji
	s.items[idx] = incoming
	return true, nil
}

// From returns the live reaction from sender, if any.
func (s *ReactionSet) From(sender *entity.Contact) (*Reaction, bool) {
	idx := s.indexOf(sender)
	if idx < 0 {
		return nil, false
	}
	return s.items[idx], true
}

// All returns the live reactions in arrival order.
func (s *ReactionSet) All() []*Reaction {
	out := make([]*Reaction, len(s.items))
	copy(out, s.items)
	return out
}

func (s *ReactionSet) Len() int { return len(s.items) }

func (s *ReactionSet) indexOf(sender *entity.Contact) int {
	for i, r := range s.items {
		if r.Sender == sender {
			return i
		}
	}
	return -1
}
