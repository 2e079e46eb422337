// Package ledger holds one account's messages and reconciles receipts and
// reactions against them.
//
// Every mutating operation writes the full snapshot through to the store
// before returning. All operations are safe for concurrent use.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/store"
	"github.com/leonletto/sigrecv/internal/timestamp"
)

// Default buffer limits.
const (
	DefaultMaxUnmatchedReceipts = 1000
	DefaultMaxPendingReactions  = 500
)

// ErrUnsupported is returned by Append for record types the ledger does not
// store.
var ErrUnsupported = errors.New("unsupported message type")

// Options configures a Ledger.
type Options struct {
	Store    store.Store
	Resolver entity.Resolver
	Logger   *zap.Logger

	// MaxUnmatchedReceipts caps the unmatched receipt buffer. Oldest
	// entries are evicted first.
	MaxUnmatchedReceipts int
	// MaxPendingReactions caps the buffer of reactions whose target has
	// not arrived yet.
	MaxPendingReactions int

	// Now overrides the clock used by SweepExpired.
	Now func() timestamp.Timestamp
}

// Ledger is the ordered store of one account's records.
type Ledger struct {
	mu       sync.Mutex
	store    store.Store
	resolver entity.Resolver
	log      *zap.Logger
	now      func() timestamp.Timestamp
	gate     Gate

	maxUnmatched int
	maxPending   int

	messages  []message.Message // *message.Sent and *message.Received
	syncs     []message.Message // *message.Sync and *message.GroupUpdate
	typing    []*message.Typing
	stories   []*message.Story
	unmatched []*message.Receipt
	pending   []*message.Reaction
}

// Open loads the ledger from opts.Store. A missing snapshot yields an empty
// ledger; an unreadable one is an error.
func Open(opts Options) (*Ledger, error) {
	if opts.Store == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("ledger requires a store and a resolver")
	}
	l := &Ledger{
		store:        opts.Store,
		resolver:     opts.Resolver,
		log:          opts.Logger,
		now:          opts.Now,
		maxUnmatched: opts.MaxUnmatchedReceipts,
		maxPending:   opts.MaxPendingReactions,
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	l.log = l.log.Named("ledger")
	if l.now == nil {
		l.now = timestamp.Now
	}
	if l.maxUnmatched <= 0 {
		l.maxUnmatched = DefaultMaxUnmatchedReceipts
	}
	if l.maxPending <= 0 {
		l.maxPending = DefaultMaxPendingReactions
	}

	snap, err := opts.Store.Load()
	if errors.Is(err, store.ErrNotFound) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := l.restore(snap); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	l.log.Debug("ledger loaded",
		zap.Int("messages", len(l.messages)),
		zap.Int("unmatched_receipts", len(l.unmatched)),
		zap.Int("pending_reactions", len(l.pending)))
	return l, nil
}

// Gate returns the send/receive gate for this ledger.
func (l *Ledger) Gate() *Gate {
	return &l.gate
}

// Self returns the account's own contact.
func (l *Ledger) Self() *entity.Contact {
	return l.resolver.Self()
}

// Append stores m in the sequence for its type and updates last-seen on its
// sender, device and recipient. Appending content retries buffered receipts
// and reactions that may now have a target.
func (l *Ledger) Append(m message.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch v := m.(type) {
	case *message.Sent, *message.Received:
		l.messages = append(l.messages, m)
	case *message.Sync, *message.GroupUpdate:
		l.syncs = append(l.syncs, m)
	case *message.Typing:
		l.typing = append(l.typing, v)
	case *message.Story:
		l.stories = append(l.stories, v)
	default:
		return fmt.Errorf("append %T: %w", m, ErrUnsupported)
	}
	touch(m.Head())

	if _, ok := m.(*message.Sent); ok && len(l.unmatched) > 0 {
		l.reconcileReceiptsLocked(nil)
	}
	if _, ok := m.(message.Reactable); ok {
		l.retryPendingLocked()
	}
	return l.persistLocked()
}

func touch(h *message.Header) {
	if h.Sender != nil {
		h.Sender.Seen(h.Timestamp)
	}
	if h.Device != nil {
		h.Device.Seen(h.Timestamp)
	}
	switch r := h.Recipient.(type) {
	case *entity.Contact:
		r.Seen(h.Timestamp)
	case *entity.Group:
		r.Seen(h.Timestamp)
	}
}

// persistLocked writes the full snapshot. Callers hold l.mu.
func (l *Ledger) persistLocked() error {
	snap := &store.Snapshot{}
	var err error
	if snap.Messages, err = encodeAll(l.messages); err != nil {
		return err
	}
	if snap.SyncMessages, err = encodeAll(l.syncs); err != nil {
		return err
	}
	if snap.TypingMessages, err = encodeAll(l.typing); err != nil {
		return err
	}
	if snap.StoryMessages, err = encodeAll(l.stories); err != nil {
		return err
	}
	if snap.UnmatchedReceipts, err = encodeAll(l.unmatched); err != nil {
		return err
	}
	if snap.PendingReactions, err = encodeAll(l.pending); err != nil {
		return err
	}
	if err := l.store.Save(snap); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func encodeAll[M message.Message](ms []M) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(ms))
	for _, m := range ms {
		data, err := message.Encode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (l *Ledger) restore(snap *store.Snapshot) error {
	var err error
	if l.messages, err = decodeAll[message.Message](snap.Messages, l.resolver, "messages", message.TypeSent, message.TypeReceived); err != nil {
		return err
	}
	if l.syncs, err = decodeAll[message.Message](snap.SyncMessages, l.resolver, "syncMessages", message.TypeSync, message.TypeGroupUpdate); err != nil {
		return err
	}
	if l.typing, err = decodeAll[*message.Typing](snap.TypingMessages, l.resolver, "typingMessages", message.TypeTyping); err != nil {
		return err
	}
	if l.stories, err = decodeAll[*message.Story](snap.StoryMessages, l.resolver, "storyMessages", message.TypeStory); err != nil {
		return err
	}
	if l.unmatched, err = decodeAll[*message.Receipt](snap.UnmatchedReceipts, l.resolver, "unmatchedReceipts", message.TypeReceipt); err != nil {
		return err
	}
	if l.pending, err = decodeAll[*message.Reaction](snap.PendingReactions, l.resolver, "pendingReactions", message.TypeReaction); err != nil {
		return err
	}
	return nil
}

func decodeAll[M message.Message](raw []json.RawMessage, r entity.Resolver, section string, allowed ...message.Type) ([]M, error) {
	out := make([]M, 0, len(raw))
	for i, data := range raw {
		m, err := message.Decode(data, r)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		if !typeAllowed(m.Head().Type, allowed) {
			return nil, fmt.Errorf("%s[%d]: unexpected %s record", section, i, m.Head().Type)
		}
		typed, ok := m.(M)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: unexpected %T", section, i, m)
		}
		out = append(out, typed)
	}
	return out, nil
}

func typeAllowed(t message.Type, allowed []message.Type) bool {
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}
