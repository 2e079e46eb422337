package ledger

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/timestamp"
)

// ReconcileReaction folds r into its target's reaction set and reports
// whether the target was found. The target is searched in the conversation
// the reaction was posted in. A reaction whose target is not stored yet is
// buffered and retried whenever content is appended.
//
// A removal that names no live reaction is reported as an error wrapping
// message.ErrNoReaction; the target was still found.
func (l *Ledger) ReconcileReaction(r *message.Reaction) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := l.reactionTargetLocked(r)
	if target == nil {
		l.bufferReactionLocked(r)
		return false, l.persistLocked()
	}

	changed, err := target.ReactionSet().Parse(r)
	if err != nil {
		return true, fmt.Errorf("reconcile reaction: %w", err)
	}
	if !changed {
		return true, nil
	}
	return true, l.persistLocked()
}

func (l *Ledger) reactionTargetLocked(r *message.Reaction) message.Reactable {
	conversation := r.Conversation(l.resolver.Self())
	m := l.findLocked(r.TargetAuthor, r.TargetTimestamp, conversation)
	if m == nil {
		return nil
	}
	target, ok := m.(message.Reactable)
	if !ok {
		return nil
	}
	return target
}

func (l *Ledger) bufferReactionLocked(r *message.Reaction) {
	l.pending = append(l.pending, r)
	if over := len(l.pending) - l.maxPending; over > 0 {
		l.log.Warn("pending reaction buffer full, dropping oldest", zap.Int("dropped", over))
		l.pending = append([]*message.Reaction(nil), l.pending[over:]...)
	}
}

// retryPendingLocked applies buffered reactions whose target now exists.
func (l *Ledger) retryPendingLocked() bool {
	if len(l.pending) == 0 {
		return false
	}
	changed := false
	remaining := l.pending[:0:0]
	for _, r := range l.pending {
		target := l.reactionTargetLocked(r)
		if target == nil {
			remaining = append(remaining, r)
			continue
		}
		changed = true
		if _, err := target.ReactionSet().Parse(r); err != nil {
			l.log.Debug("buffered reaction rejected", zap.Error(err))
		}
	}
	l.pending = remaining
	return changed
}

// ReconcileReceipt applies r, then every buffered receipt, to the sent
// messages whose send time matches a target. Targets with no match are
// buffered, one entry per target, for a later pass. It returns the number of
// targets that matched in this pass.
func (l *Ledger) ReconcileReceipt(r *message.Receipt) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	matched, changed := l.reconcileReceiptsLocked(r)
	if matched == 0 && !changed {
		return 0, nil
	}
	return matched, l.persistLocked()
}

// Retry re-runs reconciliation for the buffered receipts and reactions
// without a new event. It returns the number of receipt targets matched.
func (l *Ledger) Retry() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	matched, changed := l.reconcileReceiptsLocked(nil)
	if l.retryPendingLocked() {
		changed = true
	}
	if matched == 0 && !changed {
		return 0, nil
	}
	return matched, l.persistLocked()
}

// reconcileReceiptsLocked walks [r, *buffer]. The new receipt is tried first
// so it sees the current ledger before anything buffered does. The rebuilt
// buffer keeps arrival order so eviction drops the oldest entries.
func (l *Ledger) reconcileReceiptsLocked(r *message.Receipt) (matched int, bufferChanged bool) {
	var fresh []*message.Receipt
	if r != nil {
		for _, target := range r.Targets {
			if l.applyReceiptLocked(r, target) {
				matched++
				continue
			}
			fresh = append(fresh, r.ForTarget(target))
		}
	}

	kept := l.unmatched[:0:0]
	for _, buffered := range l.unmatched {
		if l.applyReceiptLocked(buffered, buffered.Targets[0]) {
			matched++
			continue
		}
		kept = append(kept, buffered)
	}

	bufferChanged = len(kept) != len(l.unmatched) || len(fresh) > 0
	l.unmatched = append(kept, fresh...)
	if over := len(l.unmatched) - l.maxUnmatched; over > 0 {
		l.log.Warn("unmatched receipt buffer full, dropping oldest", zap.Int("dropped", over))
		l.unmatched = append([]*message.Receipt(nil), l.unmatched[over:]...)
	}
	return matched, bufferChanged
}

// applyReceiptLocked applies r to every sent message sent at target.
func (l *Ledger) applyReceiptLocked(r *message.Receipt, target timestamp.Timestamp) bool {
	found := false
	for _, m := range l.messages {
		sent, ok := m.(*message.Sent)
		if !ok || !sent.Timestamp.Equal(target) {
			continue
		}
		found = true
		sent.ApplyReceipt(r.ForTarget(target))
	}
	if !found {
		l.log.Debug("receipt target not found",
			zap.String("sender", r.Sender.ID()),
			zap.Int64("target", target.Millis()))
	}
	return found
}

// ReconcileReadSync marks read every message a linked device reported as
// read. A reference names only author and send time, so group messages are
// matched as well as the one-to-one conversation with the author. No outbound read receipt is sent for these. It returns the number of
// messages that changed.
func (l *Ledger) ReconcileReadSync(s *message.Sync) (int, error) {
	if s.SyncType != message.SyncReadMessages {
		return 0, errors.New("reconcile read sync: not a read-messages sync")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := 0
	for _, ref := range s.ReadMessages {
		m := l.findAuthoredLocked(ref.Sender, ref.Timestamp)
		if m == nil {
			l.log.Debug("read sync target not found",
				zap.String("sender", ref.Sender.ID()),
				zap.Int64("timestamp", ref.Timestamp.Millis()))
			continue
		}
		var marked bool
		if recv, ok := m.(*message.Received); ok {
			marked = recv.MarkRead(s.Timestamp)
		} else {
			marked = m.Head().MarkRead(s.Timestamp)
		}
		if marked {
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, l.persistLocked()
}

// SweepExpired removes every received message whose expiry time has passed
// and persists the result, even when nothing was removed. It returns the
// number of messages removed.
func (l *Ledger) SweepExpired() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.messages[:0:0]
	removed := 0
	for _, m := range l.messages {
		if recv, ok := m.(*message.Received); ok && message.Expired(recv, now) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	l.messages = kept
	if removed > 0 {
		l.log.Debug("expired messages removed", zap.Int("count", removed))
	}
	return removed, l.persistLocked()
}

// MarkReceived records that a received message was read or viewed locally
// at when, starting its expiry window.
func (l *Ledger) MarkReceived(m *message.Received, kind message.ReceiptKind, when timestamp.Timestamp) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changed bool
	switch kind {
	case message.ReceiptRead:
		changed = m.MarkRead(when)
	case message.ReceiptViewed:
		changed = m.MarkViewed(when)
	default:
		return false, fmt.Errorf("mark received: unsupported kind %q", kind)
	}
	if !changed {
		return false, nil
	}
	return true, l.persistLocked()
}

// UnmatchedCount returns the size of the unmatched receipt buffer.
func (l *Ledger) UnmatchedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.unmatched)
}

// PendingCount returns the number of buffered reactions.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
