package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/rpc"
	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

// delivery is one listener call produced by processing an envelope. Only the
// envelope's primary record also goes to the catch-all listener.
type delivery struct {
	listener Listener
	msg      message.Message
	primary  bool
}

// outcome is what applying an envelope to the ledger produced.
type outcome struct {
	deliveries []delivery
	refresh    string
}

// ProcessFrame handles one inbound frame. A daemon error attached to a
// receive notification is returned as fatal; undecodable envelopes are
// logged and skipped. It reports whether a listener asked the engine to
// stop.
func (e *Engine) ProcessFrame(f *rpc.Frame) (bool, error) {
	if !f.IsNotification() {
		e.log.Debug("ignoring response frame", zap.ByteString("id", f.ID))
		return false, nil
	}
	if f.Method != "receive" {
		e.log.Debug("ignoring notification", zap.String("method", f.Method))
		return false, nil
	}
	if f.Error != nil {
		return false, fmt.Errorf("receive notification: %w", f.Error)
	}

	params, env, err := types.DecodeReceive(f.Params)
	var protocolErr *types.ProtocolError
	switch {
	case errors.As(err, &protocolErr):
		return false, fmt.Errorf("receive notification: %w", err)
	case err != nil:
		e.malformed("malformed receive notification", err)
		return false, nil
	}
	if params.Account != "" && params.Account != e.account {
		e.log.Debug("envelope for another account", zap.String("to", params.Account))
		return false, nil
	}
	if err := env.Validate(); err != nil {
		e.malformed("malformed envelope", err)
		return false, nil
	}
	return e.Process(env)
}

// Process folds a validated envelope into the ledger, then runs the
// listeners and, when enabled, the expiry sweep. Ledger mutation waits for
// any in-flight send on the account to finish; listeners run after the gate
// is released.
func (e *Engine) Process(env *types.Envelope) (bool, error) {
	var out outcome
	err := e.ledger.Gate().Receive(func() error {
		var err error
		out, err = e.apply(env)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("process %s envelope: %w", env.Kind(), err)
	}
	e.observer.EnvelopeProcessed(e.account, env.Kind())

	e.refreshAfterSync(out.refresh)
	stop := e.dispatch(out.deliveries)

	if e.expiry {
		n, err := e.ledger.SweepExpired()
		if err != nil {
			return stop, fmt.Errorf("sweep expired: %w", err)
		}
		if n > 0 {
			e.observer.MessagesExpired(e.account, n)
		}
	}
	e.observer.BuffersChanged(e.account, e.ledger.UnmatchedCount(), e.ledger.PendingCount())
	return stop, nil
}

func (e *Engine) dispatch(deliveries []delivery) bool {
	stop := false
	for _, d := range deliveries {
		verdict := call(d.listener, d.msg)
		if d.primary {
			if all := call(e.listeners.All, d.msg); verdict == NoVerdict {
				verdict = all
			}
		}
		if verdict == Stop {
			stop = true
		}
	}
	return stop
}

func call(l Listener, m message.Message) Verdict {
	if l == nil {
		return NoVerdict
	}
	return l(m)
}

func (e *Engine) refreshAfterSync(kind string) {
	if kind == "" || e.refresher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch kind {
	case types.SyncContacts:
		err = e.refresher.RefreshContacts(ctx)
	case types.SyncGroups:
		err = e.refresher.RefreshGroups(ctx)
	}
	if err != nil {
		e.log.Warn("refresh after sync failed", zap.String("type", kind), zap.Error(err))
	}
}

// apply runs under the gate.
func (e *Engine) apply(env *types.Envelope) (outcome, error) {
	_, sender := e.dir.GetOrAddContact(env.Sender())
	device := e.device(sender, env.SourceDevice)

	switch env.Kind() {
	case types.KindData:
		return e.applyData(env, sender, device)
	case types.KindReceipt:
		return e.applyReceipt(env, sender, device)
	case types.KindSync:
		return e.applySync(env, sender, device)
	case types.KindTyping:
		return e.applyTyping(env, sender, device)
	case types.KindStory:
		return e.applyStory(env, sender, device)
	case types.KindCall:
		raw, err := json.Marshal(env.CallMessage)
		if err != nil {
			return outcome{}, fmt.Errorf("encode call message: %w", err)
		}
		m := message.NewCall(sender, e.dir.Self(), device, env.Timestamp, raw)
		return single(e.listeners.Call, m), nil
	default:
		e.log.Info("skipping unsupported envelope",
			zap.String("sender", sender.ID()),
			zap.Int64("timestamp", env.Timestamp.Millis()))
		return outcome{}, nil
	}
}

func single(l Listener, m message.Message) outcome {
	return outcome{deliveries: []delivery{{listener: l, msg: m, primary: true}}}
}

func (e *Engine) device(owner *entity.Contact, id int) *entity.Device {
	if id == 0 {
		return nil
	}
	_, d := e.dir.GetOrAddDevice(owner, id)
	return d
}

// recipient is the group named by groupID, or the account itself.
func (e *Engine) recipient(groupID string) entity.Recipient {
	if groupID == "" {
		return e.dir.Self()
	}
	_, g := e.dir.GetOrAddGroup(groupID)
	return g
}

func (e *Engine) contact(addr types.Address) *entity.Contact {
	if addr.IsZero() {
		return nil
	}
	_, c := e.dir.GetOrAddContact(addr)
	return c
}

func sendTime(dm *types.DataMessage, env *types.Envelope) timestamp.Timestamp {
	if !dm.Timestamp.IsZero() {
		return dm.Timestamp
	}
	return env.Timestamp
}

func (e *Engine) applyData(env *types.Envelope, sender *entity.Contact, device *entity.Device) (outcome, error) {
	dm := env.DataMessage
	groupID := ""
	if dm.GroupInfo != nil {
		groupID = dm.GroupInfo.GroupID
	}
	recipient := e.recipient(groupID)
	at := sendTime(dm, env)

	switch {
	case dm.Reaction != nil:
		wr := dm.Reaction
		r := message.NewReaction(sender, recipient, device, at, wr.Emoji,
			e.contact(wr.TargetAuthor()), wr.TargetSentTimestamp, wr.IsRemove)
		found, err := e.ledger.ReconcileReaction(r)
		if errors.Is(err, message.ErrNoReaction) {
			e.log.Debug("reaction removal without a live reaction", zap.Stringer("reaction", r))
		} else if err != nil {
			return outcome{}, err
		}
		if !found {
			e.log.Debug("reaction target not stored yet, buffered", zap.Stringer("reaction", r))
		}
		return single(e.listeners.Reaction, r), nil

	case dm.IsGroupUpdate():
		g, ok := recipient.(*entity.Group)
		if !ok {
			e.malformed("group update without a group id", types.ErrMalformed)
			return outcome{}, nil
		}
		m := message.NewGroupUpdate(sender, g, device, at)
		m.Body = dm.Message
		if err := e.ledger.Append(m); err != nil {
			return outcome{}, err
		}
		return single(e.listeners.Sync, m), nil
	}

	var out outcome
	// A sender cannot still be typing once their message has arrived, and
	// the daemon does not always send the STOPPED event.
	if sender.IsTyping() {
		sender.SetTyping(false)
		stopped := message.NewTyping(sender, recipient, device, env.Timestamp, message.TypingStopped)
		stopped.Synthesized = true
		if err := e.ledger.Append(stopped); err != nil {
			return outcome{}, err
		}
		out.deliveries = append(out.deliveries, delivery{listener: e.listeners.Typing, msg: stopped})
	}

	m := message.NewReceived(sender, recipient, device, at)
	e.fillContent(&m.Content, dm)
	if err := e.ledger.Append(m); err != nil {
		return outcome{}, err
	}
	out.deliveries = append(out.deliveries, delivery{listener: e.listeners.Received, msg: m, primary: true})
	return out, nil
}

func (e *Engine) fillContent(c *message.Content, dm *types.DataMessage) {
	c.Body = dm.Message
	c.ExpiresIn = time.Duration(dm.ExpiresInSeconds) * time.Second
	c.Attachments = len(dm.Attachments)
	if q := dm.Quote; q != nil {
		if author := e.contact(q.AuthorAddress()); author != nil {
			c.Quote = &message.Quote{Author: author, Timestamp: q.ID, Text: q.Text}
		}
	}
	for _, mention := range dm.Mentions {
		who := e.contact(types.Address{Number: mention.Number, UUID: mention.UUID, Name: mention.Name})
		if who == nil {
			continue
		}
		c.Mentions = append(c.Mentions, message.Mention{Contact: who, Start: mention.Start, Length: mention.Length})
	}
}

func (e *Engine) applyReceipt(env *types.Envelope, sender *entity.Contact, device *entity.Device) (outcome, error) {
	rm := env.ReceiptMessage
	var kind message.ReceiptKind
	switch {
	case rm.IsDelivery:
		kind = message.ReceiptDelivered
	case rm.IsRead:
		kind = message.ReceiptRead
	case rm.IsViewed:
		kind = message.ReceiptViewed
	default:
		e.malformed("receipt without a kind", types.ErrMalformed)
		return outcome{}, nil
	}
	when := rm.When
	if when.IsZero() {
		when = env.Timestamp
	}

	r := message.NewReceipt(sender, e.dir.Self(), device, env.Timestamp, kind, when, rm.Timestamps)
	matched, err := e.ledger.ReconcileReceipt(r)
	if err != nil {
		return outcome{}, err
	}
	if matched < len(rm.Timestamps) {
		e.log.Debug("receipt targets buffered",
			zap.String("sender", sender.ID()),
			zap.Int("matched", matched),
			zap.Int("targets", len(rm.Timestamps)))
	}
	return single(e.listeners.Receipt, r), nil
}

func (e *Engine) applySync(env *types.Envelope, sender *entity.Contact, device *entity.Device) (outcome, error) {
	sm := env.SyncMessage
	if sm.IsEmpty() {
		e.log.Debug("skipping empty sync message")
		return outcome{}, nil
	}

	var s *message.Sync
	var refresh string
	switch {
	case len(sm.ReadMessages) > 0:
		s = message.NewSync(sender, device, env.Timestamp, message.SyncReadMessages)
		for i := range sm.ReadMessages {
			rs := &sm.ReadMessages[i]
			author := e.contact(rs.SenderAddress())
			if author == nil {
				continue
			}
			s.ReadMessages = append(s.ReadMessages, message.ReadRef{Sender: author, Timestamp: rs.Timestamp})
		}
		if err := e.ledger.Append(s); err != nil {
			return outcome{}, err
		}
		if _, err := e.ledger.ReconcileReadSync(s); err != nil {
			return outcome{}, err
		}
		return single(e.listeners.Sync, s), nil

	case sm.SentMessage != nil:
		sent := sm.SentMessage
		s = message.NewSync(sender, device, env.Timestamp, message.SyncSentMessage)
		s.SentTimestamp = timestamp.Ptr(sent.Timestamp)
		if err := e.ledger.Append(s); err != nil {
			return outcome{}, err
		}
		if err := e.appendSentSync(sent, device); err != nil {
			return outcome{}, err
		}
		return single(e.listeners.Sync, s), nil

	case sm.BlockedNumbers != nil || sm.BlockedGroupIDs != nil:
		e.dir.ApplyBlocked(sm.BlockedNumbers, sm.BlockedGroupIDs)
		s = message.NewSync(sender, device, env.Timestamp, message.SyncBlocked)
		s.BlockedNumbers = sm.BlockedNumbers
		s.BlockedGroups = sm.BlockedGroupIDs

	case sm.Type == types.SyncContacts:
		s = message.NewSync(sender, device, env.Timestamp, message.SyncContacts)
		refresh = sm.Type

	case sm.Type == types.SyncGroups:
		s = message.NewSync(sender, device, env.Timestamp, message.SyncGroups)
		refresh = sm.Type

	default:
		e.log.Warn("skipping unknown sync message", zap.String("type", sm.Type))
		return outcome{}, nil
	}

	if err := e.ledger.Append(s); err != nil {
		return outcome{}, err
	}
	out := single(e.listeners.Sync, s)
	out.refresh = refresh
	return out, nil
}

// appendSentSync stores what a linked device sent. Content is stored as a
// Sent message so receipts for it can match. Reactions are folded into
// their target and group updates are recorded as such.
func (e *Engine) appendSentSync(sent *types.SentSync, device *entity.Device) error {
	var recipient entity.Recipient
	if sent.GroupInfo != nil && sent.GroupInfo.GroupID != "" {
		recipient = e.recipient(sent.GroupInfo.GroupID)
	} else if c := e.contact(sent.DestinationAddress()); c != nil {
		recipient = c
	} else {
		e.log.Debug("sent sync without destination", zap.Int64("timestamp", sent.Timestamp.Millis()))
		return nil
	}
	self := e.dir.Self()

	switch {
	case sent.Reaction != nil:
		wr := sent.Reaction
		author := e.contact(wr.TargetAuthor())
		if author == nil || wr.TargetSentTimestamp.IsZero() {
			e.malformed("synced reaction without target", types.ErrMalformed)
			return nil
		}
		r := message.NewReaction(self, recipient, device, sent.Timestamp, wr.Emoji, author, wr.TargetSentTimestamp, wr.IsRemove)
		_, err := e.ledger.ReconcileReaction(r)
		if errors.Is(err, message.ErrNoReaction) {
			e.log.Debug("synced reaction removal without a live reaction", zap.Stringer("reaction", r))
			return nil
		}
		return err

	case sent.IsGroupUpdate():
		g, ok := recipient.(*entity.Group)
		if !ok {
			e.malformed("synced group update without a group id", types.ErrMalformed)
			return nil
		}
		m := message.NewGroupUpdate(self, g, device, sent.Timestamp)
		m.Body = sent.Message
		return e.ledger.Append(m)
	}

	m := message.NewSent(self, recipient, device, sent.Timestamp)
	m.Body = sent.Message
	m.ExpiresIn = time.Duration(sent.ExpiresInSeconds) * time.Second
	return e.ledger.Append(m)
}

func (e *Engine) applyTyping(env *types.Envelope, sender *entity.Contact, device *entity.Device) (outcome, error) {
	tm := env.TypingMessage
	at := tm.Timestamp
	if at.IsZero() {
		at = env.Timestamp
	}
	action := message.TypingAction(tm.Action)
	sender.SetTyping(action == message.TypingStarted)

	m := message.NewTyping(sender, e.recipient(tm.GroupID), device, at, action)
	if err := e.ledger.Append(m); err != nil {
		return outcome{}, err
	}
	return single(e.listeners.Typing, m), nil
}

func (e *Engine) applyStory(env *types.Envelope, sender *entity.Contact, device *entity.Device) (outcome, error) {
	sm := env.StoryMessage
	m := message.NewStory(sender, e.recipient(sm.GroupID), device, env.Timestamp)
	m.AllowsReplies = sm.AllowsReplies
	if sm.TextAttachment != nil {
		m.Text = sm.TextAttachment.Text
	}
	m.HasFile = len(sm.FileAttachment) > 0
	if err := e.ledger.Append(m); err != nil {
		return outcome{}, err
	}
	return single(e.listeners.Story, m), nil
}
