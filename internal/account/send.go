package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

// SendError is returned when the daemon answered a send but reported no
// recipient as successful.
type SendError struct {
	Method  string
	Results []message.SendResult
}

func (e *SendError) Error() string {
	if len(e.Results) == 0 {
		return e.Method + ": daemon returned no results"
	}
	outcomes := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		name := "unknown"
		if r.Recipient != nil {
			name = r.Recipient.DisplayName()
		}
		outcomes = append(outcomes, name+"="+r.Type)
	}
	return fmt.Sprintf("%s: not delivered (%s)", e.Method, strings.Join(outcomes, ", "))
}

type sendResponse struct {
	Timestamp timestamp.Timestamp `json:"timestamp"`
	Results   []sendResultEntry   `json:"results"`
}

type sendResultEntry struct {
	RecipientAddress types.Address `json:"recipientAddress"`
	GroupID          string        `json:"groupId,omitempty"`
	Type             string        `json:"type"`
}

func (a *Account) results(entries []sendResultEntry) []message.SendResult {
	results := make([]message.SendResult, 0, len(entries))
	for _, e := range entries {
		_, contact := a.dir.GetOrAddContact(e.RecipientAddress)
		results = append(results, message.SendResult{Recipient: contact, Type: e.Type})
	}
	return results
}

func delivered(results []message.SendResult) bool {
	for _, r := range results {
		if r.Type == message.SendSuccess {
			return true
		}
	}
	return false
}

func setRecipient(params map[string]any, to entity.Recipient) {
	if to.RecipientKind() == entity.KindGroup {
		params["groupId"] = to.RecipientID()
		return
	}
	params["recipient"] = []string{to.RecipientID()}
}

// conversationOf returns the contact or group a message belongs to, from the
// account's point of view.
func (a *Account) conversationOf(h *message.Header) entity.Recipient {
	if h.IsGroup() || h.Sender == a.dir.Self() {
		return h.Recipient
	}
	return h.Sender
}

// SendMessage sends body to a contact or group and records the sent message
// in the ledger once at least one recipient accepted it.
func (a *Account) SendMessage(ctx context.Context, to entity.Recipient, body string, quote *message.Quote) (*message.Sent, error) {
	if to == nil {
		return nil, errors.New("send message: no recipient")
	}
	params := map[string]any{"message": body}
	setRecipient(params, to)
	if quote != nil && quote.Author != nil {
		params["quoteTimestamp"] = quote.Timestamp.Millis()
		params["quoteAuthor"] = quote.Author.ID()
		params["quoteMessage"] = quote.Text
	}

	gate := a.ledger.Gate()
	gate.BeginSend()
	defer gate.EndSend()

	var resp sendResponse
	if err := a.call(ctx, "send", params, &resp); err != nil {
		return nil, err
	}
	results := a.results(resp.Results)
	if !delivered(results) {
		return nil, &SendError{Method: "send", Results: results}
	}

	sent := message.NewSent(a.dir.Self(), to, a.device, resp.Timestamp)
	sent.Body = body
	sent.Quote = quote
	sent.Results = results
	if err := a.ledger.Append(sent); err != nil {
		return nil, fmt.Errorf("record sent message: %w", err)
	}
	a.log.Debug("message sent",
		zap.String("recipient", to.RecipientID()),
		zap.Stringer("timestamp", resp.Timestamp))
	return sent, nil
}

// SendReaction reacts to target with emoji, or removes the account's
// reaction when remove is set. The reaction is folded into the target's
// reaction set once the daemon accepts it.
func (a *Account) SendReaction(ctx context.Context, target message.Reactable, emoji string, remove bool) (*message.Reaction, error) {
	h := target.Head()
	if h.Sender == nil {
		return nil, errors.New("send reaction: target has no author")
	}
	conversation := a.conversationOf(h)
	params := map[string]any{
		"emoji":           emoji,
		"targetAuthor":    h.Sender.ID(),
		"targetTimestamp": h.Timestamp.Millis(),
		"remove":          remove,
	}
	setRecipient(params, conversation)

	gate := a.ledger.Gate()
	gate.BeginSend()
	defer gate.EndSend()

	var resp sendResponse
	if err := a.call(ctx, "sendReaction", params, &resp); err != nil {
		return nil, err
	}
	results := a.results(resp.Results)
	if len(results) == 0 || results[0].Type != message.SendSuccess {
		return nil, &SendError{Method: "sendReaction", Results: results}
	}

	reaction := message.NewReaction(a.dir.Self(), conversation, a.device, resp.Timestamp, emoji, h.Sender, h.Timestamp, remove)
	if _, err := a.ledger.ReconcileReaction(reaction); err != nil {
		return nil, fmt.Errorf("record reaction: %w", err)
	}
	return reaction, nil
}

// MarkRead sends a read receipt for m and marks it read, starting its
// expiry window.
func (a *Account) MarkRead(ctx context.Context, m *message.Received) error {
	return a.sendReceipt(ctx, m, message.ReceiptRead)
}

// MarkViewed sends a viewed receipt for m and marks it viewed.
func (a *Account) MarkViewed(ctx context.Context, m *message.Received) error {
	return a.sendReceipt(ctx, m, message.ReceiptViewed)
}

func (a *Account) sendReceipt(ctx context.Context, m *message.Received, kind message.ReceiptKind) error {
	if m.Sender == nil {
		return fmt.Errorf("send %s receipt: message has no sender", kind)
	}
	params := map[string]any{
		"recipient":       m.Sender.ID(),
		"type":            string(kind),
		"targetTimestamp": []int64{m.Timestamp.Millis()},
	}

	gate := a.ledger.Gate()
	gate.BeginSend()
	defer gate.EndSend()

	var resp sendResponse
	if err := a.call(ctx, "sendReceipt", params, &resp); err != nil {
		return err
	}
	results := a.results(resp.Results)
	if len(results) > 0 && !delivered(results) {
		return &SendError{Method: "sendReceipt", Results: results}
	}

	when := resp.Timestamp
	if when.IsZero() {
		when = timestamp.Now()
	}
	if _, err := a.ledger.MarkReceived(m, kind, when); err != nil {
		return fmt.Errorf("mark %s: %w", kind, err)
	}
	return nil
}
