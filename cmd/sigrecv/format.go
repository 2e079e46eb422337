package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/message"
)

const (
	ansiDim   = "\x1b[2m"
	ansiBold  = "\x1b[1m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

// formatter renders ledger records one per line.
type formatter struct {
	color bool
	now   func() time.Time
}

func newFormatter(w io.Writer) formatter {
	return formatter{color: colorEnabled(w), now: time.Now}
}

// colorEnabled reports whether w is a terminal and NO_COLOR is unset.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (f formatter) paint(code, s string) string {
	if !f.color || s == "" {
		return s
	}
	return code + s + ansiReset
}

// Line renders m as "<when> <from> -> <to>: <summary> [flags]".
func (f formatter) Line(m message.Message) string {
	h := m.Head()
	when := humanize.RelTime(h.Timestamp.Time(), f.now(), "ago", "from now")

	var b strings.Builder
	b.WriteString(f.paint(ansiDim, when))
	b.WriteByte(' ')
	b.WriteString(f.paint(ansiBold, displayName(h.Sender)))
	if h.Recipient != nil && h.Recipient != entity.Recipient(h.Sender) {
		b.WriteString(" -> ")
		b.WriteString(displayName(h.Recipient))
	}
	b.WriteString(": ")
	b.WriteString(summary(m))
	if flags := statusFlags(h); flags != "" {
		b.WriteString("  ")
		b.WriteString(f.paint(ansiGreen, "["+flags+"]"))
	}
	return b.String()
}

func displayName(r entity.Recipient) string {
	switch v := r.(type) {
	case nil:
		return "unknown"
	case *entity.Contact:
		if v == nil {
			return "unknown"
		}
	case *entity.Group:
		if v == nil {
			return "unknown"
		}
		return "#" + v.DisplayName()
	}
	return r.DisplayName()
}

func summary(m message.Message) string {
	switch v := m.(type) {
	case *message.Received:
		return contentSummary(&v.Content)
	case *message.Sent:
		return contentSummary(&v.Content)
	case *message.GroupUpdate:
		if v.Body != "" {
			return "updated the group: " + v.Body
		}
		return "updated the group"
	case *message.Sync:
		return "synced " + strings.ReplaceAll(string(v.SyncType), "_", " ")
	case *message.Typing:
		s := "typing " + strings.ToLower(string(v.Action))
		if v.Synthesized {
			s += " (inferred)"
		}
		return s
	case *message.Story:
		if v.Text != "" {
			return "story: " + v.Text
		}
		return "story"
	case *message.Receipt:
		return fmt.Sprintf("%s receipt for %s message(s)", v.Kind, humanize.Comma(int64(len(v.Targets))))
	case *message.Reaction:
		return v.String()
	case *message.Call:
		return "call"
	}
	return string(m.Head().Type)
}

func contentSummary(c *message.Content) string {
	var parts []string
	if c.Quote != nil && c.Quote.Text != "" {
		parts = append(parts, "> "+c.Quote.Text+" |")
	}
	if c.Body != "" {
		parts = append(parts, c.Body)
	}
	if c.Attachments > 0 {
		parts = append(parts, fmt.Sprintf("(+%d attachment(s))", c.Attachments))
	}
	if c.ExpiresIn > 0 {
		parts = append(parts, "(disappears after "+c.ExpiresIn.String()+")")
	}
	if n := c.Reactions.Len(); n > 0 {
		emoji := make([]string, 0, n)
		for _, r := range c.Reactions.All() {
			emoji = append(emoji, r.Emoji)
		}
		parts = append(parts, strings.Join(emoji, ""))
	}
	return strings.Join(parts, " ")
}

func statusFlags(h *message.Header) string {
	var flags []string
	if h.Delivered {
		flags = append(flags, "delivered")
	}
	if h.Read {
		flags = append(flags, "read")
	}
	if h.Viewed {
		flags = append(flags, "viewed")
	}
	return strings.Join(flags, ",")
}

// messageJSON is the --json rendering of a record.
type messageJSON struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Summary   string `json:"summary"`
	Delivered bool   `json:"delivered"`
	Read      bool   `json:"read"`
	Viewed    bool   `json:"viewed"`
}

func toJSON(m message.Message) messageJSON {
	h := m.Head()
	out := messageJSON{
		ID:        h.ID,
		Type:      string(h.Type),
		Timestamp: h.Timestamp.Millis(),
		Summary:   summary(m),
		Delivered: h.Delivered,
		Read:      h.Read,
		Viewed:    h.Viewed,
	}
	if h.Sender != nil {
		out.Sender = h.Sender.ID()
	}
	if h.Recipient != nil {
		out.Recipient = h.Recipient.RecipientID()
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
