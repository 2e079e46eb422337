package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/leonletto/sigrecv/internal/account"
	"github.com/leonletto/sigrecv/internal/ledger"
	"github.com/leonletto/sigrecv/internal/message"
)

// listOptions selects what messagesCmd prints.
type listOptions struct {
	To        string
	Group     string
	Unread    bool
	Syncs     bool
	Typing    bool
	Pending   bool
	Limit     int
	JSON      bool
	Formatter formatter
}

func messagesCmd() *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List messages stored in the ledger",
		Long: `List the ledger of one account without contacting the daemon.

By default all sent and received messages are printed oldest first.
--to or --group restricts the list to one conversation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			a, err := openSingle(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			opts.JSON = flagJSON
			opts.Formatter = newFormatter(cmd.OutOrStdout())
			return listMessages(cmd.OutOrStdout(), a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "", "Only the conversation with this contact")
	cmd.Flags().StringVar(&opts.Group, "group", "", "Only the conversation in this group")
	cmd.Flags().BoolVar(&opts.Unread, "unread", false, "Only unread messages")
	cmd.Flags().BoolVar(&opts.Syncs, "syncs", false, "List sync records instead of messages")
	cmd.Flags().BoolVar(&opts.Typing, "typing", false, "List typing records instead of messages")
	cmd.Flags().BoolVar(&opts.Pending, "pending", false, "List buffered receipts and reactions that matched nothing yet")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "Show only the last N records")
	cmd.MarkFlagsMutuallyExclusive("to", "group")
	cmd.MarkFlagsMutuallyExclusive("syncs", "typing", "pending")
	return cmd
}

func listMessages(w io.Writer, a *account.Account, opts listOptions) error {
	l := a.Ledger()

	var records []message.Message
	switch {
	case opts.Syncs:
		records = l.Syncs()
	case opts.Typing:
		for _, t := range l.Typing() {
			records = append(records, t)
		}
	case opts.Pending:
		for _, r := range l.Unmatched() {
			records = append(records, r)
		}
		for _, r := range l.Pending() {
			records = append(records, r)
		}
	case opts.To != "" || opts.Group != "":
		target, err := resolveRecipient(a, opts.To, opts.Group)
		if err != nil {
			return err
		}
		filter := ledger.FilterNone
		if opts.Unread {
			filter = ledger.FilterUnread
		}
		records = l.FindConversation(target, filter)
	default:
		for _, m := range l.Messages() {
			if opts.Unread && m.Head().Read {
				continue
			}
			records = append(records, m)
		}
	}

	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[len(records)-opts.Limit:]
	}

	if opts.JSON {
		out := make([]messageJSON, 0, len(records))
		for _, m := range records {
			out = append(out, toJSON(m))
		}
		return writeJSON(w, out)
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No messages.")
		return err
	}
	for _, m := range records {
		if _, err := fmt.Fprintln(w, opts.Formatter.Line(m)); err != nil {
			return err
		}
	}
	return nil
}
