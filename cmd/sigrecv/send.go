package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/sigrecv/internal/account"
	"github.com/leonletto/sigrecv/internal/entity"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send a message",
		Long: `Send a message to a contact or group and record it in the ledger.

Examples:
  sigrecv send --to +15551234567 "hello"
  sigrecv send --group dGVzdA== "hello all"
  sigrecv send --to +15551234567 --quote-author +15551234567 --quote-timestamp 1700000000000 "agreed"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			group, _ := cmd.Flags().GetString("group")
			quoteAuthor, _ := cmd.Flags().GetString("quote-author")
			quoteTS, _ := cmd.Flags().GetInt64("quote-timestamp")

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

			recipient, err := resolveRecipient(a, to, group)
			if err != nil {
				return err
			}

			var quote *message.Quote
			if quoteAuthor != "" {
				_, author := a.Directory().GetOrAddContact(types.ParseAddress(quoteAuthor))
				quote = &message.Quote{Author: author, Timestamp: timestamp.FromMillis(quoteTS)}
				if quoted := a.Ledger().FindQuoted(quote, message.ConversationWith(recipient)); quoted != nil {
					if c := contentOf(quoted); c != nil {
						quote.Text = c.Body
					}
				}
			}

			sent, err := a.SendMessage(cmd.Context(), recipient, args[0], quote)
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(cmd.OutOrStdout(), toJSON(sent))
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Sent to %s at %d\n", recipient.DisplayName(), sent.Timestamp.Millis())
			return nil
		},
	}

	cmd.Flags().String("to", "", "Recipient phone number or uuid")
	cmd.Flags().String("group", "", "Recipient group id")
	cmd.Flags().String("quote-author", "", "Author of the quoted message")
	cmd.Flags().Int64("quote-timestamp", 0, "Send time (ms) of the quoted message")
	cmd.MarkFlagsMutuallyExclusive("to", "group")
	cmd.MarkFlagsRequiredTogether("quote-author", "quote-timestamp")
	return cmd
}

func reactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "react EMOJI",
		Short: "React to a stored message",
		Long: `React to a message in the ledger, or remove a reaction with --remove.

The target is named by its author and send time within the conversation
given by --to or --group.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			group, _ := cmd.Flags().GetString("group")
			author, _ := cmd.Flags().GetString("author")
			target, _ := cmd.Flags().GetInt64("timestamp")
			remove, _ := cmd.Flags().GetBool("remove")

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

			conversation, err := resolveRecipient(a, to, group)
			if err != nil {
				return err
			}
			authorContact := a.Directory().Self()
			if author != "" {
				_, authorContact = a.Directory().GetOrAddContact(types.ParseAddress(author))
			}
			m := a.Ledger().Find(authorContact, timestamp.FromMillis(target), message.ConversationWith(conversation))
			reactable, ok := m.(message.Reactable)
			if !ok {
				return fmt.Errorf("no message from %s at %d in this conversation", authorContact.DisplayName(), target)
			}

			reaction, err := a.SendReaction(cmd.Context(), reactable, args[0], remove)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "✓ "+reaction.String())
			return nil
		},
	}

	cmd.Flags().String("to", "", "Conversation contact (phone number or uuid)")
	cmd.Flags().String("group", "", "Conversation group id")
	cmd.Flags().String("author", "", "Author of the target message (default: this account)")
	cmd.Flags().Int64("timestamp", 0, "Send time (ms) of the target message")
	cmd.Flags().Bool("remove", false, "Remove the reaction instead of adding it")
	cmd.MarkFlagsMutuallyExclusive("to", "group")
	_ = cmd.MarkFlagRequired("timestamp")
	return cmd
}

// resolveRecipient turns --to or --group into a directory entry.
func resolveRecipient(a *account.Account, to, group string) (entity.Recipient, error) {
	switch {
	case group != "":
		_, g := a.Directory().GetOrAddGroup(group)
		return g, nil
	case to != "":
		_, c := a.Directory().GetOrAddContact(types.ParseAddress(to))
		if c == nil {
			return nil, fmt.Errorf("invalid recipient %q", to)
		}
		return c, nil
	}
	return nil, errors.New("a recipient is required: use --to or --group")
}

func contentOf(m message.Message) *message.Content {
	switch v := m.(type) {
	case *message.Received:
		return &v.Content
	case *message.Sent:
		return &v.Content
	}
	return nil
}
