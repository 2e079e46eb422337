package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/jsonl"
	"github.com/leonletto/sigrecv/internal/paths"
	"github.com/leonletto/sigrecv/internal/receiver"
)

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [JOURNAL]",
		Short: "Rebuild the ledger from a receive journal",
		Long: `Feed a journal written with receive.journal enabled back through the
envelope processing path, without a daemon connection.

The journal defaults to the account's journal.jsonl. Replaying into a
ledger that already holds the same messages appends them again, so
replay is normally run against an empty data directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printRecords, _ := cmd.Flags().GetBool("print")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			// Replay must not journal what it reads.
			cfg.Receive.Journal = false
			a, err := openSingle(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				dir, err := paths.AccountDir(cfg.Data.Dir, a.Number())
				if err != nil {
					return err
				}
				path = paths.JournalPath(dir)
			}
			reader, err := jsonl.NewReader(path)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}

			var listeners receiver.Listeners
			if printRecords {
				p := &printer{out: cmd.OutOrStdout(), f: newFormatter(cmd.OutOrStdout()), json: flagJSON}
				listeners.All = p.listener(a)
			}
			engine, err := a.NewEngine(listeners)
			if err != nil {
				return err
			}

			stats, err := engine.Replay(cmd.Context(), reader)
			log.Info("replay finished",
				zap.String("journal", path),
				zap.Int("frames", stats.Frames),
				zap.Int("skipped", stats.Skipped))
			if err != nil {
				return err
			}
			if !flagJSON {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Replayed %d frame(s), skipped %d\n", stats.Frames, stats.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().Bool("print", false, "Print each record as it is replayed")
	return cmd
}
