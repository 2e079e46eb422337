package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/account"
	"github.com/leonletto/sigrecv/internal/message"
	"github.com/leonletto/sigrecv/internal/metrics"
	"github.com/leonletto/sigrecv/internal/receiver"
	"github.com/leonletto/sigrecv/internal/sweeper"
)

func receiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive messages until interrupted",
		Long: `Subscribe every configured account (or --account) to the daemon's
receive stream and print each record as it is reconciled into the ledger.

Expired messages are swept after every envelope and, when
receive.sweep_interval is set, periodically in the background. When
metrics.listen is set, Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			markRead, _ := cmd.Flags().GetBool("mark-read")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var recorder *metrics.Recorder
			if cfg.Metrics.Listen != "" {
				recorder = metrics.NewRecorder()
				go func() {
					if err := recorder.Serve(ctx, cfg.Metrics.Listen); err != nil {
						log.Error("metrics server failed", zap.Error(err))
					}
				}()
				log.Info("serving metrics", zap.String("listen", cfg.Metrics.Listen))
			}

			accounts, err := account.OpenAll(cfg, log, recorder)
			if err != nil {
				return err
			}
			defer func() {
				if err := accounts.Close(); err != nil {
					log.Warn("close accounts", zap.Error(err))
				}
			}()

			if cfg.Receive.SweepInterval > 0 {
				sched, err := sweeper.New(log)
				if err != nil {
					return err
				}
				err = sched.Every("expiry-sweep", cfg.Receive.SweepInterval, func() error {
					n, err := accounts.SweepExpired()
					if n > 0 {
						log.Info("expired messages removed", zap.Int("count", n))
					}
					return err
				})
				if err != nil {
					return err
				}
				sched.Start()
				defer func() { _ = sched.Shutdown() }()
			}

			p := &printer{out: cmd.OutOrStdout(), f: newFormatter(cmd.OutOrStdout()), json: flagJSON}
			listeners := func(a *account.Account) receiver.Listeners {
				l := receiver.Listeners{All: p.listener(a)}
				if markRead {
					l.Received = markReadListener(ctx, a, log)
				}
				return l
			}

			log.Info("receiving", zap.Int("accounts", accounts.Len()))
			err = accounts.Receive(ctx, listeners)
			if errors.Is(err, receiver.ErrStoppedUnexpectedly) {
				return fmt.Errorf("reception stopped unexpectedly: %w", err)
			}
			return err
		},
	}

	cmd.Flags().Bool("mark-read", false, "Send a read receipt for every received message")
	return cmd
}

// printer serializes output from the per-account engines.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	f    formatter
	json bool
}

func (p *printer) listener(a *account.Account) receiver.Listener {
	return func(m message.Message) receiver.Verdict {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.json {
			_ = writeJSON(p.out, struct {
				Account string `json:"account"`
				messageJSON
			}{a.Number(), toJSON(m)})
			return receiver.Continue
		}
		_, _ = fmt.Fprintf(p.out, "[%s] %s\n", a.Number(), p.f.Line(m))
		return receiver.Continue
	}
}

// markReadListener acknowledges received content as it arrives. Listeners
// run outside envelope processing, so sending from here is allowed.
func markReadListener(ctx context.Context, a *account.Account, log *zap.Logger) receiver.Listener {
	return func(m message.Message) receiver.Verdict {
		received, ok := m.(*message.Received)
		if !ok {
			return receiver.NoVerdict
		}
		if err := a.MarkRead(ctx, received); err != nil {
			log.Warn("mark read failed", zap.String("account", a.Number()), zap.Error(err))
		}
		return receiver.NoVerdict
	}
}
