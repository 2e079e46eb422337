package main

import (
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leonletto/sigrecv/internal/account"
	"github.com/leonletto/sigrecv/internal/config"
	"github.com/leonletto/sigrecv/internal/logging"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagConfig  string
	flagEnvFile string
	flagAccount string
	flagJSON    bool
	flagVerbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sigrecv",
		Short: "Receive and reconcile messages from a signal-cli daemon",
		Long: `sigrecv mirrors one or more accounts of a running signal-cli daemon.

It subscribes to the daemon's receive stream, matches receipts and
reactions against the messages it has stored, and keeps a local ledger
per account that survives restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default: nearest sigrecv.yaml, then ~/.config/sigrecv)")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "Environment file loaded before config (default .env)")
	root.PersistentFlags().StringVarP(&flagAccount, "account", "a", "", "Account number to use (default: every configured account)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug logging")

	root.Version = Version
	root.SetVersionTemplate("sigrecv v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	root.AddCommand(receiveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(reactCmd())
	root.AddCommand(messagesCmd())
	root.AddCommand(replayCmd())
	return root
}

// loadConfig reads the configuration and narrows it to --account when set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{File: flagConfig, EnvFile: flagEnvFile})
	if err != nil {
		return nil, err
	}
	if flagVerbose {
		cfg.Log.Level = "debug"
	}
	if flagAccount != "" {
		ac, ok := cfg.Account(flagAccount)
		if !ok {
			return nil, fmt.Errorf("account %s is not configured", flagAccount)
		}
		cfg.Accounts = []config.AccountConfig{ac}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

// openSingle opens the one account a command acts on: --account, or the
// only configured account.
func openSingle(cfg *config.Config, log *zap.Logger) (*account.Account, error) {
	if len(cfg.Accounts) != 1 {
		return nil, fmt.Errorf("%d accounts configured; choose one with --account", len(cfg.Accounts))
	}
	return account.Open(account.Options{
		Account: cfg.Accounts[0],
		Daemon:  cfg.Daemon,
		Data:    cfg.Data,
		Receive: cfg.Receive,
		Logger:  log,
	})
}
