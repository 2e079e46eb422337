// Package config loads sigrecv's configuration.
//
// Values are resolved in this order, later sources winning:
//  1. built-in defaults
//  2. sigrecv.yaml (explicit path, nearest parent directory, or the user
//     config directory)
//  3. a .env file in the working directory
//  4. SIGRECV_* environment variables (SIGRECV_DATA_BACKEND for data.backend)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/leonletto/sigrecv/internal/paths"
)

// ErrConfiguration marks an unreadable or invalid configuration.
var ErrConfiguration = errors.New("configuration error")

// Defaults.
const (
	DefaultPollInterval         = 50 * time.Millisecond
	DefaultCallTimeout          = 30 * time.Second
	DefaultBackend              = "file"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultSweepInterval        = time.Minute
	DefaultMaxUnmatchedReceipts = 1000
	DefaultMaxPendingReactions  = 500
)

// Config is the resolved configuration.
type Config struct {
	Daemon   DaemonConfig    `mapstructure:"daemon"`
	Data     DataConfig      `mapstructure:"data"`
	Log      LogConfig       `mapstructure:"log"`
	Receive  ReceiveConfig   `mapstructure:"receive"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Accounts []AccountConfig `mapstructure:"accounts" validate:"required,min=1,dive"`
}

// DaemonConfig says how to reach the messaging daemon.
type DaemonConfig struct {
	// Address is a unix socket path or host:port.
	Address      string        `mapstructure:"address"       validate:"required"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=1ms,max=10s"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"  validate:"min=1s"`
}

// DataConfig says where ledgers are persisted.
type DataConfig struct {
	Dir     string `mapstructure:"dir"     validate:"required"`
	Backend string `mapstructure:"backend" validate:"required,oneof=file sqlite pebble"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ReceiveConfig tunes the reception engines.
type ReceiveConfig struct {
	// Expiry sweeps expired messages after every envelope.
	Expiry bool `mapstructure:"expiry"`
	// SweepInterval schedules a periodic sweep. Zero disables it.
	SweepInterval        time.Duration `mapstructure:"sweep_interval"         validate:"min=0"`
	MaxUnmatchedReceipts int           `mapstructure:"max_unmatched_receipts" validate:"min=1"`
	MaxPendingReactions  int           `mapstructure:"max_pending_reactions"  validate:"min=1"`
	// Journal records every inbound frame to the account's journal.jsonl.
	Journal bool `mapstructure:"journal"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the host:port to serve /metrics on. Empty disables it.
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// AccountConfig is one registered account.
type AccountConfig struct {
	Number   string `mapstructure:"number"    validate:"required,e164"`
	UUID     string `mapstructure:"uuid"      validate:"omitempty,uuid"`
	DeviceID int    `mapstructure:"device_id" validate:"min=0"`
}

// Account returns the account with the given number.
func (c *Config) Account(number string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Number == number {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// LoadOptions selects the configuration file.
type LoadOptions struct {
	// File is an explicit configuration file. It must exist.
	File string
	// SearchFrom is where the upward search for sigrecv.yaml starts when
	// File is empty. Defaults to the working directory.
	SearchFrom string
	// EnvFile is loaded before the environment is read. Defaults to .env;
	// a missing file is ignored.
	EnvFile string
}

// Load resolves and validates the configuration.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SIGRECV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, opts LoadOptions) error {
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		return nil
	}

	v.SetConfigName(strings.TrimSuffix(paths.ConfigFileName, ".yaml"))
	v.SetConfigType("yaml")
	searchFrom := opts.SearchFrom
	if searchFrom == "" {
		searchFrom = "."
	}
	if dir, err := paths.FindConfigFile(searchFrom); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(paths.ConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.address", paths.DefaultSocketPath())
	v.SetDefault("daemon.poll_interval", DefaultPollInterval)
	v.SetDefault("daemon.call_timeout", DefaultCallTimeout)

	v.SetDefault("data.dir", paths.DefaultDataDir())
	v.SetDefault("data.backend", DefaultBackend)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)

	v.SetDefault("receive.expiry", true)
	v.SetDefault("receive.sweep_interval", DefaultSweepInterval)
	v.SetDefault("receive.max_unmatched_receipts", DefaultMaxUnmatchedReceipts)
	v.SetDefault("receive.max_pending_reactions", DefaultMaxPendingReactions)
	v.SetDefault("receive.journal", false)

	v.SetDefault("metrics.listen", "")
}
