// Package paths resolves where sigrecv keeps its configuration and
// per-account state.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFileName is the configuration file looked up by FindConfigFile.
const ConfigFileName = "sigrecv.yaml"

// FindConfigFile walks up from startPath looking for sigrecv.yaml, the way
// git finds .git/. It returns the directory containing the file.
func FindConfigFile(startPath string) (string, error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	dir := absPath
	for {
		info, err := os.Stat(filepath.Join(dir, ConfigFileName))
		if err == nil && !info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found (searched from %s to /)", ConfigFileName, absPath)
		}
		dir = parent
	}
}

// ConfigDir returns the per-user configuration directory,
// $XDG_CONFIG_HOME/sigrecv or ~/.config/sigrecv.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "sigrecv")
	}
	return filepath.Join(homeDir(), ".config", "sigrecv")
}

// DefaultDataDir returns $XDG_DATA_HOME/sigrecv or ~/.local/share/sigrecv.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "sigrecv")
	}
	return filepath.Join(homeDir(), ".local", "share", "sigrecv")
}

// DefaultSocketPath returns the daemon's default socket,
// $XDG_RUNTIME_DIR/signal-cli/socket, falling back to /run/user/<uid>.
func DefaultSocketPath() string {
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		runtime = filepath.Join("/run/user", fmt.Sprint(os.Getuid()))
	}
	return filepath.Join(runtime, "signal-cli", "socket")
}

// AccountDir returns the directory holding one account's ledger and
// journal: <dataDir>/<account>.d. The leading + of a phone number is kept.
func AccountDir(dataDir, account string) (string, error) {
	if account == "" || strings.ContainsAny(account, `/\`) || account == "." || account == ".." {
		return "", fmt.Errorf("invalid account name %q", account)
	}
	return filepath.Join(dataDir, account+".d"), nil
}

// EnsureAccountDir creates the account directory if needed and returns it.
func EnsureAccountDir(dataDir, account string) (string, error) {
	dir, err := AccountDir(dataDir, account)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create account directory: %w", err)
	}
	return dir, nil
}

// JournalPath returns the inbound frame journal inside an account directory.
func JournalPath(accountDir string) string {
	return filepath.Join(accountDir, "journal.jsonl")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
