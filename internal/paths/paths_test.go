package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), []byte("daemon: {}\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tests := []struct {
		name  string
		start string
	}{
		{"from root", root},
		{"from nested", nested},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindConfigFile(tt.start)
			if err != nil {
				t.Fatalf("FindConfigFile(%s) error: %v", tt.start, err)
			}
			want, _ := filepath.EvalSymlinks(root)
			gotResolved, _ := filepath.EvalSymlinks(got)
			if gotResolved != want {
				t.Errorf("FindConfigFile(%s) = %s, want %s", tt.start, got, root)
			}
		})
	}
}

func TestFindConfigFile_NotFound(t *testing.T) {
	if _, err := FindConfigFile(t.TempDir()); err == nil {
		t.Error("expected error when no config file exists")
	}
}

func TestFindConfigFile_IgnoresDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ConfigFileName), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := FindConfigFile(root); err == nil {
		t.Error("a directory named like the config file must not match")
	}
}

func TestAccountDir(t *testing.T) {
	tests := []struct {
		account string
		want    string
		wantErr bool
	}{
		{"+15550001", filepath.Join("/data", "+15550001.d"), false},
		{"", "", true},
		{"..", "", true},
		{"a/b", "", true},
	}
	for _, tt := range tests {
		got, err := AccountDir("/data", tt.account)
		if tt.wantErr {
			if err == nil {
				t.Errorf("AccountDir(%q) expected error", tt.account)
			}
			continue
		}
		if err != nil {
			t.Fatalf("AccountDir(%q) error: %v", tt.account, err)
		}
		if got != tt.want {
			t.Errorf("AccountDir(%q) = %s, want %s", tt.account, got, tt.want)
		}
	}
}

func TestEnsureAccountDir(t *testing.T) {
	data := t.TempDir()
	dir, err := EnsureAccountDir(data, "+15550001")
	if err != nil {
		t.Fatalf("EnsureAccountDir() error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("account dir not created: %v", err)
	}
	if got := JournalPath(dir); got != filepath.Join(dir, "journal.jsonl") {
		t.Errorf("JournalPath() = %s", got)
	}
}

func TestXDGDirs(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	t.Setenv("XDG_DATA_HOME", "/share")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	if got := ConfigDir(); got != filepath.Join("/cfg", "sigrecv") {
		t.Errorf("ConfigDir() = %s", got)
	}
	if got := DefaultDataDir(); got != filepath.Join("/share", "sigrecv") {
		t.Errorf("DefaultDataDir() = %s", got)
	}
	if got := DefaultSocketPath(); got != "/run/user/1000/signal-cli/socket" {
		t.Errorf("DefaultSocketPath() = %s", got)
	}
}
