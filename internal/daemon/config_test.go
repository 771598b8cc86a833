package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8790 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8790)
	}
	if cfg.Client.BaseURL != "http://127.0.0.1:8790" {
		t.Errorf("Client.BaseURL = %q", cfg.Client.BaseURL)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("Sync.BatchSize = %d, want 50", cfg.Sync.BatchSize)
	}
	if cfg.Tier.FreeGoalLimit != 3 {
		t.Errorf("Tier.FreeGoalLimit = %d, want 3", cfg.Tier.FreeGoalLimit)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be true by default")
	}

	cc := cfg.CounterSettings()
	if cc.Throttle != 500*time.Millisecond {
		t.Errorf("Throttle = %v, want 500ms", cc.Throttle)
	}
	if cc.UndoWindow != 5*time.Second {
		t.Errorf("UndoWindow = %v, want 5s", cc.UndoWindow)
	}
	if sc := cfg.SyncSettings(); sc.Interval != 30*time.Second {
		t.Errorf("sync Interval = %v, want 30s", sc.Interval)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"0s", 0},
		{"", time.Second},     // Default
		{"soon", time.Second}, // Invalid
		{"-5s", time.Second},  // Negative
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, time.Second)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[api]
port = 9000
token = "s3cret"

[client]
user_id = "u-42"
timeout = "2s"

[counter]
throttle = "0s"

[sync]
batch_size = 10
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Port != 9000 || cfg.API.Token != "s3cret" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("unset API.Host should keep its default, got %q", cfg.API.Host)
	}
	if got := cfg.ClientSettings(); got.UserID != "u-42" || got.Timeout != 2*time.Second {
		t.Errorf("ClientSettings() = %+v", got)
	}
	if got := cfg.CounterSettings().Throttle; got != 0 {
		t.Errorf("Throttle = %v, want 0", got)
	}
	if got := cfg.SyncSettings().BatchSize; got != 10 {
		t.Errorf("BatchSize = %d, want 10", got)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":   "[api\nport = 1",
		"duration": "[sync]\ninterval = \"often\"",
		"port":     "[api]\nport = 70000",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			os.WriteFile(path, []byte(data), 0o600)
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestHome_Override(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASBIH_HOME", dir)

	if Home() != dir {
		t.Errorf("Home() = %q, want %q", Home(), dir)
	}
	if ConfigPath() != filepath.Join(dir, "config.toml") {
		t.Errorf("ConfigPath() = %q", ConfigPath())
	}
	if got := DefaultConfig().ServerDataDir(); got != filepath.Join(dir, "server") {
		t.Errorf("ServerDataDir() = %q", got)
	}
}

func TestLogOutput_RotatingFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASBIH_HOME", dir)

	if LogOutput(LogConfig{}) != os.Stderr {
		t.Error("empty [log] file should log to stderr")
	}

	loggers := NewLoggers(LogOutput(LogConfig{File: "logs/tasbih.log", MaxSizeMB: 1, MaxBackups: 1}))
	loggers.For("test").Printf("hello")
	if err := loggers.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "tasbih.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if want := "[test] "; !strings.Contains(string(data), want) {
		t.Errorf("log = %q, want prefix %q", data, want)
	}
}
