// Package daemon wires configuration, logging and the long-running
// processes: the progress service and the local sync loop.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tasbih-app/tasbih/internal/app/counter"
	"github.com/tasbih-app/tasbih/internal/app/reconciler"
	"github.com/tasbih-app/tasbih/internal/client"
)

// Config is the contents of ~/.tasbih/config.toml.
type Config struct {
	API     APIConfig     `toml:"api"`
	Client  ClientConfig  `toml:"client"`
	Counter CounterConfig `toml:"counter"`
	Sync    SyncConfig    `toml:"sync"`
	Tier    TierConfig    `toml:"tier"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// APIConfig configures `tasbih serve`.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Token   string `toml:"token"`    // shared bearer token; empty disables the check
	DataDir string `toml:"data_dir"` // relative paths resolve under Home()
}

// ClientConfig says which service the local client syncs with.
type ClientConfig struct {
	BaseURL string `toml:"base_url"`
	UserID  string `toml:"user_id"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// CounterConfig paces taps.
type CounterConfig struct {
	Throttle     string `toml:"throttle"`
	UndoWindow   string `toml:"undo_window"`
	AutoInterval string `toml:"auto_interval"`
}

// SyncConfig paces the reconciler.
type SyncConfig struct {
	Interval  string `toml:"interval"`
	BatchSize int    `toml:"batch_size"`
}

// TierConfig controls the subscription tier cache.
type TierConfig struct {
	TTL           string `toml:"ttl"`
	FreeGoalLimit int    `toml:"free_goal_limit"`
}

// LogConfig enables rotating file output. An empty File logs to stderr.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    8790,
			DataDir: "server",
		},
		Client: ClientConfig{
			BaseURL: "http://127.0.0.1:8790",
			Timeout: "5s",
		},
		Counter: CounterConfig{
			Throttle:     "500ms",
			UndoWindow:   "5s",
			AutoInterval: "1s",
		},
		Sync: SyncConfig{
			Interval:  "30s",
			BatchSize: 50,
		},
		Tier: TierConfig{
			TTL:           "5m",
			FreeGoalLimit: 3,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Home returns the tasbih state directory: $TASBIH_HOME or ~/.tasbih.
func Home() string {
	if env := os.Getenv("TASBIH_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tasbih")
}

// ConfigPath is the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults. An empty path means ConfigPath();
// a missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values that would otherwise be silently replaced.
func (c Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	for name, raw := range map[string]string{
		"client.timeout":        c.Client.Timeout,
		"counter.throttle":      c.Counter.Throttle,
		"counter.undo_window":   c.Counter.UndoWindow,
		"counter.auto_interval": c.Counter.AutoInterval,
		"sync.interval":         c.Sync.Interval,
		"tier.ttl":              c.Tier.TTL,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			return fmt.Errorf("%s: invalid duration %q", name, raw)
		}
	}
	return nil
}

// Addr is the listen address of the progress service.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// ServerDataDir resolves api.data_dir.
func (c Config) ServerDataDir() string {
	return resolve(c.API.DataDir, "server")
}

// ─── Component Configs ──────────────────────────────────────────────────────

// ClientSettings converts [client] into client.Config.
func (c Config) ClientSettings() client.Config {
	return client.Config{
		BaseURL: c.Client.BaseURL,
		UserID:  c.Client.UserID,
		Token:   c.Client.Token,
		Timeout: parseDuration(c.Client.Timeout, 5*time.Second),
	}
}

// CounterSettings converts [counter] into counter.Config.
func (c Config) CounterSettings() counter.Config {
	cfg := counter.DefaultConfig()
	cfg.Throttle = parseDuration(c.Counter.Throttle, cfg.Throttle)
	cfg.UndoWindow = parseDuration(c.Counter.UndoWindow, cfg.UndoWindow)
	cfg.AutoInterval = parseDuration(c.Counter.AutoInterval, cfg.AutoInterval)
	return cfg
}

// SyncSettings converts [sync] into reconciler.Config.
func (c Config) SyncSettings() reconciler.Config {
	cfg := reconciler.DefaultConfig()
	cfg.Interval = parseDuration(c.Sync.Interval, cfg.Interval)
	if c.Sync.BatchSize > 0 {
		cfg.BatchSize = c.Sync.BatchSize
	}
	return cfg
}

// TierTTL is the tier cache lifetime.
func (c Config) TierTTL() time.Duration {
	return parseDuration(c.Tier.TTL, 5*time.Minute)
}

// parseDuration parses s, returning def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// resolve makes p absolute under Home(), falling back to def when empty.
func resolve(p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(Home(), p)
}
