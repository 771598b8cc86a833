// Package cli implements the tasbih command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasbih-app/tasbih/internal/daemon"
	"github.com/tasbih-app/tasbih/internal/domain"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tasbih",
	Short: "Local-first dhikr counter and goal tracker",
	Long: `tasbih counts dhikr and tracks spiritual goals on this device and keeps
them in sync with a progress service. Taps are applied locally first and
queued; they reach the service as soon as it is reachable.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TASBIH_HOME/config.toml)")
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// loadConfig reads the config file and sets up logging.
func loadConfig() (daemon.Config, *daemon.Loggers, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, daemon.NewLoggers(daemon.LogOutput(cfg.Log)), nil
}

// openLocal opens the device runtime. The returned func releases it.
func openLocal(cmd *cobra.Command) (*daemon.Local, func(), error) {
	cfg, loggers, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Client.UserID == "" {
		loggers.Close()
		return nil, nil, fmt.Errorf("[client] user_id is not set in %s", daemon.ConfigPath())
	}

	out := cmd.OutOrStdout()
	local, err := daemon.OpenLocal(cfg, loggers, daemon.LocalOptions{
		OnComplete: func(g domain.Goal) {
			fmt.Fprintf(out, "🎉 Goal %q completed (%d/%d)\n", g.Title, g.CurrentValue, g.TargetValue)
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
		},
	})
	if err != nil {
		loggers.Close()
		return nil, nil, err
	}
	return local, func() {
		local.Close()
		loggers.Close()
	}, nil
}
