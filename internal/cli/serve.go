package cli

import (
	"github.com/spf13/cobra"

	"github.com/tasbih-app/tasbih/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides [api] host/port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the progress service",
	Long: `Run the Remote Progress Service: goals, the idempotent progress log,
batch sync, streaks, badges, notifications and the live progress feed.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loggers, err := loadConfig()
	if err != nil {
		return err
	}
	defer loggers.Close()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		host, port, err := splitAddr(addr)
		if err != nil {
			return err
		}
		cfg.API.Host, cfg.API.Port = host, port
	}

	srv, err := daemon.NewServer(cfg, loggers)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Serve(cmd.Context())
}
