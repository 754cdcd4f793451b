// Command beamcode runs the session broker daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/daemon"
	"github.com/beamcode/beamcode/internal/logging"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:          "beamcode",
		Short:        "Session broker daemon for coding-assistant CLIs",
		Long:         "beamcode spawns coding-assistant backends, translates their protocols\nto a unified message stream, and fans sessions out to WebSocket consumers.",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("host", v.GetString("host"), "listen host")
	flags.Int("port", v.GetInt("port"), "listen port")
	flags.String("data-dir", v.GetString("data-dir"), "state directory")
	flags.String("token", v.GetString("token"), "consumer auth token (empty disables auth)")
	flags.String("adapter", v.GetString("adapter"), "default backend adapter")
	flags.Bool("no-auto-launch", v.GetBool("no-auto-launch"), "skip the startup session")
	flags.Bool("tunnel", v.GetBool("tunnel"), "expose the daemon via a cloudflared tunnel")
	flags.String("log-level", v.GetString("log-level"), "trace|debug|info|warn|error")
	flags.Bool("pretty-logs", v.GetBool("pretty-logs"), "human-readable console logs")
	flags.Bool("prometheus", v.GetBool("prometheus"), "enable the /metrics endpoint")
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func run(v *viper.Viper) error {
	cfg := config.Load(v)
	logging.Init(cfg.LogLevel, cfg.PrettyLogs)

	d, err := daemon.New(cfg, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
