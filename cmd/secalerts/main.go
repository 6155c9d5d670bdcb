package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syscl0ck/security-feed-ntfy/config"
)

type rootOptions struct {
	configPath string
	verbose    bool
	logFile    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			slog.Error("failed to load config", "error", err)
		} else {
			slog.Error("secalerts failed", "error", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "secalerts",
		Short: "Security feed aggregator with ntfy and Telegram notifications",
		Long: `secalerts fetches security news, CVE and KEV feeds, scores each item
against keyword and severity rules, drops items it has already delivered,
and sends the rest as instant notifications or as one digest.

Run one cycle per invocation from cron or a systemd timer, or use
"secalerts watch" to keep the cadence in-process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "path to config YAML file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "also write logs to this file (overrides app.log_file)")

	root.AddCommand(newRunCmd(opts), newWatchCmd(opts), newStatsCmd(opts))
	return root
}
