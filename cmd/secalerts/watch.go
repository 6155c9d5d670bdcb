package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/syscl0ck/security-feed-ntfy/scheduler"
)

const shutdownTimeout = 30 * time.Second

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun    bool
		mode      string
		immediate bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run cycles on the app.schedule cron cadence until interrupted",
		Long: `Run cycles in-process on the cron expression in app.schedule,
evaluated in app.timezone. A cycle that is still running when the next one
is due makes the next one skip. SIGINT or SIGTERM cancels the running cycle
and waits for it to commit what it already sent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.runner(ctx, mode, dryRun)
			if err != nil {
				return err
			}

			sched, err := scheduler.New(a.cfg.App.Timezone)
			if err != nil {
				return err
			}

			cycleFunc := func() {
				if ctx.Err() != nil {
					return
				}
				// The runner logs the summary and any failure itself.
				_, _ = runner.Run(ctx)
			}

			if err := sched.Schedule(a.cfg.App.Schedule, cycleFunc); err != nil {
				return err
			}
			if immediate {
				cycleFunc()
			}

			sched.Start()
			slog.Info("scheduler started", "schedule", a.cfg.App.Schedule, "next", sched.Next())

			<-ctx.Done()
			slog.Info("received signal, shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				return err
			}
			slog.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would be sent without sending or recording anything")
	cmd.Flags().StringVar(&mode, "mode", "", "override app.mode (instant|digest)")
	cmd.Flags().BoolVar(&immediate, "now", false, "run one cycle immediately before waiting for the schedule")
	return cmd
}
