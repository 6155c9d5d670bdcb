package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one fetch, score and deliver cycle and exit",
		Long: `Run one cycle: fetch every configured source, score the items, drop
the ones already delivered, notify, and record what was sent.

Examples:
  secalerts run                         # one cycle with config.yaml
  secalerts run --dry-run --verbose     # log what would be sent
  secalerts run --mode digest           # override app.mode`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.runner(cmd.Context(), mode, dryRun)
			if err != nil {
				return err
			}

			sum, err := runner.Run(cmd.Context())
			fmt.Fprintln(cmd.ErrOrStderr(), sum.Line())
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would be sent without sending or recording anything")
	cmd.Flags().StringVar(&mode, "mode", "", "override app.mode (instant|digest)")
	return cmd
}
