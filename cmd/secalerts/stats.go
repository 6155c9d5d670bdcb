package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/syscl0ck/security-feed-ntfy/storage"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how many items were delivered and the most recent ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, io.Discard)
			if err != nil {
				return err
			}
			defer a.Close()
			return printStats(cmd, a.store, limit, time.Now())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent items to list")
	return cmd
}

func printStats(cmd *cobra.Command, store *storage.Store, limit int, now time.Time) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	seen, err := store.SeenCount(ctx)
	if err != nil {
		return err
	}
	pending, err := store.PendingItems(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Delivered items: %s\n", humanize.Comma(int64(seen)))
	fmt.Fprintf(out, "Pending digest items: %s\n", humanize.Comma(int64(len(pending))))

	if limit <= 0 || seen == 0 {
		return nil
	}
	recent, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nMost recent:\n")
	for _, r := range recent {
		fmt.Fprintf(out, "  %-14s [%s] %s\n", humanize.RelTime(r.FirstSeenAt, now, "ago", "from now"), r.Source, r.Title)
	}
	return nil
}
