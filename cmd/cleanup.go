package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-crawler/internal/retention"
)

func newCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete history, usage and dedup rows older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if days <= 0 {
				days = a.Config().Retention.Days
			}
			cleaner, err := retention.New(retention.Config{Days: days}, a.Store(), a.Clock(), a.Logger())
			if err != nil {
				return err
			}
			n, err := cleaner.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d rows older than %s\n", n, cleaner.Cutoff().Format(time.DateOnly))
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days; 0 uses retention.days")
	return cmd
}
