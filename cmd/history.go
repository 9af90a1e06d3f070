package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func newHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent crawl tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 || offset < 0 {
				return fmt.Errorf("--limit must be > 0 and --offset >= 0")
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			records, err := a.Store().QueryHistory(cmd.Context(), limit, offset)
			if err != nil {
				return fmt.Errorf("query history: %w", err)
			}
			if records == nil {
				records = []crawler.HistoryRecord{}
			}
			return printJSON(cmd, map[string]any{"history": records, "limit": limit, "offset": offset})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task totals and cookie availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Store().AggregateStats(cmd.Context(), a.Clock().Now())
			if err != nil {
				return fmt.Errorf("aggregate stats: %w", err)
			}
			out := struct {
				Tasks   crawler.Stats   `json:"tasks"`
				Cookies *cookie.Summary `json:"cookies,omitempty"`
			}{Tasks: stats}
			summary, err := a.Governor().Summarize(cmd.Context())
			if err != nil {
				a.Logger().Warn("cookie summary unavailable", zap.Error(err))
			} else {
				out.Cookies = &summary
			}
			return printJSON(cmd, out)
		},
	}
}
