package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-crawler/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task queue worker and the HTTP API",
		Long: `Starts the scheduler, the retention job, and the HTTP API. Runs until
SIGINT or SIGTERM, then drains running tasks within the configured
shutdown timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := server.Build(cmd.Context(), a)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			if err := svc.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run service: %w", err)
			}
			a.Logger().Info("serve command finished")
			return nil
		},
	}
}
