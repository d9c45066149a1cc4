package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

const syncCommandTimeout = 5 * time.Minute

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued operations once and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(c.cfg); err != nil {
				return err
			}
			a, err := buildApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), syncCommandTimeout)
			defer cancel()
			if err := a.sync.Initialize(ctx, c.cfg.User.ID); err != nil {
				return err
			}
			result := a.sync.PerformSync(ctx, c.cfg.User.ID, true)
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"result": result,
				"status": a.sync.Status(),
			})
		},
	}
}
