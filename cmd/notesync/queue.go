package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notesync/internal/opqueue"
)

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the offline operation queue",
	}
	var userID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print queued operations as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			ops, err := newQueue(store, c.cfg, c.logger).Operations(cmd.Context())
			if err != nil {
				return err
			}
			filtered := make([]opqueue.Operation, 0, len(ops))
			for _, op := range ops {
				if userID == "" || op.UserID == userID {
					filtered = append(filtered, op)
				}
			}
			return printJSON(cmd.OutOrStdout(), filtered)
		},
	}
	listCmd.Flags().StringVar(&userID, "user", "", "only show operations owned by this user")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			q := newQueue(store, c.cfg, c.logger)
			ops, err := q.Operations(cmd.Context())
			if err != nil {
				return err
			}
			if err := q.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d operations\n", len(ops))
			return nil
		},
	}
	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}
