package main

import (
	"github.com/spf13/cobra"
)

func newStorageCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Report on or clean up local storage",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print item counts and sizes per namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			info, err := store.StorageInfo(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}, &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired, corrupted and stale temporary records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			result, err := store.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	})
	return cmd
}
