package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notesync/internal/config"
)

type cli struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "notesync",
		Short: "Offline-first note synchronization daemon and tools",
		Long: `notesync keeps a local copy of your notes, records edits made while
offline and replays them against the notes API once it is reachable again.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			bootstrap := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			cfg, err := config.Load(c.configPath, bootstrap)
			if err != nil {
				return err
			}
			logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")
	root.AddCommand(
		newRunCmd(c),
		newSyncCmd(c),
		newQueueCmd(c),
		newStorageCmd(c),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
