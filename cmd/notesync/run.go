package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notesync/internal/httpapi"
	"github.com/agentworkforce/notesync/internal/netstatus"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(c.cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, c)
		},
	}
}

func runDaemon(ctx context.Context, c *cli) error {
	a, err := buildApp(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("closing storage failed", "error", err)
		}
	}()
	userID := c.cfg.User.ID
	if err := a.sync.Initialize(ctx, userID); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.forwardNetwork(workCtx)
	}()

	if path := c.cfg.Network.SignalFile; path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := netstatus.WatchFile(workCtx, path, c.logger.With("component", "netstatus"), func(online bool) {
				a.network.Set(online)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("network signal watcher stopped", "path", path, "error", err)
			}
		}()
	}

	var server *http.Server
	if addr := c.cfg.Status.Addr; addr != "" {
		server = &http.Server{
			Addr: addr,
			Handler: httpapi.NewServer(a.sync, a.queue, a.store, httpapi.ServerConfig{
				Token:    c.cfg.Status.Token,
				UserID:   userID,
				Gatherer: a.registry,
				Logger:   c.logger.With("component", "httpapi"),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.logger.Info("status api listening", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("status api failed", "error", err)
				cancel()
			}
		}()
	}

	a.sync.StartAutoSync(userID)
	a.sync.PerformSync(workCtx, userID, false)
	c.logger.Info("notesync running", "userId", userID, "interval", c.cfg.Sync.Interval)

	<-workCtx.Done()
	c.logger.Info("notesync stopping", "reason", context.Cause(workCtx))
	a.sync.StopAutoSync()
	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("status api shutdown failed", "error", err)
		}
	}
	return nil
}
