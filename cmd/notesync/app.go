package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/notesync/internal/cache"
	"github.com/agentworkforce/notesync/internal/config"
	"github.com/agentworkforce/notesync/internal/kvstore"
	"github.com/agentworkforce/notesync/internal/netstatus"
	"github.com/agentworkforce/notesync/internal/notes"
	"github.com/agentworkforce/notesync/internal/opqueue"
	"github.com/agentworkforce/notesync/internal/remote"
	"github.com/agentworkforce/notesync/internal/syncmgr"
)

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *kvstore.Store
	cache    *cache.Manager
	queue    *opqueue.Queue
	notes    *notes.Service
	sync     *syncmgr.Manager
	network  *netstatus.Monitor
	registry *prometheus.Registry
}

type connectivityFunc func() bool

func (f connectivityFunc) IsOnline() bool {
	return f()
}

func openStore(cfg config.Config, logger *slog.Logger) (*kvstore.Store, error) {
	backend, err := kvstore.BuildBackendFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	return kvstore.NewStore(backend, kvstore.Options{
		MaxItemBytes: cfg.Storage.MaxItemBytes,
		Logger:       logger.With("component", "kvstore"),
	}), nil
}

func newQueue(store *kvstore.Store, cfg config.Config, logger *slog.Logger) *opqueue.Queue {
	delay := cfg.Sync.OperationDelay
	if delay == 0 {
		delay = -1
	}
	return opqueue.New(store, opqueue.Options{
		MaxRetries:     cfg.Sync.MaxRetries,
		OperationDelay: delay,
		Logger:         logger.With("component", "opqueue"),
	})
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cache:    cache.NewManager(store, logger.With("component", "cache")),
		queue:    newQueue(store, cfg, logger),
		network:  netstatus.NewMonitor(true),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := remote.NewHTTPClient(remote.Options{
		BaseURL:    cfg.API.BaseURL,
		Tokens:     remote.StaticToken(cfg.API.Token),
		Timeout:    cfg.API.Timeout,
		MaxRetries: cfg.API.MaxRetries,
		OnUnauthorized: func(status int) {
			logger.Warn("notes api rejected credentials", "status", status)
		},
		Logger: logger.With("component", "remote"),
	})

	// The service asks the sync manager whether to attempt remote calls; the
	// manager is built afterwards because it replays through the service.
	a.notes, err = notes.NewService(notes.Options{
		Store:  store,
		Cache:  a.cache,
		Queue:  a.queue,
		Remote: client,
		Network: connectivityFunc(func() bool {
			return a.sync != nil && a.sync.IsOnline()
		}),
		UserID: cfg.User.ID,
		Logger: logger.With("component", "notes"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.sync, err = syncmgr.New(syncmgr.Options{
		Store:          store,
		Queue:          a.queue,
		Cache:          a.cache,
		Executor:       a.notes,
		Refresher:      a.notes,
		Interval:       cfg.Sync.Interval,
		IntervalJitter: cfg.Sync.IntervalJitter,
		SettleDelay:    cfg.Sync.SettleDelay,
		Registerer:     a.registry,
		Logger:         logger.With("component", "syncmgr"),
	})
	if err != nil {
		a.notes.Close()
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// forwardNetwork relays monitor changes to the sync manager until ctx ends.
func (a *app) forwardNetwork(ctx context.Context) {
	changes, cancel := a.network.Changes()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			a.sync.UpdateNetworkStatus(online)
		}
	}
}

func (a *app) Close() error {
	a.sync.Close()
	a.notes.Close()
	return a.store.Close()
}

func requireUser(cfg config.Config) error {
	if cfg.User.ID == "" {
		return errors.New("user.id is not configured (set it in the config file or NOTESYNC_USER_ID)")
	}
	return nil
}
