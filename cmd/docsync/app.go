package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/proscan/docsync/internal/assets"
	"github.com/proscan/docsync/internal/cache"
	"github.com/proscan/docsync/internal/config"
	"github.com/proscan/docsync/internal/events"
	"github.com/proscan/docsync/internal/library"
	"github.com/proscan/docsync/internal/logging"
	"github.com/proscan/docsync/internal/metrics"
	"github.com/proscan/docsync/internal/remote"
	"github.com/proscan/docsync/internal/remote/remotetest"
	"github.com/proscan/docsync/internal/store"
	"github.com/proscan/docsync/internal/syncer"
)

// app is the wired set of components a command works with.
type app struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	db       *store.DB
	docs     *cache.Store
	assets   assets.Dir
	tracker  *events.Tracker
	bus      *events.Bus
	lib      *library.Library
	registry *prometheus.Registry

	// Set by withSync.
	client remote.Client
	conn   syncer.Connectivity
	orch   *syncer.Orchestrator

	closers []func() error
}

// openApp opens the local store and everything that works offline.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	if err := db.InitSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	docs, err := cache.New(db, cache.Options{Capacity: cfg.Cache.Capacity, ListTTL: cfg.Cache.ListTTL, Logger: logger})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.docs = docs
	a.assets = assets.Dir{Root: cfg.Store.AssetsDir}

	a.tracker = events.NewTracker()
	a.bus = events.NewBus(logger)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	a.lib = library.New(docs, a.tracker, a.bus, logger)
	if err := a.lib.Reload(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return a, nil
}

// withSync connects the remote backend and builds the orchestrator.
func (a *app) withSync(ctx context.Context) error {
	if err := a.cfg.ValidateRemote(); err != nil {
		return err
	}
	client, conn, closeFn, err := newRemote(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.client = client
	a.conn = conn
	if closeFn != nil {
		a.closers = append(a.closers, closeFn)
	}

	orch, err := syncer.New(syncer.Config{
		Store:          a.docs,
		Cursors:        a.db,
		Remote:         client,
		Pages:          a.assets,
		Connectivity:   conn,
		Tracker:        a.tracker,
		Bus:            a.bus,
		Metrics:        metrics.New(a.registry),
		Logger:         a.logger,
		MaxConcurrency: a.cfg.Sync.MaxConcurrency,
		SkewTolerance:  a.cfg.Sync.SkewTolerance,
		Retry:          a.cfg.Retry,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	a.closers = append(a.closers, orch.Close)
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newRemote builds the configured backend. conn is nil when the backend
// has no cheap reachability check.
func newRemote(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (remote.Client, syncer.Connectivity, func() error, error) {
	switch cfg.Remote.Backend {
	case config.BackendHTTP:
		c, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:    cfg.Remote.BaseURL,
			Timeout:    cfg.Remote.Timeout,
			APIVersion: cfg.Remote.APIVersion,
			Tokens:     remote.StaticToken(cfg.Remote.Token),
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return c, c, nil, nil

	case config.BackendFirestore:
		c, err := remote.NewFirestoreClient(ctx, remote.FirestoreConfig{
			ProjectID:  cfg.Firestore.Project,
			Collection: cfg.Firestore.Collection,
			Bucket:     cfg.Firestore.Bucket,
			PageSize:   cfg.Firestore.PageSize,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return c, nil, c.Close, nil

	case config.BackendMemory:
		fake := remotetest.NewFake()
		return fake, fake, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
	}
}

// mustOpen opens the app for a command or exits.
func mustOpen(ctx context.Context, sync bool) *app {
	a, err := openApp(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	if sync {
		if err := a.withSync(ctx); err != nil {
			_ = a.Close()
			fatalf("failed to connect remote store: %v", err)
		}
	}
	return a
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
