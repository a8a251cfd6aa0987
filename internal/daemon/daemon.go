// Package daemon keeps a library in sync in the background.
//
// The daemon:
// 1. Runs a sync cycle at start and then on a fixed interval
// 2. Imports document files dropped into an inbox directory
// 3. Triggers a sync when the remote store becomes reachable again
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncer"
)

// Syncer runs sync cycles. *syncer.Orchestrator satisfies it.
type Syncer interface {
	Trigger(ctx context.Context, opts syncer.Options) (*syncer.Result, error)
}

// Importer stores a document read from a file. *library.Library satisfies it.
type Importer interface {
	Import(ctx context.Context, path string) (*document.Document, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// InboxDir is watched for document files to import. Empty disables it.
	InboxDir string

	// SyncInterval is how often a sync cycle is triggered. Zero disables
	// periodic syncing.
	SyncInterval time.Duration

	// DebounceInterval is how long an inbox file must be quiet before it
	// is imported.
	DebounceInterval time.Duration

	// Connectivity is probed every ProbeInterval. A sync is triggered when
	// it reports online after reporting offline. Nil disables probing.
	Connectivity  syncer.Connectivity
	ProbeInterval time.Duration

	// OnResult is called with the result of every cycle the daemon triggers.
	OnResult func(*syncer.Result)

	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		ProbeInterval:    30 * time.Second,
		Logger:           zap.NewNop().Sugar(),
	}
}

// Daemon schedules sync cycles and inbox imports.
type Daemon struct {
	syncer   Syncer
	importer Importer
	config   *Config
	logger   *zap.SugaredLogger

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Daemon. importer may be nil when cfg.InboxDir is empty.
func New(s Syncer, importer Importer, cfg *Config) (*Daemon, error) {
	if s == nil {
		return nil, errors.New("syncer cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.InboxDir != "" && importer == nil {
		return nil, errors.New("importer is required to watch an inbox")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultConfig().DebounceInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:      s,
		importer:    importer,
		config:      cfg,
		logger:      logger.Named("daemon"),
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
//
// The daemon will:
// 1. Import files already waiting in the inbox
// 2. Run an initial sync cycle
// 3. Watch the inbox, sync periodically and probe connectivity
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Infow("starting daemon", "inbox", d.config.InboxDir, "interval", d.config.SyncInterval)

	if d.config.InboxDir != "" {
		if err := os.MkdirAll(d.config.InboxDir, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
		if _, err := d.ImportInbox(d.ctx); err != nil {
			return fmt.Errorf("initial import failed: %w", err)
		}

		watcher, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(d.config.InboxDir); err != nil {
			return err
		}
		d.watcher = watcher

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	d.SyncNow()

	if d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.syncPeriodically()
	}
	if d.config.Connectivity != nil && d.config.ProbeInterval > 0 {
		d.wg.Add(1)
		go d.probeConnectivity()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A cycle in flight is abandoned by
// the daemon but not interrupted.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		if d.watcher != nil {
			err = d.watcher.Stop()
		}
		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return err
}

// SyncNow triggers a cycle and waits for it. Failures are logged.
func (d *Daemon) SyncNow() {
	res, err := d.syncer.Trigger(d.ctx, syncer.Options{})
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Errorw("sync failed", "error", err)
		}
		if res == nil {
			return
		}
	}
	if d.config.OnResult != nil {
		d.config.OnResult(res)
	}
}

// ImportInbox imports every document file in the inbox and returns how many
// were imported. Imported files are removed; files that fail stay in place.
func (d *Daemon) ImportInbox(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(d.config.InboxDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && document.IsDocumentFile(e.Name()) {
			paths = append(paths, filepath.Join(d.config.InboxDir, e.Name()))
		}
	}
	sort.Strings(paths)

	imported := 0
	for _, path := range paths {
		if d.importFile(ctx, path) {
			imported++
		}
	}
	return imported, nil
}

func (d *Daemon) importFile(ctx context.Context, path string) bool {
	doc, err := d.importer.Import(ctx, path)
	if err != nil {
		d.logger.Warnw("failed to import document file", "path", path, "error", err)
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warnw("failed to remove imported file", "path", path, "error", err)
	}
	d.logger.Infow("imported document", "id", doc.ID, "path", path)
	return true
}

// watchFileEvents monitors the inbox and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			// Removals include our own cleanup after an import.
			if event.Op == OpDelete {
				continue
			}
			d.logger.Debugw("inbox event", "op", event.Op, "path", event.Path)
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warnw("watcher error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue imports queued files with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.processPendingChanges() > 0 {
				d.SyncNow()
			}
		}
	}
}

// processPendingChanges imports files that have been quiet for long enough
// and returns how many were imported.
func (d *Daemon) processPendingChanges() int {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	sort.Strings(ready)
	imported := 0
	for _, path := range ready {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if d.importFile(d.ctx, path) {
			imported++
		}
	}
	return imported
}

func (d *Daemon) syncPeriodically() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow()
		}
	}
}

// probeConnectivity triggers a sync on every offline to online transition.
func (d *Daemon) probeConnectivity() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	online := d.config.Connectivity.Online(d.ctx)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			now := d.config.Connectivity.Online(d.ctx)
			if now && !online {
				d.logger.Info("remote store reachable again; syncing")
				d.SyncNow()
			} else if !now && online {
				d.logger.Warn("remote store unreachable")
			}
			online = now
		}
	}
}
