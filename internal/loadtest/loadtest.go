// Package loadtest simulates several devices editing and syncing against one
// shared remote store, recording cycle latency and checking that every
// device ends up with the same document set.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proscan/docsync/internal/events"
	"github.com/proscan/docsync/internal/library"
	"github.com/proscan/docsync/internal/remote/remotetest"
	"github.com/proscan/docsync/internal/retry"
	"github.com/proscan/docsync/internal/store"
	"github.com/proscan/docsync/internal/syncer"
)

// Config sizes a run.
type Config struct {
	// Dir holds one SQLite file per device.
	Dir           string
	Devices       int
	DocsPerDevice int
	// Rounds splits each device's documents into batches; every batch is
	// followed by a sync, all devices at once.
	Rounds int
	// DeletePct is the share of its own documents each device deletes in
	// the last round (0.0-1.0).
	DeletePct      float64
	MaxConcurrency int
	// Remote defaults to a fresh in-memory store.
	Remote *remotetest.Fake
	Logger *zap.SugaredLogger
}

func (c *Config) validate() error {
	if c.Dir == "" {
		return errors.New("dir must be provided")
	}
	if c.Devices <= 0 || c.DocsPerDevice <= 0 {
		return errors.New("devices and docs per device must be positive")
	}
	if c.Rounds <= 0 {
		c.Rounds = 1
	}
	if c.Rounds > c.DocsPerDevice {
		c.Rounds = c.DocsPerDevice
	}
	if c.DeletePct < 0 || c.DeletePct > 1 {
		return errors.New("delete percentage must be between 0.0 and 1.0")
	}
	return nil
}

// LatencyStats summarizes the duration of sync cycles.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Cycles int           `json:"cycles"`
}

// Report is the outcome of a run.
type Report struct {
	Devices   int                    `json:"devices"`
	Created   int                    `json:"created"`
	Deleted   int                    `json:"deleted"`
	Remote    int                    `json:"remote_documents"`
	Latency   LatencyStats           `json:"latency"`
	Outcomes  map[syncer.Outcome]int `json:"outcomes"`
	Errors    int                    `json:"errors"`
	Converged bool                   `json:"converged"`
	// Divergent maps a device to the number of live documents it holds
	// when that differs from the remote store.
	Divergent map[string]int `json:"divergent,omitempty"`
	Elapsed   time.Duration  `json:"elapsed"`
}

type device struct {
	name string
	db   *store.DB
	lib  *library.Library
	orch *syncer.Orchestrator
	bus  *events.Bus
	ids  []string
}

func (d *device) close() error {
	err := d.orch.Close()
	d.bus.Close()
	return errors.Join(err, d.db.Close())
}

type recorder struct {
	mu        sync.Mutex
	durations []time.Duration
	outcomes  map[syncer.Outcome]int
	errors    int
}

func (r *recorder) sync(ctx context.Context, d *device) {
	start := time.Now()
	res, err := d.orch.Trigger(ctx, syncer.Options{})
	elapsed := time.Since(start)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations = append(r.durations, elapsed)
	if err != nil {
		r.errors++
		return
	}
	r.outcomes[res.Outcome]++
}

// Run executes the simulation. Devices are torn down before it returns.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	fake := cfg.Remote
	if fake == nil {
		fake = remotetest.NewFake()
	}

	devices := make([]*device, 0, cfg.Devices)
	defer func() {
		for _, d := range devices {
			if err := d.close(); err != nil {
				logger.Warnw("failed to close device", "device", d.name, "error", err)
			}
		}
	}()
	for i := 0; i < cfg.Devices; i++ {
		d, err := openDevice(ctx, cfg, fmt.Sprintf("device-%02d", i), fake, logger)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	rec := &recorder{outcomes: make(map[syncer.Outcome]int)}
	report := &Report{Devices: cfg.Devices}
	start := time.Now()

	drafts := make([][]library.Draft, len(devices))
	for i, d := range devices {
		drafts[i] = generateDrafts(d.name, cfg.DocsPerDevice, int64(i))
	}

	for round := 0; round < cfg.Rounds; round++ {
		last := round == cfg.Rounds-1
		g, gctx := errgroup.WithContext(ctx)
		for i, d := range devices {
			batch := roundBatch(drafts[i], round, cfg.Rounds)
			g.Go(func() error {
				for _, draft := range batch {
					doc, err := d.lib.Create(gctx, draft)
					if err != nil {
						return fmt.Errorf("%s: create: %w", d.name, err)
					}
					d.ids = append(d.ids, doc.ID)
				}
				rec.sync(gctx, d)
				if last {
					if err := deleteShare(gctx, d, cfg.DeletePct); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		logger.Debugw("round complete", "round", round+1)
	}

	// Two sequential passes: the first pushes what the last round left,
	// the second pulls what later devices pushed in the first.
	for pass := 0; pass < 2; pass++ {
		for _, d := range devices {
			rec.sync(ctx, d)
		}
	}
	report.Elapsed = time.Since(start)

	for i, d := range devices {
		report.Created += len(drafts[i])
		report.Deleted += int(float64(len(d.ids)) * cfg.DeletePct)
	}

	want := len(fake.Live())
	report.Remote = want
	report.Divergent = make(map[string]int)
	for _, d := range devices {
		live, err := d.db.GetAll(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("%s: list: %w", d.name, err)
		}
		if len(live) != want {
			report.Divergent[d.name] = len(live)
		}
	}
	report.Converged = len(report.Divergent) == 0 && rec.errors == 0

	report.Latency = computeLatencyStats(rec.durations)
	report.Outcomes = rec.outcomes
	report.Errors = rec.errors
	return report, nil
}

func openDevice(ctx context.Context, cfg Config, name string, fake *remotetest.Fake, logger *zap.SugaredLogger) (*device, error) {
	db, err := store.Open(filepath.Join(cfg.Dir, name+".db"))
	if err != nil {
		return nil, fmt.Errorf("%s: open store: %w", name, err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: init schema: %w", name, err)
	}

	named := logger.Named(name)
	tracker := events.NewTracker()
	bus := events.NewBus(named)
	orch, err := syncer.New(syncer.Config{
		Store:          db,
		Remote:         fake,
		Connectivity:   fake,
		Tracker:        tracker,
		Bus:            bus,
		Logger:         named,
		MaxConcurrency: cfg.MaxConcurrency,
		// A single pass must settle everything; retries would only fire
		// after the run.
		Retry: retry.Policy{BaseDelay: time.Hour, MaxDelay: time.Hour},
	})
	if err != nil {
		bus.Close()
		_ = db.Close()
		return nil, err
	}

	return &device{
		name: name,
		db:   db,
		lib:  library.New(db, tracker, bus, named),
		orch: orch,
		bus:  bus,
	}, nil
}

// deleteShare deletes the first pct of the documents the device created.
func deleteShare(ctx context.Context, d *device, pct float64) error {
	n := int(float64(len(d.ids)) * pct)
	for _, id := range d.ids[:n] {
		if err := d.lib.Delete(ctx, id); err != nil {
			return fmt.Errorf("%s: delete %s: %w", d.name, id, err)
		}
	}
	return nil
}

func roundBatch(drafts []library.Draft, round, rounds int) []library.Draft {
	per := (len(drafts) + rounds - 1) / rounds
	lo := round * per
	if lo >= len(drafts) {
		return nil
	}
	hi := min(lo+per, len(drafts))
	return drafts[lo:hi]
}

// generateDrafts builds n documents with a spread of formats and tags.
func generateDrafts(device string, n int, seed int64) []library.Draft {
	formats := []string{"a4", "a4", "a4", "letter", "legal"}
	tags := []string{"invoice", "receipt", "contract", "letter", "id"}
	rng := rand.New(rand.NewSource(seed))

	drafts := make([]library.Draft, n)
	for i := range drafts {
		drafts[i] = library.Draft{
			Title:  fmt.Sprintf("%s scan %d", device, i),
			Format: formats[i%len(formats)],
			Tags:   []string{tags[rng.Intn(len(tags))], "loadtest"},
			Metadata: map[string]string{
				"device": device,
				"batch":  fmt.Sprintf("%d", i/10),
			},
		}
	}
	return drafts
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   sum / time.Duration(len(sorted)),
		P50:    sorted[len(sorted)*50/100],
		P95:    sorted[len(sorted)*95/100],
		P99:    sorted[len(sorted)*99/100],
		Cycles: len(sorted),
	}
}

// Print writes a human readable summary.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Devices:        %d\n", r.Devices)
	fmt.Fprintf(w, "Created:        %d\n", r.Created)
	fmt.Fprintf(w, "Deleted:        %d\n", r.Deleted)
	fmt.Fprintf(w, "Remote live:    %d\n", r.Remote)
	fmt.Fprintf(w, "Elapsed:        %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "\nSync cycles:    %d (%d errors)\n", r.Latency.Cycles, r.Errors)
	for _, o := range []syncer.Outcome{syncer.Success, syncer.PartialFailure, syncer.Failure} {
		if n := r.Outcomes[o]; n > 0 {
			fmt.Fprintf(w, "  %-14s%d\n", o+":", n)
		}
	}
	fmt.Fprintf(w, "  Min:          %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50:          %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:          %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:          %v\n", r.Latency.Max)
	if len(r.Divergent) > 0 {
		fmt.Fprintf(w, "\nDivergent devices:\n")
		names := make([]string, 0, len(r.Divergent))
		for name := range r.Divergent {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s holds %d, remote holds %d\n", name, r.Divergent[name], r.Remote)
		}
	}
}
