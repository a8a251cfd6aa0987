// Package syncer runs sync cycles between the local store and the remote
// document API.
//
// At most one cycle runs at a time. Triggers arriving while a cycle is in
// flight are coalesced into a single follow-up cycle whose result every one
// of those callers receives:
//
//	idle    --trigger-->  syncing
//	syncing --trigger-->  syncing (queued)
//	syncing --complete--> idle, or syncing again if queued
package syncer

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/proscan/docsync/internal/events"
	"github.com/proscan/docsync/internal/metrics"
	"github.com/proscan/docsync/internal/remote"
	"github.com/proscan/docsync/internal/resolve"
	"github.com/proscan/docsync/internal/retry"
	"github.com/proscan/docsync/internal/store"
)

const (
	StateIdle    = "idle"
	StateSyncing = "syncing"

	eventTrigger  = "trigger"
	eventComplete = "complete"
)

// DefaultMaxConcurrency bounds the per-document operations of one cycle.
const DefaultMaxConcurrency = 4

// minRetryDelay is the shortest wait the retry timer is armed for.
const minRetryDelay = 100 * time.Millisecond

// ErrClosed is returned by Trigger after Close.
var ErrClosed = errors.New("sync orchestrator is closed")

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Config wires an Orchestrator.
type Config struct {
	Store   store.Store
	Cursors store.CursorStore
	Remote  remote.Client
	// Pages opens page assets for uploads. May be nil.
	Pages        remote.PageOpener
	Connectivity Connectivity
	Tracker      *events.Tracker
	Bus          *events.Bus
	Metrics      *metrics.Metrics
	Logger       *zap.SugaredLogger

	MaxConcurrency int
	SkewTolerance  time.Duration
	Retry          retry.Policy

	// ListAttempts and ListBackoff bound the in-cycle retry of a listing
	// call that failed transiently.
	ListAttempts int
	ListBackoff  time.Duration
}

// flight is one cycle and the callers waiting for it.
type flight struct {
	opts    Options
	waiters int
	done    chan struct{}
	result  *Result
	err     error
}

// Orchestrator serializes sync cycles.
type Orchestrator struct {
	store    store.Store
	cursors  store.CursorStore
	client   remote.Client
	pages    remote.PageOpener
	conn     Connectivity
	tracker  *events.Tracker
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	resolver resolve.Resolver
	retry    *retry.Controller

	maxConcurrency int
	listAttempts   int
	listBackoff    time.Duration
	now            func() time.Time

	// ctx is the parent of every cycle; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	machine    *fsm.FSM
	next       *flight
	retryTimer *time.Timer
	retryAt    time.Time
	closed     bool
	wg         sync.WaitGroup
}

// New validates cfg and creates an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store must be provided")
	}
	if cfg.Cursors == nil {
		if cs, ok := cfg.Store.(store.CursorStore); ok {
			cfg.Cursors = cs
		} else {
			return nil, errors.New("cursor store must be provided")
		}
	}
	if cfg.Remote == nil {
		return nil, errors.New("remote client must be provided")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = events.NewTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.ListAttempts <= 0 {
		cfg.ListAttempts = 3
	}
	if cfg.ListBackoff <= 0 {
		cfg.ListBackoff = 250 * time.Millisecond
	}

	o := &Orchestrator{
		store:          cfg.Store,
		cursors:        cfg.Cursors,
		client:         cfg.Remote,
		pages:          cfg.Pages,
		conn:           cfg.Connectivity,
		tracker:        cfg.Tracker,
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.Named("sync"),
		resolver:       resolve.New(cfg.SkewTolerance),
		retry:          retry.NewController(cfg.Retry),
		maxConcurrency: cfg.MaxConcurrency,
		listAttempts:   cfg.ListAttempts,
		listBackoff:    cfg.ListBackoff,
		now:            time.Now,
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventTrigger, Src: []string{StateIdle}, Dst: StateSyncing},
			{Name: eventComplete, Src: []string{StateSyncing}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				o.logger.Debugf("sync state %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return o, nil
}

// State returns the current state, StateIdle or StateSyncing.
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.Current()
}

// Queued reports whether a follow-up cycle is pending.
func (o *Orchestrator) Queued() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.next != nil
}

// QueuedCallers returns how many callers wait for the follow-up cycle.
func (o *Orchestrator) QueuedCallers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.next == nil {
		return 0
	}
	return o.next.waiters
}

// Statistics returns the tracker statistics.
func (o *Orchestrator) Statistics() events.Statistics {
	return o.tracker.Statistics()
}

// Tracker returns the status tracker the orchestrator keeps current.
func (o *Orchestrator) Tracker() *events.Tracker {
	return o.tracker
}

// Trigger requests a cycle and waits for its result.
//
// When idle a cycle starts immediately. When a cycle is running the caller
// joins the single queued follow-up cycle, whose options are the union of
// all joined callers' options. If ctx ends first Trigger returns ctx.Err();
// the cycle itself keeps running.
func (o *Orchestrator) Trigger(ctx context.Context, opts Options) (*Result, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}

	var f *flight
	if o.machine.Current() == StateIdle {
		f = &flight{opts: opts, waiters: 1, done: make(chan struct{})}
		if err := o.machine.Event(context.Background(), eventTrigger); err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.wg.Add(1)
		go o.run(f)
	} else {
		if o.next == nil {
			o.next = &flight{opts: opts, done: make(chan struct{})}
			o.logger.Debug("sync in progress; queued a follow-up cycle")
		} else {
			o.next.opts = o.next.opts.merge(opts)
		}
		o.next.waiters++
		f = o.next
	}
	o.mu.Unlock()

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes f and then every follow-up cycle queued meanwhile.
func (o *Orchestrator) run(f *flight) {
	defer o.wg.Done()

	for {
		f.result, f.err = o.safeCycle(f.opts)
		if f.result != nil {
			o.scheduleRetry(f.result.nextRetry)
		}
		close(f.done)

		o.mu.Lock()
		if o.next != nil && !o.closed {
			f = o.next
			o.next = nil
			o.mu.Unlock()
			o.logger.Debugw("starting queued sync cycle", "callers", f.waiters)
			continue
		}
		if o.next != nil {
			o.next.err = ErrClosed
			close(o.next.done)
			o.next = nil
		}
		if err := o.machine.Event(context.Background(), eventComplete); err != nil {
			o.logger.Warnw("sync state transition failed", "error", err)
		}
		o.mu.Unlock()
		return
	}
}

func (o *Orchestrator) safeCycle(opts Options) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorw("sync cycle panicked", "panic", r, "stack", string(debug.Stack()))
			res = &Result{Outcome: Failure, Message: "internal error during sync"}
			err = errors.New("sync cycle panicked")
		}
	}()
	return o.cycle(o.ctx, opts)
}

// scheduleRetry arms one timer for at, the earliest scheduled retry. A
// zero at disarms it.
func (o *Orchestrator) scheduleRetry(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if at.IsZero() {
		if o.retryTimer != nil {
			o.retryTimer.Stop()
			o.retryTimer = nil
		}
		o.retryAt = time.Time{}
		return
	}
	if o.retryTimer != nil && o.retryAt.Equal(at) {
		return
	}
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}

	delay := at.Sub(o.now())
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	o.retryAt = at
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.retryTimer != timer {
			o.mu.Unlock()
			return
		}
		o.retryTimer = nil
		o.retryAt = time.Time{}
		o.mu.Unlock()

		o.logger.Debug("retry timer fired")
		if _, err := o.Trigger(context.Background(), Options{}); err != nil && !errors.Is(err, ErrClosed) {
			o.logger.Warnw("retry cycle failed", "error", err)
		}
	})
	o.retryTimer = timer
	o.logger.Debugw("armed retry timer", "at", at, "in", delay)
}

// RetryAt returns when the retry timer fires, if armed.
func (o *Orchestrator) RetryAt() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retryAt, o.retryTimer != nil
}

// Close stops the retry timer, rejects further triggers, cancels the
// running cycle and waits for it to return. Operations already answered by
// the remote are still recorded.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()

	o.cancel()

	o.wg.Wait()
	return nil
}
