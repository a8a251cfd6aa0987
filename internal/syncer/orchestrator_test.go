package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/events"
	"github.com/proscan/docsync/internal/library"
	"github.com/proscan/docsync/internal/remote/remotetest"
	"github.com/proscan/docsync/internal/retry"
	"github.com/proscan/docsync/internal/store"
)

type harness struct {
	db      *store.DB
	remote  *remotetest.Fake
	tracker *events.Tracker
	bus     *events.Bus
	lib     *library.Library
	orch    *Orchestrator
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	fake := remotetest.NewFake()
	tracker := events.NewTracker()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	cfg := Config{
		Store:        db,
		Remote:       fake,
		Connectivity: fake,
		Tracker:      tracker,
		Bus:          bus,
		// Retries are scheduled far in the future so the timer never
		// fires during a test.
		Retry:       retry.Policy{BaseDelay: time.Hour, MaxDelay: time.Hour},
		ListBackoff: time.Millisecond,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	return &harness{
		db:      db,
		remote:  fake,
		tracker: tracker,
		bus:     bus,
		lib:     library.New(db, tracker, bus, nil),
		orch:    orch,
	}
}

func (h *harness) sync(t *testing.T, opts Options) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.orch.Trigger(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (h *harness) create(t *testing.T, title string) string {
	t.Helper()
	doc, err := h.lib.Create(context.Background(), library.Draft{Title: title})
	require.NoError(t, err)
	return doc.ID
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Store: &store.DB{}})
	assert.Error(t, err, "remote client is required")
}

func TestTriggerIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := h.remote.BlockList()
	first := make(chan *Result, 1)
	go func() {
		res, err := h.orch.Trigger(ctx, Options{})
		assert.NoError(t, err)
		first <- res
	}()

	select {
	case <-h.remote.Listed():
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never listed changes")
	}
	assert.Equal(t, StateSyncing, h.orch.State())

	const callers = 10
	results := make(chan *Result, callers)
	for i := 0; i < callers; i++ {
		opts := Options{ForceFullSync: i == 3}
		go func() {
			res, err := h.orch.Trigger(ctx, opts)
			assert.NoError(t, err)
			results <- res
		}()
	}

	require.Eventually(t, func() bool { return h.orch.QueuedCallers() == callers }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, h.orch.Queued())
	release()

	select {
	case res := <-first:
		assert.Equal(t, Success, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("first caller never returned")
	}

	var shared *Result
	for i := 0; i < callers; i++ {
		select {
		case res := <-results:
			if shared == nil {
				shared = res
			}
			assert.Same(t, shared, res, "coalesced callers share one result")
		case <-time.After(5 * time.Second):
			t.Fatal("coalesced caller never returned")
		}
	}

	assert.Equal(t, 2, h.remote.Calls(remotetest.OpList))
	require.Eventually(t, func() bool { return h.orch.State() == StateIdle }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, h.orch.Queued())
}

func TestTriggerCallerContextEnds(t *testing.T) {
	h := newHarness(t)

	release := h.remote.BlockList()
	go func() { _, _ = h.orch.Trigger(context.Background(), Options{}) }()
	<-h.remote.Listed()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Trigger(ctx, Options{})
		done <- err
	}()
	require.Eventually(t, h.orch.Queued, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	release()
	require.Eventually(t, func() bool { return h.orch.State() == StateIdle }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.remote.Calls(remotetest.OpList), "the queued cycle still ran")
}

func TestOptionsMerge(t *testing.T) {
	merged := Options{ForceFullSync: true}.merge(Options{ReplaceLocal: true})
	assert.Equal(t, Options{ForceFullSync: true, ReplaceLocal: true}, merged)
	assert.Equal(t, Options{}, Options{}.merge(Options{}))
}

func TestCloseRejectsTriggers(t *testing.T) {
	h := newHarness(t)
	h.sync(t, Options{})

	require.NoError(t, h.orch.Close())
	_, err := h.orch.Trigger(context.Background(), Options{})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCloseCancelsRunningCycle(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "Unsent")

	release := h.remote.BlockList()
	defer release()

	done := make(chan *Result, 1)
	go func() {
		res, err := h.orch.Trigger(context.Background(), Options{})
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case <-h.remote.Listed():
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never listed changes")
	}

	closed := make(chan error, 1)
	go func() { closed <- h.orch.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close waited for the blocked cycle")
	}

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, Failure, res.Outcome)
	assert.Equal(t, "sync cancelled", res.Message)
	assert.Zero(t, h.remote.Calls(remotetest.OpUpload))
	assert.Equal(t, document.StatusLocalOnly, h.get(t, id).Status(), "unsent work stays pending")
}

func TestRetryTimerArmed(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "Flaky")
	h.remote.FailDocument(id, serverError())

	before := time.Now()
	res := h.sync(t, Options{})
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Retrying)

	at, armed := h.orch.RetryAt()
	require.True(t, armed)
	assert.WithinDuration(t, before.Add(time.Hour), at, time.Minute)

	require.NoError(t, h.orch.Close())
	_, armed = h.orch.RetryAt()
	assert.False(t, armed)
}
