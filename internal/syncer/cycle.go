package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/remote"
	"github.com/proscan/docsync/internal/resolve"
	"github.com/proscan/docsync/internal/syncerr"
)

const corruptedMessage = "local store is corrupted; reinitialize the store and run a full sync"

// plan is the work decided for one document.
type plan struct {
	id     string
	local  *document.Document
	remote *document.Document
	// hasContent is false when the change feed reported a revision
	// without the document body, which then must be downloaded.
	hasContent bool
	res        resolve.Resolution
	// deferred marks an errored document that received a remote change.
	// Only the pending revision is recorded until the user resets it.
	deferred bool
}

type applyState int

const (
	// stateSkipped: not attempted, the document is untouched.
	stateSkipped applyState = iota
	stateApplied
	// stateFailed: the failure and retry schedule were persisted.
	stateFailed
	// stateUnapplied: failed without persisting anything.
	stateUnapplied
)

type docResult struct {
	id       string
	action   resolve.Action
	state    applyState
	added    bool
	updated  bool
	uploaded bool
	deleted  bool
	conflict bool
	failure  *DocumentFailure
	// doc is the stored version after the operation, if it changed.
	doc *document.Document
}

func (o *Orchestrator) cycle(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{StartedAt: o.now().UTC()}
	o.metrics.CycleStarted()
	defer func() {
		res.Duration = o.now().Sub(res.StartedAt)
		res.Success = res.Outcome == Success
		res.summarize()
		o.metrics.CycleFinished(string(res.Outcome), res.Duration)
		o.publishTracked()
		o.logger.Infow("sync cycle finished",
			"outcome", res.Outcome,
			"message", res.Message,
			"duration", res.Duration)
	}()

	o.logger.Debugw("sync cycle started", "full", opts.ForceFullSync, "replace_local", opts.ReplaceLocal)

	if o.conn != nil && !o.conn.Online(ctx) {
		res.Outcome = Failure
		res.Message = "offline: the remote store is unreachable"
		return res, nil
	}

	docs, err := o.store.GetAll(ctx, true)
	if err != nil {
		return o.storeFailure(res, err)
	}
	o.tracker.Load(docs)

	now := o.now()
	local := make(map[string]*document.Document, len(docs))
	retries := make(map[string]time.Time)
	var pending []string
	for _, doc := range docs {
		local[doc.ID] = doc
		if retryScheduled(doc) {
			retries[doc.ID] = doc.NextRetryAt
		}
		if isPending(doc, now, opts) {
			pending = append(pending, doc.ID)
		}
	}
	res.nextRetry = earliest(retries)

	var cursor string
	if !opts.ForceFullSync {
		if cursor, err = o.cursors.Cursor(ctx); err != nil {
			return o.storeFailure(res, err)
		}
	}

	changes, newCursor, err := o.listChanges(ctx, cursor)
	if err != nil {
		res.Outcome = Failure
		res.Message = listFailureMessage(err)
		o.logger.Warnw("failed to list remote changes", "error", err)
		return res, nil
	}

	plans := o.plan(local, pending, changes, opts)
	o.logger.Debugw("sync plan ready", "pending", len(pending), "changes", len(changes), "operations", len(plans))

	results, abortErr := o.execute(ctx, plans, opts)

	var applied, failed, skipped int
	for _, r := range results {
		switch r.state {
		case stateApplied:
			applied++
		case stateFailed, stateUnapplied:
			failed++
		case stateSkipped:
			skipped++
		}
		if r.failure != nil {
			res.Failures = append(res.Failures, *r.failure)
		}
		if r.added {
			res.DocumentsAdded++
		}
		if r.updated {
			res.DocumentsUpdated++
		}
		if r.uploaded {
			res.DocumentsUploaded++
		}
		if r.deleted {
			res.DocumentsDeleted++
		}
		if r.conflict {
			res.ConflictCount++
		}
		if r.doc != nil {
			if retryScheduled(r.doc) {
				retries[r.id] = r.doc.NextRetryAt
			} else {
				delete(retries, r.id)
			}
		}
	}
	res.Skipped = skipped
	res.nextRetry = earliest(retries)

	if abortErr != nil && syncerr.Classify(abortErr) == syncerr.Fatal {
		res.Outcome = Failure
		res.Message = corruptedMessage
		return res, fmt.Errorf("failed to apply sync changes: %w", abortErr)
	}

	cursorSaved := false
	if cursorSafe(results) {
		if err := o.cursors.SetCursor(ctx, newCursor); err != nil {
			if syncerr.Classify(err) == syncerr.Fatal {
				return o.storeFailure(res, err)
			}
			o.logger.Warnw("failed to persist sync cursor", "error", err)
		} else {
			cursorSaved = true
		}
	}

	switch {
	case abortErr != nil && applied == 0 && failed == 0:
		res.Outcome = Failure
	case failed > 0 || skipped > 0 || !cursorSaved:
		res.Outcome = PartialFailure
	default:
		res.Outcome = Success
	}

	if abortErr != nil {
		res.summarize()
		res.Message = "connection lost during sync: " + res.Message
	}
	return res, nil
}

// isPending reports whether doc has local work for this cycle. Synced,
// conflicting and errored documents wait for a remote change or the user.
func isPending(doc *document.Document, now time.Time, opts Options) bool {
	switch doc.Status() {
	case document.StatusSynced, document.StatusConflict, document.StatusError:
		return false
	}
	if !opts.ForceFullSync && doc.NextRetryAt.After(now) {
		return false
	}
	return true
}

// retryScheduled reports whether doc waits for a retry that isPending will
// pick up once it is due.
func retryScheduled(doc *document.Document) bool {
	if doc.NextRetryAt.IsZero() {
		return false
	}
	switch doc.Status() {
	case document.StatusSynced, document.StatusConflict, document.StatusError:
		return false
	}
	return true
}

func earliest(times map[string]time.Time) time.Time {
	var first time.Time
	for _, t := range times {
		if first.IsZero() || t.Before(first) {
			first = t
		}
	}
	return first
}

func cursorSafe(results []docResult) bool {
	for _, r := range results {
		if r.state == stateSkipped || r.state == stateUnapplied {
			return false
		}
	}
	return true
}

func listFailureMessage(err error) string {
	var authErr *syncerr.AuthError
	switch {
	case errors.As(err, &authErr) && authErr.SessionExpired:
		return "session expired: sign in again to sync"
	case syncerr.IsUnreachable(err):
		return "offline: the remote store is unreachable"
	case errors.Is(err, context.Canceled):
		return "sync cancelled"
	default:
		return fmt.Sprintf("failed to list remote changes: %v", err)
	}
}

func (o *Orchestrator) storeFailure(res *Result, err error) (*Result, error) {
	res.Outcome = Failure
	if syncerr.IsCorrupted(err) {
		res.Message = corruptedMessage
	} else {
		res.Message = fmt.Sprintf("local store unavailable: %v", err)
	}
	o.logger.Errorw("sync aborted by the local store", "error", err)
	return res, fmt.Errorf("failed to read local store: %w", err)
}

// listChanges drains the change feed from cursor and returns the latest
// change per document and the cursor after the last page.
func (o *Orchestrator) listChanges(ctx context.Context, cursor string) (map[string]remote.Change, string, error) {
	changes := make(map[string]remote.Change)
	for {
		set, err := o.listPage(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		for _, ch := range set.Changes {
			changes[ch.ID] = ch
		}
		if set.Cursor != "" {
			cursor = set.Cursor
		}
		if !set.HasMore || len(set.Changes) == 0 {
			return changes, cursor, nil
		}
	}
}

// listPage fetches one page, retrying transient failures a few times.
// Losing connectivity is not retried here; the next trigger will.
func (o *Orchestrator) listPage(ctx context.Context, cursor string) (*remote.ChangeSet, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.listBackoff
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.listAttempts-1)), ctx)

	var set *remote.ChangeSet
	op := func() error {
		var err error
		set, err = o.client.ListChangesSince(ctx, cursor)
		if err == nil {
			return nil
		}
		if syncerr.Classify(err) != syncerr.Transient || syncerr.IsUnreachable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		o.logger.Debugw("listing remote changes failed; retrying", "error", err, "in", d)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return set, nil
}

// plan resolves every id that has local work or a remote change. Ids that
// need nothing are left out.
func (o *Orchestrator) plan(local map[string]*document.Document, pending []string, changes map[string]remote.Change, opts Options) []plan {
	ids := make(map[string]struct{}, len(pending)+len(changes))
	for _, id := range pending {
		ids[id] = struct{}{}
	}
	for id := range changes {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var plans []plan
	for _, id := range sorted {
		p := plan{id: id, local: local[id]}
		if ch, ok := changes[id]; ok {
			p.remote = ch.Version()
			p.hasContent = ch.Document != nil || ch.Deleted
		}

		if p.local != nil && p.local.Status() == document.StatusError && !opts.ReplaceLocal {
			if p.remote != nil && p.remote.RemoteRevision != p.local.RemoteRevision {
				p.deferred = true
				p.res = resolve.Resolution{Action: resolve.Noop, Reason: "document awaits an error reset"}
				plans = append(plans, p)
			}
			continue
		}

		p.res = o.resolver.Resolve(p.local, p.remote, resolve.Options{ReplaceLocal: opts.ReplaceLocal})
		if p.res.Action == resolve.Noop {
			continue
		}
		plans = append(plans, p)
	}
	return plans
}

// execute runs the plans with bounded concurrency. A lost connection or a
// corrupted store cancels the operations that have not started yet; that
// error is returned.
func (o *Orchestrator) execute(ctx context.Context, plans []plan, opts Options) ([]docResult, error) {
	results := make([]docResult, len(plans))
	for i, p := range plans {
		results[i] = docResult{id: p.id, action: p.res.Action}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrency)
	for i, p := range plans {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			r, err := o.apply(gctx, p, opts)
			results[i] = r
			return err
		})
	}
	return results, g.Wait()
}
