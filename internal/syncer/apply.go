package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/events"
	"github.com/proscan/docsync/internal/resolve"
	"github.com/proscan/docsync/internal/syncerr"
)

// apply executes one plan: the network call, if any, followed by the store
// write. Store writes are not cancelled with ctx so that a completed remote
// operation is always recorded. A non-nil error aborts the cycle.
func (o *Orchestrator) apply(ctx context.Context, p plan, opts Options) (docResult, error) {
	if p.deferred {
		return o.applyDeferred(ctx, p)
	}

	switch p.res.Action {
	case resolve.Upload:
		return o.applyUpload(ctx, p)
	case resolve.PropagateDelete:
		return o.applyPropagateDelete(ctx, p)
	case resolve.Download:
		return o.applyDownload(ctx, p, opts)
	case resolve.ApplyTombstone:
		return o.applyTombstone(ctx, p)
	case resolve.SettleLocal:
		return o.applySettle(ctx, p)
	case resolve.Converge:
		return o.applyConverge(ctx, p)
	case resolve.MarkConflict:
		return o.applyConflict(ctx, p)
	}
	return docResult{id: p.id, action: p.res.Action, state: stateApplied}, nil
}

func (o *Orchestrator) applyUpload(ctx context.Context, p plan) (docResult, error) {
	sent := p.local.Clone()
	stored, err := o.client.Upload(ctx, sent, o.pages)
	if err != nil {
		return o.fail(ctx, p, err)
	}

	updated, err := o.store.Update(context.WithoutCancel(ctx), p.id, func(cur *document.Document) error {
		// Edits made while uploading keep the document pending.
		cur.RemoteRevision = stored.RemoteRevision
		cur.PendingRemoteRevision = ""
		cur.SyncedAt = sent.UpdatedAt
		cur.ClearRetry()
		return nil
	})
	if err != nil {
		return o.storeFailed(p, err)
	}

	o.logger.Debugw("uploaded document", "id", p.id, "revision", stored.RemoteRevision, "reason", p.res.Reason)
	o.succeeded(p, updated, true)
	return docResult{id: p.id, action: p.res.Action, state: stateApplied, uploaded: true, doc: updated}, nil
}

func (o *Orchestrator) applyPropagateDelete(ctx context.Context, p plan) (docResult, error) {
	if err := o.client.Delete(ctx, p.id); err != nil {
		return o.fail(ctx, p, err)
	}

	updated, err := o.store.Update(context.WithoutCancel(ctx), p.id, func(cur *document.Document) error {
		if p.remote != nil {
			cur.RemoteRevision = p.remote.RemoteRevision
		}
		cur.PendingRemoteRevision = ""
		cur.SyncedAt = p.local.UpdatedAt
		cur.ClearRetry()
		return nil
	})
	if err != nil {
		return o.storeFailed(p, err)
	}

	o.logger.Debugw("propagated deletion", "id", p.id)
	o.succeeded(p, updated, true)
	return docResult{id: p.id, action: p.res.Action, state: stateApplied, deleted: true, doc: updated}, nil
}

func (o *Orchestrator) applyDownload(ctx context.Context, p plan, opts Options) (docResult, error) {
	incoming := p.remote
	if incoming == nil || !p.hasContent {
		downloaded, err := o.client.Download(ctx, p.id)
		if err != nil {
			return o.fail(ctx, p, err)
		}
		incoming = downloaded
	}
	if incoming.Deleted {
		p.remote = incoming
		return o.applyTombstone(ctx, p)
	}

	incoming = incoming.Clone()
	incoming.ID = p.id
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = o.now().UTC()
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = incoming.UpdatedAt
	}
	incoming.MarkSynced(incoming.RemoteRevision)

	sctx := context.WithoutCancel(ctx)
	r := docResult{id: p.id, action: p.res.Action, state: stateApplied}

	if p.local == nil {
		if err := o.store.Put(sctx, incoming); err != nil {
			return o.storeFailed(p, err)
		}
		r.added, r.doc = true, incoming
		o.logger.Debugw("downloaded new document", "id", p.id, "revision", incoming.RemoteRevision)
		o.publish(events.Created{Header: events.NewHeader(p.id)})
		o.succeeded(p, incoming, false)
		return r, nil
	}

	var overtaken bool
	updated, err := o.store.Update(sctx, p.id, func(cur *document.Document) error {
		if !opts.ReplaceLocal && !p.local.IsPlaceholder() && cur.UpdatedAt.After(p.local.UpdatedAt) {
			// Edited locally while downloading: both sides changed now.
			overtaken = true
			cur.PendingRemoteRevision = incoming.RemoteRevision
			return nil
		}
		*cur = *incoming.Clone()
		return nil
	})
	if err != nil {
		return o.storeFailed(p, err)
	}
	r.doc = updated

	if overtaken {
		r.conflict = true
		o.conflicted(p.id, "edited locally while the remote version was downloaded", updated)
		return r, nil
	}

	if p.local.IsPlaceholder() {
		r.added = true
		o.publish(events.Created{Header: events.NewHeader(p.id)})
	} else {
		r.updated = true
		o.publish(events.Updated{Header: events.NewHeader(p.id)})
	}
	o.logger.Debugw("downloaded document", "id", p.id, "revision", incoming.RemoteRevision, "reason", p.res.Reason)
	o.succeeded(p, updated, false)
	return r, nil
}

// applyTombstone applies a remote deletion. It wins over any local edit.
func (o *Orchestrator) applyTombstone(ctx context.Context, p plan) (docResult, error) {
	r := docResult{id: p.id, action: resolve.ApplyTombstone, state: stateApplied}
	if p.local == nil {
		return r, nil
	}

	sctx := context.WithoutCancel(ctx)
	if p.local.IsPlaceholder() {
		if err := o.store.Delete(sctx, p.id); err != nil {
			return o.storeFailed(p, err)
		}
		o.tracker.Remove(p.id)
		return r, nil
	}

	var rev string
	if p.remote != nil {
		rev = p.remote.RemoteRevision
	}
	updated, err := o.store.Update(sctx, p.id, func(cur *document.Document) error {
		cur.Deleted = true
		if rev == "" {
			rev = cur.RemoteRevision
		}
		cur.MarkSynced(rev)
		return nil
	})
	if err != nil {
		return o.storeFailed(p, err)
	}

	r.doc = updated
	if !p.local.Deleted {
		r.deleted = true
		o.publish(events.Deleted{Header: events.NewHeader(p.id)})
	}
	if p.local.LocallyChanged() && !p.local.Deleted {
		o.logger.Infow("remote deletion discarded a local edit", "id", p.id, "local_updated_at", p.local.UpdatedAt)
	} else {
		o.logger.Debugw("applied remote deletion", "id", p.id)
	}
	o.succeeded(p, updated, false)
	return r, nil
}

// applySettle reconciles a deletion of a document the remote store never
// received.
func (o *Orchestrator) applySettle(ctx context.Context, p plan) (docResult, error) {
	updated, err := o.store.Update(context.WithoutCancel(ctx), p.id, func(cur *document.Document) error {
		cur.SyncedAt = cur.UpdatedAt
		cur.ClearRetry()
		return nil
	})
	if err != nil {
		return o.storeFailed(p, err)
	}
	o.tracker.Set(updated)
	o.metrics.DocumentOp(string(p.res.Action), "ok")
	return docResult{id: p.id, action: p.res.Action, state: stateApplied, doc: updated}, nil
}

func (o *Orchestrator) applyConverge(ctx context.Context, p plan) (docResult, error) {
	updated, err := o.store.Update(context.WithoutCancel(ctx), p.id, func(cur *document.Document) error {
		cur.RemoteRevision = p.remote.RemoteRevision
		cur.PendingRemoteRevision = ""
		cur.SyncedAt = p.local.UpdatedAt
		cur.ClearRetry()
		return nil
	})
	if err != nil {
		return o.storeFailed(p, err)
	}
	o.succeeded(p, updated, false)
	return docResult{id: p.id, action: p.res.Action, state: stateApplied, doc: updated}, nil
}

func (o *Orchestrator) applyConflict(ctx context.Context, p plan) (docResult, error) {
	r := docResult{id: p.id, action: p.res.Action, state: stateApplied, conflict: true}

	doc := p.local
	if p.remote != nil {
		updated, err := o.store.Update(context.WithoutCancel(ctx), p.id, func(cur *document.Document) error {
			cur.PendingRemoteRevision = p.remote.RemoteRevision
			return nil
		})
		if err != nil {
			return o.storeFailed(p, err)
		}
		doc, r.doc = updated, updated
	}

	o.conflicted(p.id, p.res.Reason, doc)
	return r, nil
}

// applyDeferred records a remote revision for an errored document.
func (o *Orchestrator) applyDeferred(ctx context.Context, p plan) (docResult, error) {
	updated, err := o.store.Update(context.WithoutCancel(ctx), p.id, func(cur *document.Document) error {
		cur.PendingRemoteRevision = p.remote.RemoteRevision
		return nil
	})
	if err != nil {
		return o.storeFailed(p, err)
	}
	o.tracker.Set(updated)
	return docResult{id: p.id, action: p.res.Action, state: stateApplied, doc: updated}, nil
}

// fail records a failed network operation on the document and decides
// whether it is retried.
func (o *Orchestrator) fail(ctx context.Context, p plan, err error) (docResult, error) {
	r := docResult{id: p.id, action: p.res.Action}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return r, nil
	}
	if syncerr.IsUnreachable(err) {
		o.metrics.DocumentOp(string(p.res.Action), "skipped")
		o.logger.Warnw("remote store unreachable; stopping cycle", "id", p.id, "error", err)
		return r, err
	}

	isUpload := p.res.Action.IsUpload()
	previous := 0
	if p.local != nil {
		previous = p.local.RetryCount
	}
	d := o.retry.Decide(previous, err)

	var remoteRev string
	if p.remote != nil {
		remoteRev = p.remote.RemoteRevision
	}
	remoteWon := p.res.Action == resolve.Download && p.local != nil && p.local.LocallyChanged()
	mark := func(doc *document.Document) {
		doc.RetryCount = d.Attempt
		if d.Retry {
			doc.NextRetryAt = d.NextAt
			doc.SyncError = ""
		} else {
			doc.NextRetryAt = time.Time{}
			doc.SyncError = err.Error()
		}
		if !isUpload && remoteRev != "" && remoteRev != doc.RemoteRevision {
			doc.PendingRemoteRevision = remoteRev
		}
		if remoteWon && !doc.UpdatedAt.After(p.local.UpdatedAt) {
			// The local edit already lost; the retry only has to download.
			doc.SyncedAt = doc.UpdatedAt
		}
	}

	sctx := context.WithoutCancel(ctx)
	var updated *document.Document
	if p.local == nil {
		// Keep a placeholder so the cursor can advance past this change.
		updated = &document.Document{ID: p.id}
		mark(updated)
		if storeErr := o.store.Put(sctx, updated); storeErr != nil {
			return o.storeFailed(p, storeErr)
		}
	} else {
		var storeErr error
		updated, storeErr = o.store.Update(sctx, p.id, func(cur *document.Document) error {
			mark(cur)
			return nil
		})
		if storeErr != nil {
			return o.storeFailed(p, storeErr)
		}
	}

	r.state = stateFailed
	r.doc = updated
	r.failure = &DocumentFailure{ID: p.id, Action: p.res.Action, Err: err, RetryCount: d.Attempt, Retrying: d.Retry}

	o.tracker.Set(updated)
	o.metrics.DocumentOp(string(p.res.Action), "failed")
	if d.Retry {
		o.metrics.RetryScheduled()
		o.logger.Infow("sync operation failed; retry scheduled",
			"id", p.id, "action", p.res.Action, "attempt", d.Attempt, "next_at", d.NextAt, "error", err)
	} else {
		o.logger.Warnw("sync operation failed; giving up",
			"id", p.id, "action", p.res.Action, "attempt", d.Attempt, "category", d.Category, "error", err)
	}
	o.publish(events.SyncFailed{
		Header:     events.NewHeader(p.id),
		Err:        err,
		IsUpload:   isUpload,
		RetryCount: d.Attempt,
		GaveUp:     !d.Retry,
	})
	return r, nil
}

// storeFailed handles a failed local write. A corrupted store aborts the
// cycle; a document removed meanwhile needs nothing more.
func (o *Orchestrator) storeFailed(p plan, err error) (docResult, error) {
	r := docResult{id: p.id, action: p.res.Action, state: stateUnapplied}
	if syncerr.IsNotFound(err) {
		r.state = stateApplied
		return r, nil
	}

	r.failure = &DocumentFailure{ID: p.id, Action: p.res.Action, Err: err}
	o.metrics.DocumentOp(string(p.res.Action), "failed")
	o.logger.Errorw("failed to record sync result", "id", p.id, "action", p.res.Action, "error", err)
	if syncerr.Classify(err) == syncerr.Fatal {
		return r, err
	}
	return r, nil
}

func (o *Orchestrator) succeeded(p plan, doc *document.Document, isUpload bool) {
	o.tracker.Set(doc)
	o.metrics.DocumentOp(string(p.res.Action), "ok")
	o.publish(events.Synced{Header: events.NewHeader(p.id), IsUpload: isUpload, Success: true})
}

func (o *Orchestrator) conflicted(id, reason string, doc *document.Document) {
	if doc != nil {
		o.tracker.Set(doc)
	}
	o.metrics.DocumentOp(string(resolve.MarkConflict), "ok")
	o.logger.Infow("document needs manual conflict resolution", "id", id, "reason", reason)
	o.publish(events.Synced{
		Header:  events.NewHeader(id),
		Success: false,
		Err:     &syncerr.ConflictError{DocumentID: id, Reason: reason},
	})
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

func (o *Orchestrator) publishTracked() {
	if o.metrics == nil {
		return
	}
	stats := o.tracker.Statistics()
	for _, status := range document.Statuses {
		o.metrics.SetTracked(string(status), stats.Count(status))
	}
}
