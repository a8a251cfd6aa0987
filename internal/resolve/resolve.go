// Package resolve decides how a local and a remote version of the same
// document are reconciled.
//
// Resolve is a pure function of its inputs: it never performs I/O and the
// same pair of versions always yields the same Resolution.
package resolve

import (
	"time"

	"github.com/proscan/docsync/internal/document"
)

// Action is the reconciliation step chosen for one document.
type Action string

const (
	// Noop leaves both sides untouched.
	Noop Action = "noop"
	// Upload pushes the local version to the remote store.
	Upload Action = "upload"
	// Download replaces the local version with the remote one.
	Download Action = "download"
	// ApplyTombstone applies a remote deletion locally.
	ApplyTombstone Action = "apply_tombstone"
	// PropagateDelete sends a local deletion to the remote store.
	PropagateDelete Action = "propagate_delete"
	// SettleLocal marks a local change as reconciled without any network
	// call, e.g. deleting a document that never reached the remote store.
	SettleLocal Action = "settle_local"
	// Converge records both sides as synced because they carry identical
	// content.
	Converge Action = "converge"
	// MarkConflict surfaces the document for manual resolution.
	MarkConflict Action = "mark_conflict"
)

// Actions lists every action, for metrics label pre-registration.
var Actions = []Action{Noop, Upload, Download, ApplyTombstone, PropagateDelete, SettleLocal, Converge, MarkConflict}

// IsUpload reports whether the action sends data to the remote store.
func (a Action) IsUpload() bool {
	return a == Upload || a == PropagateDelete
}

// NeedsNetwork reports whether executing the action requires a remote call.
func (a Action) NeedsNetwork() bool {
	switch a {
	case Upload, Download, PropagateDelete:
		return true
	}
	return false
}

// Resolution is the outcome of comparing two versions.
type Resolution struct {
	Action Action
	Reason string
}

// Options alter the policy for one cycle.
type Options struct {
	// ReplaceLocal makes every version the remote store reports win,
	// regardless of timestamps.
	ReplaceLocal bool
}

// DefaultSkewTolerance is the clock skew under which two concurrent edits
// are considered simultaneous.
const DefaultSkewTolerance = time.Second

// Resolver holds the tie-break configuration.
type Resolver struct {
	// SkewTolerance is the window in which differing UpdatedAt values are
	// treated as a tie. Zero means only identical timestamps tie.
	SkewTolerance time.Duration
}

// New returns a Resolver with the given skew tolerance.
func New(skew time.Duration) Resolver {
	if skew < 0 {
		skew = 0
	}
	return Resolver{SkewTolerance: skew}
}

// Resolve compares the local version (nil if the document does not exist
// locally) with the remote version (nil if the remote store reported no
// change for it). The remote version carries its revision in
// RemoteRevision.
func (r Resolver) Resolve(local, remote *document.Document, opts Options) Resolution {
	switch {
	case local == nil && remote == nil:
		return Resolution{Noop, "absent on both sides"}

	case local == nil:
		if remote.Deleted {
			return Resolution{Noop, "remote tombstone for unknown document"}
		}
		return Resolution{Download, "new remote document"}

	case remote == nil || remote.RemoteRevision == local.RemoteRevision:
		return resolveLocal(local)
	}

	// From here the remote side changed since the last common sync point.
	if opts.ReplaceLocal {
		if remote.Deleted {
			return Resolution{ApplyTombstone, "replace local: remote deleted"}
		}
		return Resolution{Download, "replace local"}
	}

	if remote.Deleted {
		return Resolution{ApplyTombstone, "remote tombstone wins"}
	}

	if local.IsPlaceholder() || !local.LocallyChanged() {
		return Resolution{Download, "only remote changed"}
	}

	// Both sides changed.
	if !local.Deleted && local.Fingerprint() == remote.Fingerprint() {
		return Resolution{Converge, "identical content on both sides"}
	}

	delta := remote.UpdatedAt.Sub(local.UpdatedAt)
	switch {
	case delta > r.SkewTolerance:
		return Resolution{Download, "remote edit is newer"}
	case delta < -r.SkewTolerance:
		if local.Deleted {
			return Resolution{PropagateDelete, "local deletion is newer"}
		}
		return Resolution{Upload, "local edit is newer"}
	default:
		return Resolution{MarkConflict, "concurrent edits within clock skew tolerance"}
	}
}

// resolveLocal handles a document whose remote side did not change in this
// batch.
func resolveLocal(local *document.Document) Resolution {
	switch {
	case local.RemotelyChanged() && local.LocallyChanged():
		// The remote version is not part of this batch, so the edits cannot
		// be compared. The document stays in conflict until a newer remote
		// change arrives or the user picks a side.
		return Resolution{MarkConflict, "remote version unavailable for comparison"}

	case local.RemotelyChanged():
		return Resolution{Download, "pending remote revision"}

	case !local.LocallyChanged():
		return Resolution{Noop, "in sync"}

	case local.Deleted && local.RemoteRevision == "":
		return Resolution{SettleLocal, "deleted before first upload"}

	case local.Deleted:
		return Resolution{PropagateDelete, "only local deletion"}

	default:
		return Resolution{Upload, "only local changed"}
	}
}
