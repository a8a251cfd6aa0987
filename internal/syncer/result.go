package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/proscan/docsync/internal/resolve"
)

// Outcome summarizes a whole cycle.
type Outcome string

const (
	// Success means every document was reconciled.
	Success Outcome = "success"
	// PartialFailure means some documents failed or were not reached.
	PartialFailure Outcome = "partialFailure"
	// Failure means the cycle aborted before any document was applied.
	Failure Outcome = "failure"
)

// Options alter one cycle. Options of coalesced triggers are combined.
type Options struct {
	// ForceFullSync lists the whole remote collection and ignores backoff
	// windows.
	ForceFullSync bool
	// ReplaceLocal lets every version reported by the remote store win.
	ReplaceLocal bool
}

func (o Options) merge(other Options) Options {
	return Options{
		ForceFullSync: o.ForceFullSync || other.ForceFullSync,
		ReplaceLocal:  o.ReplaceLocal || other.ReplaceLocal,
	}
}

// DocumentFailure describes one document that could not be reconciled.
type DocumentFailure struct {
	ID     string
	Action resolve.Action
	Err    error
	// RetryCount is the number of failed attempts recorded so far.
	RetryCount int
	// Retrying is true when an automatic retry is scheduled.
	Retrying bool
}

// Result is the aggregate report of one cycle.
type Result struct {
	Outcome           Outcome
	Success           bool
	DocumentsAdded    int
	DocumentsUpdated  int
	DocumentsUploaded int
	DocumentsDeleted  int
	ConflictCount     int
	// Skipped counts documents left untouched because the cycle was cut
	// short.
	Skipped   int
	Failures  []DocumentFailure
	Message   string
	StartedAt time.Time
	Duration  time.Duration

	nextRetry time.Time
}

// Changed reports whether the cycle altered any document.
func (r *Result) Changed() bool {
	return r.DocumentsAdded+r.DocumentsUpdated+r.DocumentsUploaded+r.DocumentsDeleted > 0
}

func (r *Result) summarize() {
	if r.Message != "" {
		return
	}

	var parts []string
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(r.DocumentsAdded, "added")
	add(r.DocumentsUpdated, "updated")
	add(r.DocumentsUploaded, "uploaded")
	add(r.DocumentsDeleted, "deleted")
	add(r.ConflictCount, "in conflict")
	add(len(r.Failures), "failed")
	add(r.Skipped, "skipped")

	if len(parts) == 0 {
		r.Message = "everything up to date"
		return
	}
	r.Message = strings.Join(parts, ", ")
}
