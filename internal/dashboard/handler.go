package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/proscan/docsync/internal/events"
	"github.com/proscan/docsync/internal/syncer"
)

// DocumentData describes one document event.
type DocumentData struct {
	DocumentID string      `json:"document_id"`
	Kind       events.Kind `json:"kind"`
	IsUpload   bool        `json:"is_upload,omitempty"`
	Success    bool        `json:"success,omitempty"`
	Purged     bool        `json:"purged,omitempty"`
	RetryCount int         `json:"retry_count,omitempty"`
	GaveUp     bool        `json:"gave_up,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// FailureData describes one document a cycle could not reconcile.
type FailureData struct {
	DocumentID string `json:"document_id"`
	Action     string `json:"action"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	Retrying   bool   `json:"retrying"`
}

// SyncCompleteData summarizes a finished cycle.
type SyncCompleteData struct {
	Outcome   syncer.Outcome `json:"outcome"`
	Message   string         `json:"message"`
	Added     int            `json:"added"`
	Updated   int            `json:"updated"`
	Uploaded  int            `json:"uploaded"`
	Deleted   int            `json:"deleted"`
	Conflicts int            `json:"conflicts"`
	Skipped   int            `json:"skipped"`
	Failures  []FailureData  `json:"failures,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// NewSyncCompleteData flattens res for the wire.
func NewSyncCompleteData(res *syncer.Result) SyncCompleteData {
	data := SyncCompleteData{
		Outcome:   res.Outcome,
		Message:   res.Message,
		Added:     res.DocumentsAdded,
		Updated:   res.DocumentsUpdated,
		Uploaded:  res.DocumentsUploaded,
		Deleted:   res.DocumentsDeleted,
		Conflicts: res.ConflictCount,
		Skipped:   res.Skipped,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
	}
	for _, f := range res.Failures {
		fd := FailureData{
			DocumentID: f.ID,
			Action:     string(f.Action),
			RetryCount: f.RetryCount,
			Retrying:   f.Retrying,
		}
		if f.Err != nil {
			fd.Error = f.Err.Error()
		}
		data.Failures = append(data.Failures, fd)
	}
	return data
}

// Handler forwards bus events and cycle results to the server's clients.
type Handler struct {
	server *Server
	stats  StatsSource
	logger *zap.SugaredLogger
}

// NewHandler creates a Handler broadcasting through server.
func NewHandler(server *Server, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		server: server,
		stats:  server.stats,
		logger: logger.Named("dashboard"),
	}
}

// Run forwards events from sub until ctx ends or the subscription closes.
func (h *Handler) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			h.OnEvent(e)
		}
	}
}

// OnEvent broadcasts e followed by the updated statistics.
func (h *Handler) OnEvent(e events.Event) {
	data := DocumentData{
		DocumentID: e.DocumentID(),
		Kind:       e.Kind(),
		Error:      events.ErrorMessage(e),
	}
	switch ev := e.(type) {
	case events.Deleted:
		data.Purged = ev.Purged
	case events.Synced:
		data.IsUpload = ev.IsUpload
		data.Success = ev.Success
	case events.SyncFailed:
		data.IsUpload = ev.IsUpload
		data.RetryCount = ev.RetryCount
		data.GaveUp = ev.GaveUp
	}

	h.send(MessageTypeDocument, e.Timestamp(), data)
	h.broadcastStats()
}

// OnSyncComplete broadcasts the summary of a finished cycle.
func (h *Handler) OnSyncComplete(res *syncer.Result) {
	if res == nil {
		return
	}
	h.logger.Debugw("sync complete", "outcome", res.Outcome, "message", res.Message)
	h.send(MessageTypeSyncComplete, time.Now().UTC(), NewSyncCompleteData(res))
	h.broadcastStats()
}

func (h *Handler) broadcastStats() {
	msg, err := statsMessage(h.stats.Statistics())
	if err != nil {
		h.logger.Warnw("failed to marshal stats", "error", err)
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) send(typ MessageType, at time.Time, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warnw("failed to marshal message", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: data})
}

func statsMessage(stats events.Statistics) (Message, error) {
	data, err := json.Marshal(stats)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now().UTC(), Data: data}, nil
}
