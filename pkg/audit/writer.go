package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atriumhq/atrium/pkg/contextkeys"
	"github.com/atriumhq/atrium/pkg/observability"
)

// Writer appends entries to the audit trail.
//
// Log never returns an error and never panics: audit completeness is
// best-effort, and a failed write must not unwind the mutation it records.
type Writer struct {
	store    Store
	logger   *observability.Logger
	failures prometheus.Counter
	writes   *prometheus.CounterVec
}

// NewWriter creates an audit writer. metrics may be nil (e.g. in tests).
func NewWriter(store Store, logger *observability.Logger, metrics *observability.Metrics) *Writer {
	w := &Writer{store: store, logger: logger}
	if metrics != nil {
		w.failures = metrics.AuditWriteFailures
		w.writes = metrics.AuditWritesTotal
	}
	return w
}

// NopWriter returns a writer that drops every entry. For tests and
// components wired without an audit trail.
func NopWriter() *Writer {
	return &Writer{store: nopStore{}, logger: observability.NewNopLogger()}
}

// Log appends one entry, filling ID, CreatedAt, and — when unset — the
// RequestID carried by the context. Returns the stored entry, or nil when
// the write failed; the failure is logged and counted but never propagated.
func (w *Writer) Log(ctx context.Context, entry Entry) *Entry {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("audit write panicked")
			if w.failures != nil {
				w.failures.Inc()
			}
		}
	}()

	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.RequestID == nil {
		if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
			entry.RequestID = &requestID
		}
	}

	if err := w.store.Insert(ctx, &entry); err != nil {
		w.logger.WithError(err).WithFields(map[string]interface{}{
			"action": string(entry.Action),
			"org_id": entry.OrgID,
		}).Error("audit write failed")
		if w.failures != nil {
			w.failures.Inc()
		}
		return nil
	}

	if w.writes != nil {
		w.writes.WithLabelValues(string(entry.Action), string(entry.ActorType)).Inc()
	}
	return &entry
}

// ChangeParams packs the common shape of a record mutation entry
type ChangeParams struct {
	OrgID         string
	Action        Action
	Module        string
	RecordID      string
	ActorType     ActorType
	ActorID       string
	PreviousState interface{}
	NewState      interface{}
	Metadata      map[string]interface{}
	ParentLogID   *string
}

// LogChange marshals before/after snapshots and appends the entry.
// Same guarantees as Log.
func (w *Writer) LogChange(ctx context.Context, params ChangeParams) *Entry {
	entry := Entry{
		OrgID:       params.OrgID,
		Action:      params.Action,
		Module:      params.Module,
		ActorType:   params.ActorType,
		ParentLogID: params.ParentLogID,
	}
	if params.RecordID != "" {
		entry.RecordID = &params.RecordID
	}
	if params.ActorID != "" {
		entry.ActorID = &params.ActorID
	}
	entry.PreviousState = marshalState(w, params.PreviousState)
	entry.NewState = marshalState(w, params.NewState)
	if params.Metadata != nil {
		entry.Metadata = marshalState(w, params.Metadata)
	}
	return w.Log(ctx, entry)
}

func marshalState(w *Writer, state interface{}) json.RawMessage {
	if state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		w.logger.WithError(err).Warn("failed to marshal audit state snapshot")
		return nil
	}
	return raw
}

type nopStore struct{}

func (nopStore) Insert(context.Context, *Entry) error { return nil }
func (nopStore) ByRequestID(context.Context, string) ([]*Entry, error) {
	return nil, nil
}
func (nopStore) ByRecord(context.Context, string, string, string) ([]*Entry, error) {
	return nil, nil
}
func (nopStore) Search(context.Context, SearchFilter) ([]*Entry, error) {
	return nil, nil
}
func (nopStore) GetStats(context.Context, string, *time.Time) (*Stats, error) {
	return &Stats{ByAction: map[Action]int64{}, ByActorType: map[ActorType]int64{}}, nil
}
func (nopStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}
