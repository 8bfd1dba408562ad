package audit

import (
	"context"
	"log/slog"
)

// Recorder wraps the Store and emits structured logs alongside chain
// appends.
type Recorder struct {
	store *Store
	log   *slog.Logger
}

// NewRecorder creates an audit recorder backed by the given store.
func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// Record appends the event to the chain and logs it.
func (r *Recorder) Record(ctx context.Context, ev *Event) error {
	if err := r.store.Append(ctx, ev); err != nil {
		r.log.ErrorContext(ctx, "audit append failed",
			"request_id", ev.RequestID,
			"action", ev.Action,
			"error", err,
		)
		return err
	}

	r.log.InfoContext(ctx, "workflow transition recorded",
		"request_id", ev.RequestID,
		"expense_report_id", ev.ExpenseReportID,
		"actor_id", ev.ActorID,
		"action", ev.Action,
		"from_status", ev.FromStatus,
		"to_status", ev.ToStatus,
		"step_index", ev.StepIndex,
		"seq", ev.Seq,
		"hash", ev.Hash,
	)
	return nil
}

// EventsForRequest delegates to the store.
func (r *Recorder) EventsForRequest(ctx context.Context, requestID string) ([]Event, error) {
	return r.store.EventsForRequest(ctx, requestID)
}
