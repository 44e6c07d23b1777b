// Package audit records the regulator-facing trail of every fiscal
// operation. Recording failures are logged but never fail the operation
// that triggered them, except where the caller decides otherwise.
package audit

import (
	"context"
	"log/slog"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
)

// Store is the append-only persistence behind the trail.
type Store interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	ListForEntity(ctx context.Context, entityID string) ([]domain.AuditEntry, error)
}

// Recorder writes audit entries and mirrors them to the structured log.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
	}
}

// Record appends one entry. The returned error lets callers on the
// critical path (enqueue) fail the operation when the trail cannot be
// written; background callers log and move on.
func (r *Recorder) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Error("Failed to record audit entry",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err),
		)
		return err
	}

	r.logger.Info("Audit entry recorded",
		slog.String("action", entry.Action),
		slog.String("entity_type", string(entry.EntityType)),
		slog.String("entity_id", entry.EntityID),
		slog.String("actor", entry.Actor),
	)
	return nil
}

// RecordBestEffort appends one entry and swallows the error after logging
// it. Used where the underlying operation already succeeded remotely and
// must not be undone by a local write failure.
func (r *Recorder) RecordBestEffort(ctx context.Context, entry *domain.AuditEntry) {
	_ = r.Record(ctx, entry)
}

// Trail returns the entries of one document, oldest first.
func (r *Recorder) Trail(ctx context.Context, entityID string) ([]domain.AuditEntry, error) {
	return r.store.ListForEntity(ctx, entityID)
}
