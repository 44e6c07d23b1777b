package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
)

// AuditStorage appends to the fiscal_logs table. There are no update or
// delete statements here on purpose.
type AuditStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewAuditStorage creates a new AuditStorage instance.
func NewAuditStorage(db *sqlx.DB, logger *slog.Logger) *AuditStorage {
	return &AuditStorage{
		db:     db,
		logger: logger,
	}
}

// Append inserts one audit entry.
func (s *AuditStorage) Append(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	details := entry.Details
	if details == nil {
		details = []byte("{}")
	}

	query := `
		INSERT INTO fiscal_logs (
			id, actor, entity_type, entity_id, action, establishment_id,
			issuer_cnpj, queue_job_id, attempt, authority_status,
			authority_message, latency_ms, endpoint, environment, uf,
			details, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Actor, entry.EntityType, entry.EntityID, entry.Action,
		entry.EstablishmentID, entry.IssuerCNPJ, entry.QueueJobID, entry.Attempt,
		entry.AuthorityStatus, entry.AuthorityMsg, entry.LatencyMs,
		entry.Endpoint, entry.Environment, entry.UF, details,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListForEntity returns the audit trail of one document, oldest first.
func (s *AuditStorage) ListForEntity(ctx context.Context, entityID string) ([]domain.AuditEntry, error) {
	query := `
		SELECT id, actor, entity_type, entity_id, action, establishment_id,
		       issuer_cnpj, queue_job_id, attempt, authority_status,
		       authority_message, latency_ms, endpoint, environment, uf,
		       details, created_at
		FROM fiscal_logs
		WHERE entity_id = $1
		ORDER BY created_at
	`

	var entries []domain.AuditEntry
	if err := s.db.SelectContext(ctx, &entries, query, entityID); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	s.logger.Debug("Audit trail fetched",
		slog.String("entity_id", entityID),
		slog.Int("count", len(entries)),
	)
	return entries, nil
}
