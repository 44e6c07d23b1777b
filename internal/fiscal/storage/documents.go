// Package storage holds the Postgres persistence layer for documents,
// queue jobs, establishments, counters and the audit trail.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
)

// DocumentStorage handles fiscal_documents rows.
type DocumentStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewDocumentStorage creates a new DocumentStorage instance.
func NewDocumentStorage(db *sqlx.DB, logger *slog.Logger) *DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

const documentColumns = `
	id, document_type, establishment_id, status, number, series, access_key,
	auth_protocol, closing_protocol, rejection_reason, outbound_xml,
	authorized_xml, issued_at, authorized_at, closed_at, created_at, updated_at
`

// GetByID retrieves a document by its ID.
func (s *DocumentStorage) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM fiscal_documents WHERE id = $1`

	var doc domain.Document
	if err := s.db.GetContext(ctx, &doc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// MarkSubmitted moves a document into processing and stamps the fiscal
// identity assigned at submission time. Only emittable statuses qualify;
// zero rows updated means the document raced into another status.
func (s *DocumentStorage) MarkSubmitted(ctx context.Context, id string, number int64, accessKey string) error {
	query := `
		UPDATE fiscal_documents
		SET status = $1,
		    number = $2,
		    access_key = $3,
		    issued_at = NOW(),
		    updated_at = NOW()
		WHERE id = $4
		  AND status IN ($5, $6)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.DocumentStatusProcessing, number, accessKey, id,
		domain.DocumentStatusDraft, domain.DocumentStatusRejected,
	)
	if err != nil {
		return fmt.Errorf("failed to mark document submitted: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return domain.ErrInvalidStatus
	}

	s.logger.Info("Document submitted",
		slog.String("document_id", id),
		slog.Int64("number", number),
		slog.String("access_key", accessKey),
	)
	return nil
}

// MarkAuthorized records a successful authorization.
func (s *DocumentStorage) MarkAuthorized(ctx context.Context, id, protocol, authorizedXML string) error {
	query := `
		UPDATE fiscal_documents
		SET status = $1,
		    auth_protocol = $2,
		    authorized_xml = $3,
		    rejection_reason = NULL,
		    authorized_at = NOW(),
		    updated_at = NOW()
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, domain.DocumentStatusAuthorized, protocol, authorizedXML, id); err != nil {
		return fmt.Errorf("failed to mark document authorized: %w", err)
	}

	s.logger.Info("Document authorized",
		slog.String("document_id", id),
		slog.String("protocol", protocol),
	)
	return nil
}

// MarkRejected records an explicit rejection by the authority.
func (s *DocumentStorage) MarkRejected(ctx context.Context, id, reason string) error {
	query := `
		UPDATE fiscal_documents
		SET status = $1,
		    rejection_reason = $2,
		    updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.DocumentStatusRejected, reason, id); err != nil {
		return fmt.Errorf("failed to mark document rejected: %w", err)
	}

	s.logger.Warn("Document rejected",
		slog.String("document_id", id),
		slog.String("reason", reason),
	)
	return nil
}

// MarkCancelled records a cancellation authorized by the authority.
func (s *DocumentStorage) MarkCancelled(ctx context.Context, id, protocol string) error {
	query := `
		UPDATE fiscal_documents
		SET status = $1,
		    auth_protocol = $2,
		    updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.DocumentStatusCancelled, protocol, id); err != nil {
		return fmt.Errorf("failed to mark document cancelled: %w", err)
	}

	s.logger.Info("Document cancelled",
		slog.String("document_id", id),
		slog.String("protocol", protocol),
	)
	return nil
}

// MarkClosed records an MDF-e closing.
func (s *DocumentStorage) MarkClosed(ctx context.Context, id, protocol string) error {
	query := `
		UPDATE fiscal_documents
		SET status = $1,
		    closing_protocol = $2,
		    closed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.DocumentStatusClosed, protocol, id); err != nil {
		return fmt.Errorf("failed to mark document closed: %w", err)
	}

	s.logger.Info("Document closed",
		slog.String("document_id", id),
		slog.String("closing_protocol", protocol),
	)
	return nil
}

// MarkError parks a document whose job exhausted its retry budget.
func (s *DocumentStorage) MarkError(ctx context.Context, id, reason string) error {
	query := `
		UPDATE fiscal_documents
		SET status = $1,
		    rejection_reason = $2,
		    updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.DocumentStatusError, reason, id); err != nil {
		return fmt.Errorf("failed to mark document errored: %w", err)
	}

	s.logger.Error("Document moved to error status",
		slog.String("document_id", id),
		slog.String("reason", reason),
	)
	return nil
}

// RollbackToDraft undoes a synchronous submission that failed, so the
// caller can correct and resubmit. Only processing documents roll back.
func (s *DocumentStorage) RollbackToDraft(ctx context.Context, id string) error {
	query := `
		UPDATE fiscal_documents
		SET status = $1,
		    issued_at = NULL,
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.DocumentStatusDraft, id, domain.DocumentStatusProcessing); err != nil {
		return fmt.Errorf("failed to roll document back to draft: %w", err)
	}

	s.logger.Info("Document rolled back to draft", slog.String("document_id", id))
	return nil
}
