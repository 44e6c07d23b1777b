package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
)

// CounterStorage hands out sequential document numbers per establishment
// and document type.
type CounterStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewCounterStorage creates a new CounterStorage instance.
func NewCounterStorage(db *sqlx.DB, logger *slog.Logger) *CounterStorage {
	return &CounterStorage{
		db:     db,
		logger: logger,
	}
}

// NextNumber reserves the next document number. The upsert serializes on
// the (establishment_id, document_type) row, so concurrent callers never
// receive the same number. Reserved numbers are spent even if emission
// later fails; gaps are acceptable, duplicates are not.
func (s *CounterStorage) NextNumber(ctx context.Context, establishmentID string, docType domain.DocumentType) (int64, error) {
	query := `
		INSERT INTO fiscal_counters (establishment_id, document_type, last_number, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (establishment_id, document_type)
		DO UPDATE SET last_number = fiscal_counters.last_number + 1, updated_at = NOW()
		RETURNING last_number
	`

	var number int64
	if err := s.db.GetContext(ctx, &number, query, establishmentID, docType); err != nil {
		return 0, fmt.Errorf("failed to reserve document number: %w", err)
	}

	s.logger.Info("Document number reserved",
		slog.String("establishment_id", establishmentID),
		slog.String("document_type", string(docType)),
		slog.Int64("number", number),
	)
	return number, nil
}
