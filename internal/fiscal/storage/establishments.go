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

// EstablishmentStorage handles fiscal_establishments rows.
type EstablishmentStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewEstablishmentStorage creates a new EstablishmentStorage instance.
func NewEstablishmentStorage(db *sqlx.DB, logger *slog.Logger) *EstablishmentStorage {
	return &EstablishmentStorage{
		db:     db,
		logger: logger,
	}
}

const establishmentColumns = `
	id, cnpj, trade_name, uf, environment, contingency_mode,
	contingency_since, active, created_at, updated_at
`

// GetByID retrieves an establishment by its ID.
func (s *EstablishmentStorage) GetByID(ctx context.Context, id string) (*domain.Establishment, error) {
	query := `SELECT ` + establishmentColumns + ` FROM fiscal_establishments WHERE id = $1`

	var est domain.Establishment
	if err := s.db.GetContext(ctx, &est, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEstablishmentNotFound
		}
		return nil, fmt.Errorf("failed to get establishment: %w", err)
	}
	return &est, nil
}

// ListInContingency returns establishments currently off the normal channel.
// The recovery probe walks this list.
func (s *EstablishmentStorage) ListInContingency(ctx context.Context) ([]domain.Establishment, error) {
	query := `
		SELECT ` + establishmentColumns + `
		FROM fiscal_establishments
		WHERE contingency_mode <> $1
		  AND active = TRUE
		ORDER BY contingency_since
	`

	var ests []domain.Establishment
	if err := s.db.SelectContext(ctx, &ests, query, domain.ContingencyNormal); err != nil {
		return nil, fmt.Errorf("failed to list establishments in contingency: %w", err)
	}
	return ests, nil
}

// SetContingencyMode flips the transmission channel of an establishment.
// Entering contingency stamps contingency_since; leaving clears it.
func (s *EstablishmentStorage) SetContingencyMode(ctx context.Context, id string, mode domain.ContingencyMode) error {
	query := `
		UPDATE fiscal_establishments
		SET contingency_mode = $1,
		    contingency_since = CASE WHEN $1 = $2 THEN NULL ELSE COALESCE(contingency_since, NOW()) END,
		    updated_at = NOW()
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, mode, domain.ContingencyNormal, id)
	if err != nil {
		return fmt.Errorf("failed to set contingency mode: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return domain.ErrEstablishmentNotFound
	}

	s.logger.Info("Establishment contingency mode updated",
		slog.String("establishment_id", id),
		slog.String("contingency_mode", string(mode)),
	)
	return nil
}

// RecordContingencyEvent appends one mode transition to the history.
func (s *EstablishmentStorage) RecordContingencyEvent(ctx context.Context, event *domain.ContingencyEvent) error {
	query := `
		INSERT INTO fiscal_contingency_events (
			id, establishment_id, previous_mode, new_mode, reason,
			diagnostic, pending_jobs, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.EstablishmentID, event.PreviousMode, event.NewMode,
		event.Reason, event.Diagnostic, event.PendingJobs,
	)
	if err != nil {
		return fmt.Errorf("failed to record contingency event: %w", err)
	}

	s.logger.Info("Contingency event recorded",
		slog.String("establishment_id", event.EstablishmentID),
		slog.String("previous_mode", string(event.PreviousMode)),
		slog.String("new_mode", string(event.NewMode)),
		slog.Int("pending_jobs", event.PendingJobs),
	)
	return nil
}
