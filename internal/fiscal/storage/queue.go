package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
)

// QueueStorage handles fiscal_queue rows. The claim and sweep statements
// are the only places where instances compete; both rely on row locks so
// a job is never processed twice concurrently.
type QueueStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewQueueStorage creates a new QueueStorage instance.
func NewQueueStorage(db *sqlx.DB, logger *slog.Logger) *QueueStorage {
	return &QueueStorage{
		db:     db,
		logger: logger,
	}
}

const queueColumns = `
	id, job_type, entity_id, establishment_id, payload, status, attempts,
	max_attempts, locked_by, locked_at, contingency_mode, requires_resend,
	original_job_id, next_retry_at, result, error_message, created_by,
	created_at, started_at, completed_at
`

// EnqueueParams describes a new queue job.
type EnqueueParams struct {
	JobType         string
	EntityID        string
	EstablishmentID string
	Payload         domain.JobPayload
	MaxAttempts     int
	ContingencyMode domain.ContingencyMode
	OriginalJobID   string
	CreatedBy       string
}

// Enqueue inserts a pending job and returns it. The partial unique index
// on (entity_id, job_type) admits one live job per document and
// operation; concurrent duplicates surface as ErrDuplicateJob.
func (s *QueueStorage) Enqueue(ctx context.Context, params EnqueueParams) (*domain.QueueJob, error) {
	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	var originalJobID sql.NullString
	if params.OriginalJobID != "" {
		originalJobID = sql.NullString{String: params.OriginalJobID, Valid: true}
	}

	query := `
		INSERT INTO fiscal_queue (
			id, job_type, entity_id, establishment_id, payload, status,
			attempts, max_attempts, contingency_mode, original_job_id,
			next_retry_at, created_by, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, NOW(), $10, NOW())
		RETURNING ` + queueColumns

	var job domain.QueueJob
	err = s.db.GetContext(ctx, &job, query,
		uuid.New().String(), params.JobType, params.EntityID,
		params.EstablishmentID, payload, domain.JobStatusPending,
		params.MaxAttempts, params.ContingencyMode, originalJobID,
		params.CreatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateJob
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.String("entity_id", job.EntityID),
		slog.String("contingency_mode", string(job.ContingencyMode)),
	)
	return &job, nil
}

// GetByID retrieves a job by its ID.
func (s *QueueStorage) GetByID(ctx context.Context, id string) (*domain.QueueJob, error) {
	query := `SELECT ` + queueColumns + ` FROM fiscal_queue WHERE id = $1`

	var job domain.QueueJob
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Claim atomically claims up to limit due pending jobs for this instance.
// SKIP LOCKED keeps competing instances from blocking on each other; the
// same statement stamps ownership so a claim survives a crash inspection.
// A job is skipped while another job of the same type is processing for
// its document, keeping one transmission in flight per operation.
func (s *QueueStorage) Claim(ctx context.Context, instanceID string, limit int) ([]domain.QueueJob, error) {
	query := `
		WITH claimed AS (
			SELECT id FROM fiscal_queue
			WHERE status = $1
			  AND next_retry_at <= NOW()
			  AND NOT EXISTS (
				SELECT 1 FROM fiscal_queue p
				WHERE p.entity_id = fiscal_queue.entity_id
				  AND p.job_type = fiscal_queue.job_type
				  AND p.status = $3
			  )
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE fiscal_queue q
		SET status = $3,
		    locked_by = $4,
		    locked_at = NOW(),
		    started_at = COALESCE(q.started_at, NOW()),
		    attempts = q.attempts + 1
		FROM claimed
		WHERE q.id = claimed.id
		RETURNING ` + qualifiedQueueColumns("q")

	var jobs []domain.QueueJob
	err := s.db.SelectContext(ctx, &jobs, query,
		domain.JobStatusPending, limit, domain.JobStatusProcessing, instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	if len(jobs) > 0 {
		s.logger.Info("Jobs claimed",
			slog.Int("count", len(jobs)),
			slog.String("instance_id", instanceID),
		)
	}
	return jobs, nil
}

// ClaimByID claims one specific pending job. The synchronous dispatch
// path uses it so a concurrent worker poll cannot pick the job up while
// the request is being served inline.
func (s *QueueStorage) ClaimByID(ctx context.Context, id, instanceID string) (*domain.QueueJob, error) {
	query := `
		UPDATE fiscal_queue
		SET status = $1,
		    locked_by = $2,
		    locked_at = NOW(),
		    started_at = COALESCE(started_at, NOW()),
		    attempts = attempts + 1
		WHERE id = $3
		  AND status = $4
		RETURNING ` + queueColumns

	var job domain.QueueJob
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusProcessing, instanceID, id, domain.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", id),
		slog.String("instance_id", instanceID),
	)
	return &job, nil
}

// MarkCompleted finishes a job successfully. requiresResend flags jobs
// authorized over a contingency channel for later retransmission.
func (s *QueueStorage) MarkCompleted(ctx context.Context, id string, result any, requiresResend bool) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	query := `
		UPDATE fiscal_queue
		SET status = $1,
		    result = $2,
		    requires_resend = $3,
		    locked_by = NULL,
		    locked_at = NULL,
		    completed_at = NOW()
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, encoded, requiresResend, id); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	s.logger.Info("Job completed",
		slog.String("job_id", id),
		slog.Bool("requires_resend", requiresResend),
	)
	return nil
}

// MarkFailed terminates a job with an error message.
func (s *QueueStorage) MarkFailed(ctx context.Context, id, errorMsg string) error {
	return s.finish(ctx, id, domain.JobStatusFailed, errorMsg)
}

// MarkTimeout terminates a job that exhausted its attempts while stuck in
// processing. Distinct from failed so operators can tell crashes apart
// from rejections.
func (s *QueueStorage) MarkTimeout(ctx context.Context, id, errorMsg string) error {
	return s.finish(ctx, id, domain.JobStatusTimeout, errorMsg)
}

func (s *QueueStorage) finish(ctx context.Context, id, status, errorMsg string) error {
	query := `
		UPDATE fiscal_queue
		SET status = $1,
		    error_message = $2,
		    locked_by = NULL,
		    locked_at = NULL,
		    completed_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, status, errorMsg, id); err != nil {
		return fmt.Errorf("failed to mark job %s: %w", status, err)
	}

	s.logger.Warn("Job terminated",
		slog.String("job_id", id),
		slog.String("status", status),
		slog.String("error", errorMsg),
	)
	return nil
}

// Requeue releases a job back to pending with a retry delay, optionally
// switching its contingency mode for the next attempt.
func (s *QueueStorage) Requeue(ctx context.Context, id string, delay time.Duration, mode domain.ContingencyMode, errorMsg string) error {
	query := `
		UPDATE fiscal_queue
		SET status = $1,
		    locked_by = NULL,
		    locked_at = NULL,
		    contingency_mode = $2,
		    error_message = $3,
		    next_retry_at = NOW() + $4 * INTERVAL '1 second'
		WHERE id = $5
	`

	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, mode, errorMsg, int(delay.Seconds()), id); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	s.logger.Info("Job requeued",
		slog.String("job_id", id),
		slog.Duration("delay", delay),
		slog.String("contingency_mode", string(mode)),
	)
	return nil
}

// SweepStale recovers jobs whose lock is older than the stale timeout.
// Jobs with attempts left return to pending immediately; exhausted ones
// move to timeout. Returns how many jobs were touched.
func (s *QueueStorage) SweepStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	recoverQuery := `
		UPDATE fiscal_queue
		SET status = $1,
		    locked_by = NULL,
		    locked_at = NULL,
		    next_retry_at = NOW()
		WHERE status = $2
		  AND locked_at < NOW() - $3 * INTERVAL '1 second'
		  AND attempts < max_attempts
	`

	recovered, err := s.db.ExecContext(ctx, recoverQuery,
		domain.JobStatusPending, domain.JobStatusProcessing, int(staleAfter.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}

	exhaustQuery := `
		UPDATE fiscal_queue
		SET status = $1,
		    error_message = $2,
		    locked_by = NULL,
		    locked_at = NULL,
		    completed_at = NOW()
		WHERE status = $3
		  AND locked_at < NOW() - $4 * INTERVAL '1 second'
		  AND attempts >= max_attempts
	`

	exhausted, err := s.db.ExecContext(ctx, exhaustQuery,
		domain.JobStatusTimeout, "stale lock with no attempts left",
		domain.JobStatusProcessing, int(staleAfter.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale jobs: %w", err)
	}

	recoveredRows, _ := recovered.RowsAffected()
	exhaustedRows, _ := exhausted.RowsAffected()
	total := int(recoveredRows + exhaustedRows)

	if total > 0 {
		s.logger.Warn("Stale jobs swept",
			slog.Int64("recovered", recoveredRows),
			slog.Int64("timed_out", exhaustedRows),
		)
	}
	return total, nil
}

// ResendCandidates lists completed contingency jobs whose establishment is
// back in normal mode, ready for retransmission.
func (s *QueueStorage) ResendCandidates(ctx context.Context, limit int) ([]domain.QueueJob, error) {
	query := `
		SELECT ` + qualifiedQueueColumns("q") + `
		FROM fiscal_queue q
		JOIN fiscal_establishments e ON e.id = q.establishment_id
		WHERE q.status = $1
		  AND q.requires_resend = TRUE
		  AND e.contingency_mode = $2
		ORDER BY q.completed_at
		LIMIT $3
	`

	var jobs []domain.QueueJob
	err := s.db.SelectContext(ctx, &jobs, query,
		domain.JobStatusCompleted, domain.ContingencyNormal, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list resend candidates: %w", err)
	}
	return jobs, nil
}

// ClearResend drops the resend flag once a follow-up job exists.
func (s *QueueStorage) ClearResend(ctx context.Context, id string) error {
	query := `UPDATE fiscal_queue SET requires_resend = FALSE WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to clear resend flag: %w", err)
	}
	return nil
}

// CountPending counts jobs not yet terminal for an establishment. Used in
// contingency events to size the backlog at escalation time.
func (s *QueueStorage) CountPending(ctx context.Context, establishmentID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM fiscal_queue
		WHERE establishment_id = $1
		  AND status IN ($2, $3)
	`

	var count int
	err := s.db.GetContext(ctx, &count, query,
		establishmentID, domain.JobStatusPending, domain.JobStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// GetLatestForEntity returns the most recent job for a document.
func (s *QueueStorage) GetLatestForEntity(ctx context.Context, entityID string) (*domain.QueueJob, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM fiscal_queue
		WHERE entity_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var job domain.QueueJob
	if err := s.db.GetContext(ctx, &job, query, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return &job, nil
}

// ListFilter narrows a queue listing.
type ListFilter struct {
	Status          string
	EstablishmentID string
	CreatedBefore   time.Time
	Limit           int
}

// List returns jobs newest first, for keyset pagination on created_at.
func (s *QueueStorage) List(ctx context.Context, filter ListFilter) ([]domain.QueueJob, error) {
	query := `SELECT ` + queueColumns + ` FROM fiscal_queue WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.EstablishmentID != "" {
		args = append(args, filter.EstablishmentID)
		query += fmt.Sprintf(" AND establishment_id = $%d", len(args))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var jobs []domain.QueueJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func qualifiedQueueColumns(alias string) string {
	return alias + `.id, ` + alias + `.job_type, ` + alias + `.entity_id, ` +
		alias + `.establishment_id, ` + alias + `.payload, ` + alias + `.status, ` +
		alias + `.attempts, ` + alias + `.max_attempts, ` + alias + `.locked_by, ` +
		alias + `.locked_at, ` + alias + `.contingency_mode, ` + alias + `.requires_resend, ` +
		alias + `.original_job_id, ` + alias + `.next_retry_at, ` + alias + `.result, ` +
		alias + `.error_message, ` + alias + `.created_by, ` + alias + `.created_at, ` +
		alias + `.started_at, ` + alias + `.completed_at`
}
