package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/storage"
)

// QueueStore is the queue persistence the engine needs.
type QueueStore interface {
	Claim(ctx context.Context, instanceID string, limit int) ([]domain.QueueJob, error)
	MarkCompleted(ctx context.Context, id string, result any, requiresResend bool) error
	MarkFailed(ctx context.Context, id, errorMsg string) error
	Requeue(ctx context.Context, id string, delay time.Duration, mode domain.ContingencyMode, errorMsg string) error
	SweepStale(ctx context.Context, staleAfter time.Duration) (int, error)
	ResendCandidates(ctx context.Context, limit int) ([]domain.QueueJob, error)
	ClearResend(ctx context.Context, id string) error
	Enqueue(ctx context.Context, params storage.EnqueueParams) (*domain.QueueJob, error)
}

// Escalator switches an establishment into contingency and probes for
// recovery.
type Escalator interface {
	Escalate(ctx context.Context, est *domain.Establishment, cause error) (domain.ContingencyMode, error)
	ProbeAll(ctx context.Context) (int, error)
}

// EngineConfig tunes the claim engine.
type EngineConfig struct {
	InstanceID   string
	BatchSize    int
	MaxAttempts  int
	StaleTimeout time.Duration
}

// Engine claims due jobs, runs them through the processor and settles
// each outcome. Many engine instances may run against the same queue.
type Engine struct {
	queue          QueueStore
	documents      DocumentStore
	establishments EstablishmentStore
	processor      *Processor
	contingency    Escalator
	recorder       *audit.Recorder
	logger         *slog.Logger

	instanceID   string
	batchSize    int
	maxAttempts  int
	staleTimeout time.Duration
}

// NewEngine creates an Engine.
func NewEngine(
	cfg EngineConfig,
	queue QueueStore,
	documents DocumentStore,
	establishments EstablishmentStore,
	processor *Processor,
	contingency Escalator,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *Engine {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	staleTimeout := cfg.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = 120 * time.Second
	}
	return &Engine{
		queue:          queue,
		documents:      documents,
		establishments: establishments,
		processor:      processor,
		contingency:    contingency,
		recorder:       recorder,
		logger:         logger,
		instanceID:     cfg.InstanceID,
		batchSize:      batchSize,
		maxAttempts:    maxAttempts,
		staleTimeout:   staleTimeout,
	}
}

// RunCycle sweeps stale locks, then claims one batch and processes it
// sequentially. Returns how many jobs were claimed.
func (e *Engine) RunCycle(ctx context.Context) (int, error) {
	// Orphaned locks go back to pending before the claim so a crashed
	// instance's jobs are picked up in this same cycle.
	if swept, err := e.queue.SweepStale(ctx, e.staleTimeout); err != nil {
		e.logger.Error("Stale sweep failed", slog.Any("error", err))
	} else if swept > 0 {
		e.logger.Info("Stale jobs swept", slog.Int("swept", swept))
	}

	jobs, err := e.queue.Claim(ctx, e.instanceID, e.batchSize)
	if err != nil {
		return 0, err
	}

	for i := range jobs {
		e.processJob(ctx, &jobs[i])
	}
	return len(jobs), nil
}

// processJob runs one claimed job and settles its outcome. Errors are
// absorbed here; a failing job never takes the cycle down.
func (e *Engine) processJob(ctx context.Context, job *domain.QueueJob) {
	e.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.Attempts),
		slog.String("instance_id", e.instanceID),
	)

	result, err := e.processor.Process(ctx, job)
	if err == nil {
		requiresResend := job.ContingencyMode != domain.ContingencyNormal
		if markErr := e.queue.MarkCompleted(ctx, job.ID, result, requiresResend); markErr != nil {
			e.logger.Error("Failed to mark job completed",
				slog.String("job_id", job.ID),
				slog.Any("error", markErr),
			)
		}
		return
	}

	e.settleFailure(ctx, job, err)
}

// settleFailure routes one failed attempt: rejections are terminal,
// offline signals escalate contingency before requeueing, retryable
// failures back off, everything else fails the job outright.
func (e *Engine) settleFailure(ctx context.Context, job *domain.QueueJob, procErr error) {
	switch {
	case domain.IsRejection(procErr):
		// Document status already reflects the rejection.
		if err := e.queue.MarkFailed(ctx, job.ID, procErr.Error()); err != nil {
			e.logger.Error("Failed to mark rejected job failed",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}

	case domain.IsOffline(procErr):
		mode := job.ContingencyMode
		est, err := e.establishments.GetByID(ctx, job.EstablishmentID)
		if err != nil {
			e.logger.Error("Failed to load establishment for escalation",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		} else if escalated, err := e.contingency.Escalate(ctx, est, procErr); err != nil {
			e.logger.Error("Failed to escalate contingency",
				slog.String("establishment_id", job.EstablishmentID),
				slog.Any("error", err),
			)
		} else {
			mode = escalated
		}
		e.retryOrFail(ctx, job, mode, procErr)

	case domain.IsRetryable(procErr):
		e.retryOrFail(ctx, job, job.ContingencyMode, procErr)

	default:
		e.fail(ctx, job, procErr)
	}
}

func (e *Engine) retryOrFail(ctx context.Context, job *domain.QueueJob, mode domain.ContingencyMode, procErr error) {
	if job.Attempts >= e.maxAttempts {
		e.fail(ctx, job, errors.Join(domain.ErrMaxAttemptsExceeded, procErr))
		return
	}

	delay := domain.Backoff(job.Attempts)
	if err := e.queue.Requeue(ctx, job.ID, delay, mode, procErr.Error()); err != nil {
		e.logger.Error("Failed to requeue job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) fail(ctx context.Context, job *domain.QueueJob, procErr error) {
	if err := e.queue.MarkFailed(ctx, job.ID, procErr.Error()); err != nil {
		e.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	if !domain.IsRejection(procErr) {
		if err := e.documents.MarkError(ctx, job.EntityID, procErr.Error()); err != nil {
			e.logger.Error("Failed to mark document errored",
				slog.String("document_id", job.EntityID),
				slog.Any("error", err),
			)
		}
	}
}

// RunMaintenance probes contingency recovery and promotes completed
// contingency jobs for retransmission. Runs on every instance; both
// steps tolerate concurrent execution.
func (e *Engine) RunMaintenance(ctx context.Context) {
	if recovered, err := e.contingency.ProbeAll(ctx); err != nil {
		e.logger.Error("Recovery probing failed", slog.Any("error", err))
	} else if recovered > 0 {
		e.logger.Info("Establishments recovered", slog.Int("count", recovered))
	}

	e.promoteResends(ctx)
}

// promoteResends enqueues follow-up jobs for documents authorized over a
// contingency channel once their establishment is back to normal.
func (e *Engine) promoteResends(ctx context.Context) {
	candidates, err := e.queue.ResendCandidates(ctx, e.batchSize)
	if err != nil {
		e.logger.Error("Failed to list resend candidates", slog.Any("error", err))
		return
	}

	for i := range candidates {
		job := &candidates[i]

		var payload domain.JobPayload
		_ = unmarshalPayload(job.Payload, &payload)

		followUp, err := e.queue.Enqueue(ctx, storage.EnqueueParams{
			JobType:         job.JobType,
			EntityID:        job.EntityID,
			EstablishmentID: job.EstablishmentID,
			Payload:         payload,
			MaxAttempts:     e.maxAttempts,
			ContingencyMode: domain.ContingencyNormal,
			OriginalJobID:   job.ID,
			CreatedBy:       "system",
		})
		if err != nil {
			e.logger.Error("Failed to enqueue resend job",
				slog.String("original_job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}

		if err := e.queue.ClearResend(ctx, job.ID); err != nil {
			e.logger.Error("Failed to clear resend flag",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}

		e.recorder.RecordBestEffort(ctx, &domain.AuditEntry{
			Actor:           "system",
			EntityType:      domain.DocumentTypeForJob(job.JobType),
			EntityID:        job.EntityID,
			Action:          domain.AuditActionResendEnqueue,
			EstablishmentID: job.EstablishmentID,
			QueueJobID:      nullableString(followUp.ID),
		})

		e.logger.Info("Resend job enqueued",
			slog.String("original_job_id", job.ID),
			slog.String("job_id", followUp.ID),
		)
	}
}
