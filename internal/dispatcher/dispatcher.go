// Package dispatcher accepts submission requests, reserves the fiscal
// identity of a document and hands the transmission to the queue. The
// synchronous path reuses the worker's processor so both modes follow
// identical semantics.
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/sefaz"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/storage"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/worker"
)

const minJustificationLen = 15

// DocumentStore is the document persistence the dispatcher needs.
type DocumentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	MarkSubmitted(ctx context.Context, id string, number int64, accessKey string) error
	RollbackToDraft(ctx context.Context, id string) error
}

// EstablishmentStore resolves issuing establishments.
type EstablishmentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Establishment, error)
}

// QueueStore is the queue persistence the dispatcher needs.
type QueueStore interface {
	Enqueue(ctx context.Context, params storage.EnqueueParams) (*domain.QueueJob, error)
	ClaimByID(ctx context.Context, id, instanceID string) (*domain.QueueJob, error)
	MarkCompleted(ctx context.Context, id string, result any, requiresResend bool) error
	MarkFailed(ctx context.Context, id, errorMsg string) error
}

// CounterStore reserves sequential document numbers.
type CounterStore interface {
	NextNumber(ctx context.Context, establishmentID string, docType domain.DocumentType) (int64, error)
}

// WakePublisher notifies workers that a job was enqueued.
type WakePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config tunes the dispatcher.
type Config struct {
	InstanceID  string
	MaxAttempts int
}

// Dispatcher validates submissions and routes them sync or async.
type Dispatcher struct {
	documents      DocumentStore
	establishments EstablishmentStore
	queue          QueueStore
	counters       CounterStore
	publisher      WakePublisher
	processor      *worker.Processor
	recorder       *audit.Recorder
	logger         *slog.Logger

	instanceID  string
	maxAttempts int
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	cfg Config,
	documents DocumentStore,
	establishments EstablishmentStore,
	queue QueueStore,
	counters CounterStore,
	publisher WakePublisher,
	processor *worker.Processor,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		documents:      documents,
		establishments: establishments,
		queue:          queue,
		counters:       counters,
		publisher:      publisher,
		processor:      processor,
		recorder:       recorder,
		logger:         logger,
		instanceID:     cfg.InstanceID,
		maxAttempts:    maxAttempts,
	}
}

// Submission is the outcome of a dispatch. Result is nil for async
// submissions, which settle later through the queue.
type Submission struct {
	Job    *domain.QueueJob
	Result *worker.Result
}

// SubmitEmit dispatches an emission. The document number and access key
// are reserved here, before the job exists, so a crash between the two
// writes wastes a number but never duplicates one.
func (d *Dispatcher) SubmitEmit(ctx context.Context, documentID, actor string, sync bool) (*Submission, error) {
	doc, err := d.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.Emittable() {
		return nil, domain.ErrInvalidStatus
	}
	if !doc.OutboundXML.Valid || doc.OutboundXML.String == "" {
		return nil, domain.ErrMissingXML
	}

	est, err := d.activeEstablishment(ctx, doc.EstablishmentID)
	if err != nil {
		return nil, err
	}

	number, err := d.counters.NextNumber(ctx, est.ID, doc.DocumentType)
	if err != nil {
		return nil, err
	}

	ufCode, err := sefaz.UFCode(est.UF)
	if err != nil {
		return nil, err
	}
	accessKey, err := domain.AccessKey(
		ufCode, time.Now(), est.CNPJ, doc.Model(), doc.Series, number,
		domain.EmissionType(est.ContingencyMode),
	)
	if err != nil {
		return nil, err
	}

	if err := d.documents.MarkSubmitted(ctx, doc.ID, number, accessKey); err != nil {
		return nil, err
	}

	jobType := domain.JobTypeCteEmit
	if doc.DocumentType == domain.DocumentTypeMdfe {
		jobType = domain.JobTypeMdfeEmit
	}

	return d.dispatch(ctx, doc, est, jobType, domain.JobPayload{Number: number}, actor, sync, true)
}

// SubmitCancel dispatches a CT-e cancellation.
func (d *Dispatcher) SubmitCancel(ctx context.Context, documentID, justification, actor string, sync bool) (*Submission, error) {
	if len([]rune(justification)) < minJustificationLen {
		return nil, domain.ErrShortJustification
	}

	doc, err := d.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.DocumentType != domain.DocumentTypeCte || doc.Status != domain.DocumentStatusAuthorized {
		return nil, domain.ErrInvalidStatus
	}

	est, err := d.activeEstablishment(ctx, doc.EstablishmentID)
	if err != nil {
		return nil, err
	}

	return d.dispatch(ctx, doc, est, domain.JobTypeCteCancel, domain.JobPayload{Justification: justification}, actor, sync, false)
}

// SubmitClose dispatches an MDF-e closing.
func (d *Dispatcher) SubmitClose(ctx context.Context, documentID, actor string, sync bool) (*Submission, error) {
	doc, err := d.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.DocumentType != domain.DocumentTypeMdfe || doc.Status != domain.DocumentStatusAuthorized {
		return nil, domain.ErrInvalidStatus
	}

	est, err := d.activeEstablishment(ctx, doc.EstablishmentID)
	if err != nil {
		return nil, err
	}

	return d.dispatch(ctx, doc, est, domain.JobTypeMdfeClose, domain.JobPayload{}, actor, sync, false)
}

func (d *Dispatcher) activeEstablishment(ctx context.Context, id string) (*domain.Establishment, error) {
	est, err := d.establishments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !est.Active {
		return nil, domain.ErrEstablishmentInactive
	}
	return est, nil
}

// dispatch persists the job, records the enqueue on the audit trail and
// either wakes a worker or runs the job inline.
func (d *Dispatcher) dispatch(
	ctx context.Context,
	doc *domain.Document,
	est *domain.Establishment,
	jobType string,
	payload domain.JobPayload,
	actor string,
	sync bool,
	rollbackOnFailure bool,
) (*Submission, error) {
	job, err := d.queue.Enqueue(ctx, storage.EnqueueParams{
		JobType:         jobType,
		EntityID:        doc.ID,
		EstablishmentID: est.ID,
		Payload:         payload,
		MaxAttempts:     d.maxAttempts,
		ContingencyMode: est.ContingencyMode,
		CreatedBy:       actor,
	})
	if err != nil {
		return nil, err
	}

	if err := d.recorder.Record(ctx, &domain.AuditEntry{
		Actor:           actor,
		EntityType:      doc.DocumentType,
		EntityID:        doc.ID,
		Action:          domain.AuditActionEnqueue,
		EstablishmentID: est.ID,
		IssuerCNPJ:      est.CNPJ,
		QueueJobID:      sql.NullString{String: job.ID, Valid: true},
		Environment:     est.Environment,
		UF:              est.UF,
	}); err != nil {
		// The trail is part of the enqueue contract; without it the
		// submission did not happen.
		if markErr := d.queue.MarkFailed(ctx, job.ID, "audit trail write failed"); markErr != nil {
			d.logger.Error("Failed to void job after audit failure",
				slog.String("job_id", job.ID),
				slog.Any("error", markErr),
			)
		}
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}

	if sync {
		return d.runInline(ctx, job, doc, rollbackOnFailure)
	}

	d.wake(ctx, job.ID)
	return &Submission{Job: job}, nil
}

// runInline claims the job back and runs it in the request. A sync
// submission gets exactly one attempt; any failure settles the job and,
// for emissions, rolls the document back to draft.
func (d *Dispatcher) runInline(ctx context.Context, job *domain.QueueJob, doc *domain.Document, rollback bool) (*Submission, error) {
	claimed, err := d.queue.ClaimByID(ctx, job.ID, d.instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// A worker beat us to it; report async semantics.
			return &Submission{Job: job}, nil
		}
		return nil, err
	}

	result, procErr := d.processor.Process(ctx, claimed)
	if procErr != nil {
		if markErr := d.queue.MarkFailed(ctx, claimed.ID, procErr.Error()); markErr != nil {
			d.logger.Error("Failed to settle sync job",
				slog.String("job_id", claimed.ID),
				slog.Any("error", markErr),
			)
		}
		if rollback && !domain.IsRejection(procErr) {
			if rbErr := d.documents.RollbackToDraft(ctx, doc.ID); rbErr != nil {
				d.logger.Error("Failed to roll document back after sync failure",
					slog.String("document_id", doc.ID),
					slog.Any("error", rbErr),
				)
			}
		}
		return nil, procErr
	}

	requiresResend := claimed.ContingencyMode != domain.ContingencyNormal
	if err := d.queue.MarkCompleted(ctx, claimed.ID, result, requiresResend); err != nil {
		d.logger.Error("Failed to mark sync job completed",
			slog.String("job_id", claimed.ID),
			slog.Any("error", err),
		)
	}

	claimed.Status = domain.JobStatusCompleted
	return &Submission{Job: claimed, Result: result}, nil
}

// wake is best effort; the worker poll ticker covers a lost message.
func (d *Dispatcher) wake(ctx context.Context, jobID string) {
	body, err := json.Marshal(domain.WakeMessage{JobID: jobID})
	if err != nil {
		d.logger.Error("Failed to encode wake message", slog.Any("error", err))
		return
	}
	if err := d.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		d.logger.Warn("Failed to publish wake message",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}
