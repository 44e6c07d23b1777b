package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/sefaz"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/signing"
)

// DocumentStore is the document persistence the processor needs.
type DocumentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	MarkAuthorized(ctx context.Context, id, protocol, authorizedXML string) error
	MarkRejected(ctx context.Context, id, reason string) error
	MarkCancelled(ctx context.Context, id, protocol string) error
	MarkClosed(ctx context.Context, id, protocol string) error
	MarkError(ctx context.Context, id, reason string) error
}

// EstablishmentStore resolves the issuing establishment of a job.
type EstablishmentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Establishment, error)
}

// SefazClient submits to the authorizing webservice.
type SefazClient interface {
	Send(ctx context.Context, req *sefaz.Request) (*sefaz.Response, error)
}

// Signer signs document payloads through the external signing service.
type Signer interface {
	Sign(ctx context.Context, req *signing.Request) (*signing.Response, error)
}

// Result is the normalized outcome persisted on a completed job.
type Result struct {
	Status    string `json:"status"`
	AccessKey string `json:"access_key,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
}

// Processor executes one queue job against the fiscal authority. It is
// shared between the worker loop and the synchronous dispatch path so
// both follow identical semantics.
type Processor struct {
	documents      DocumentStore
	establishments EstablishmentStore
	sefazClient    SefazClient
	signer         Signer
	recorder       *audit.Recorder
	logger         *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(
	documents DocumentStore,
	establishments EstablishmentStore,
	sefazClient SefazClient,
	signer Signer,
	recorder *audit.Recorder,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		documents:      documents,
		establishments: establishments,
		sefazClient:    sefazClient,
		signer:         signer,
		recorder:       recorder,
		logger:         logger,
	}
}

// Process runs the handler for the job's type. The returned error
// classifies the outcome: nil is success, *domain.RejectionError is a
// terminal authority rejection, *domain.OfflineError triggers contingency
// escalation and *domain.RetryableError a plain backoff retry.
func (p *Processor) Process(ctx context.Context, job *domain.QueueJob) (*Result, error) {
	doc, err := p.documents.GetByID(ctx, job.EntityID)
	if err != nil {
		return nil, err
	}

	est, err := p.establishments.GetByID(ctx, job.EstablishmentID)
	if err != nil {
		return nil, err
	}

	var payload domain.JobPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid job payload: %w", err)
		}
	}

	switch job.JobType {
	case domain.JobTypeCteEmit, domain.JobTypeMdfeEmit:
		return p.emit(ctx, job, doc, est)
	case domain.JobTypeCteCancel:
		return p.cancel(ctx, job, doc, est, payload.Justification)
	case domain.JobTypeMdfeClose:
		return p.close(ctx, job, doc, est)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.JobType)
	}
}

// emit signs and transmits the document for authorization. Reprocessing an
// already authorized document after a crash short-circuits to success.
func (p *Processor) emit(ctx context.Context, job *domain.QueueJob, doc *domain.Document, est *domain.Establishment) (*Result, error) {
	if doc.Status == domain.DocumentStatusAuthorized && doc.AccessKey.Valid {
		p.logger.Info("Document already authorized, skipping transmission",
			slog.String("document_id", doc.ID),
			slog.String("access_key", doc.AccessKey.String),
		)
		return &Result{
			Status:    domain.DocumentStatusAuthorized,
			AccessKey: doc.AccessKey.String,
			Protocol:  doc.AuthProtocol.String,
		}, nil
	}

	if !doc.OutboundXML.Valid || doc.OutboundXML.String == "" {
		return nil, domain.ErrMissingXML
	}

	signed, err := p.signer.Sign(ctx, &signing.Request{
		DocumentXML:     doc.OutboundXML.String,
		DocumentType:    string(doc.DocumentType),
		DocumentID:      doc.ID,
		EstablishmentID: est.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign document: %w", err)
	}

	action := sefaz.ActionAuthorizeCte
	if doc.DocumentType == domain.DocumentTypeMdfe {
		action = sefaz.ActionAuthorizeMdfe
	}

	resp, err := p.send(ctx, job, doc, est, &sefaz.Request{
		Action:          action,
		SignedDocument:  signed.SignedDocument,
		AccessKey:       doc.AccessKey.String,
		DocumentID:      doc.ID,
		EstablishmentID: est.ID,
	})
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		if sefaz.IsOfflineSignal(resp.Status, resp.RejectionReason) {
			return nil, &domain.OfflineError{
				Status: resp.Status,
				Err:    fmt.Errorf("authorization refused with offline status: %s", resp.RejectionReason),
			}
		}
		if err := p.documents.MarkRejected(ctx, doc.ID, resp.RejectionReason); err != nil {
			return nil, err
		}
		p.recordOutcome(ctx, job, doc, est, domain.AuditActionReject, resp)
		return nil, &domain.RejectionError{Status: resp.Status, Reason: resp.RejectionReason}
	}

	if err := p.documents.MarkAuthorized(ctx, doc.ID, resp.Protocol, resp.AuthorizedXML); err != nil {
		return nil, err
	}
	p.recordOutcome(ctx, job, doc, est, domain.AuditActionAuthorize, resp)

	accessKey := resp.AccessKey
	if accessKey == "" {
		accessKey = doc.AccessKey.String
	}
	return &Result{
		Status:    domain.DocumentStatusAuthorized,
		AccessKey: accessKey,
		Protocol:  resp.Protocol,
	}, nil
}

// cancel transmits a CT-e cancellation event.
func (p *Processor) cancel(ctx context.Context, job *domain.QueueJob, doc *domain.Document, est *domain.Establishment, justification string) (*Result, error) {
	if doc.Status == domain.DocumentStatusCancelled {
		return &Result{Status: domain.DocumentStatusCancelled, Protocol: doc.AuthProtocol.String}, nil
	}
	if doc.Status != domain.DocumentStatusAuthorized {
		return nil, domain.ErrInvalidStatus
	}

	resp, err := p.send(ctx, job, doc, est, &sefaz.Request{
		Action:          sefaz.ActionCancelCte,
		AccessKey:       doc.AccessKey.String,
		Protocol:        doc.AuthProtocol.String,
		Justification:   justification,
		DocumentID:      doc.ID,
		EstablishmentID: est.ID,
	})
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		if sefaz.IsOfflineSignal(resp.Status, resp.RejectionReason) {
			return nil, &domain.OfflineError{
				Status: resp.Status,
				Err:    fmt.Errorf("cancellation refused with offline status: %s", resp.RejectionReason),
			}
		}
		p.recordOutcome(ctx, job, doc, est, domain.AuditActionReject, resp)
		return nil, &domain.RejectionError{Status: resp.Status, Reason: resp.RejectionReason}
	}

	if err := p.documents.MarkCancelled(ctx, doc.ID, resp.Protocol); err != nil {
		return nil, err
	}
	p.recordOutcome(ctx, job, doc, est, domain.AuditActionCancel, resp)

	return &Result{Status: domain.DocumentStatusCancelled, Protocol: resp.Protocol}, nil
}

// close transmits an MDF-e closing event.
func (p *Processor) close(ctx context.Context, job *domain.QueueJob, doc *domain.Document, est *domain.Establishment) (*Result, error) {
	if doc.Status == domain.DocumentStatusClosed {
		return &Result{Status: domain.DocumentStatusClosed, Protocol: doc.ClosingProtocol.String}, nil
	}
	if doc.Status != domain.DocumentStatusAuthorized {
		return nil, domain.ErrInvalidStatus
	}

	resp, err := p.send(ctx, job, doc, est, &sefaz.Request{
		Action:          sefaz.ActionCloseMdfe,
		AccessKey:       doc.AccessKey.String,
		Protocol:        doc.AuthProtocol.String,
		DocumentID:      doc.ID,
		EstablishmentID: est.ID,
	})
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		if sefaz.IsOfflineSignal(resp.Status, resp.RejectionReason) {
			return nil, &domain.OfflineError{
				Status: resp.Status,
				Err:    fmt.Errorf("closing refused with offline status: %s", resp.RejectionReason),
			}
		}
		p.recordOutcome(ctx, job, doc, est, domain.AuditActionReject, resp)
		return nil, &domain.RejectionError{Status: resp.Status, Reason: resp.RejectionReason}
	}

	if err := p.documents.MarkClosed(ctx, doc.ID, resp.Protocol); err != nil {
		return nil, err
	}
	p.recordOutcome(ctx, job, doc, est, domain.AuditActionClose, resp)

	return &Result{Status: domain.DocumentStatusClosed, Protocol: resp.Protocol}, nil
}

// send submits one request and records the attempt on the audit trail
// regardless of outcome.
func (p *Processor) send(ctx context.Context, job *domain.QueueJob, doc *domain.Document, est *domain.Establishment, req *sefaz.Request) (*sefaz.Response, error) {
	req.UF = est.UF
	req.Environment = est.Environment
	req.ContingencyMode = job.ContingencyMode

	start := time.Now()
	resp, err := p.sefazClient.Send(ctx, req)
	latency := time.Since(start).Milliseconds()

	entry := &domain.AuditEntry{
		Actor:           job.CreatedBy,
		EntityType:      doc.DocumentType,
		EntityID:        doc.ID,
		Action:          domain.AuditActionAttempt,
		EstablishmentID: est.ID,
		IssuerCNPJ:      est.CNPJ,
		QueueJobID:      sql.NullString{String: job.ID, Valid: true},
		Attempt:         job.Attempts,
		LatencyMs:       latency,
		Environment:     est.Environment,
		UF:              est.UF,
	}
	if err != nil {
		entry.AuthorityMsg = sql.NullString{String: err.Error(), Valid: true}
	} else {
		entry.AuthorityStatus = sql.NullString{String: resp.Status, Valid: resp.Status != ""}
		entry.Endpoint = sql.NullString{String: resp.Endpoint, Valid: resp.Endpoint != ""}
		if resp.RejectionReason != "" {
			entry.AuthorityMsg = sql.NullString{String: resp.RejectionReason, Valid: true}
		}
	}
	p.recorder.RecordBestEffort(ctx, entry)

	return resp, err
}

func (p *Processor) recordOutcome(ctx context.Context, job *domain.QueueJob, doc *domain.Document, est *domain.Establishment, action string, resp *sefaz.Response) {
	p.recorder.RecordBestEffort(ctx, &domain.AuditEntry{
		Actor:           job.CreatedBy,
		EntityType:      doc.DocumentType,
		EntityID:        doc.ID,
		Action:          action,
		EstablishmentID: est.ID,
		IssuerCNPJ:      est.CNPJ,
		QueueJobID:      sql.NullString{String: job.ID, Valid: true},
		Attempt:         job.Attempts,
		AuthorityStatus: sql.NullString{String: resp.Status, Valid: resp.Status != ""},
		AuthorityMsg:    sql.NullString{String: resp.RejectionReason, Valid: resp.RejectionReason != ""},
		Endpoint:        sql.NullString{String: resp.Endpoint, Valid: resp.Endpoint != ""},
		Environment:     est.Environment,
		UF:              est.UF,
	})
}
