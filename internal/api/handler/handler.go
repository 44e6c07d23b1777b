package handler

import (
	"context"
	"log/slog"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/dispatcher"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/storage"
)

// Submitter dispatches fiscal operations.
type Submitter interface {
	SubmitEmit(ctx context.Context, documentID, actor string, sync bool) (*dispatcher.Submission, error)
	SubmitCancel(ctx context.Context, documentID, justification, actor string, sync bool) (*dispatcher.Submission, error)
	SubmitClose(ctx context.Context, documentID, actor string, sync bool) (*dispatcher.Submission, error)
}

// QueueReader serves the queue inspection endpoints.
type QueueReader interface {
	GetByID(ctx context.Context, id string) (*domain.QueueJob, error)
	GetLatestForEntity(ctx context.Context, entityID string) (*domain.QueueJob, error)
	List(ctx context.Context, filter storage.ListFilter) ([]domain.QueueJob, error)
}

// DocumentReader serves the document status endpoint.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger     *slog.Logger
	Dispatcher Submitter
	Queue      QueueReader
	Documents  DocumentReader
	Audit      *audit.Recorder
}

// FiscalHandler handles fiscal document HTTP requests.
type FiscalHandler struct {
	logger     *slog.Logger
	dispatcher Submitter
	queue      QueueReader
	documents  DocumentReader
	audit      *audit.Recorder
}

// NewFiscalHandler creates a new FiscalHandler instance.
func NewFiscalHandler(deps *Dependencies) *FiscalHandler {
	return &FiscalHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		queue:      deps.Queue,
		documents:  deps.Documents,
		audit:      deps.Audit,
	}
}
