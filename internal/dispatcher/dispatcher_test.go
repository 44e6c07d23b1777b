package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/sefaz"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/signing"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/storage"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/worker"
)

type fakeDocuments struct {
	documents map[string]*domain.Document

	submitted  map[string]string
	rolledBack []string
	rejected   map[string]string
	authorized map[string]string
}

func newFakeDocuments(docs ...*domain.Document) *fakeDocuments {
	f := &fakeDocuments{
		documents:  make(map[string]*domain.Document),
		submitted:  make(map[string]string),
		rejected:   make(map[string]string),
		authorized: make(map[string]string),
	}
	for _, doc := range docs {
		f.documents[doc.ID] = doc
	}
	return f
}

func (f *fakeDocuments) GetByID(_ context.Context, id string) (*domain.Document, error) {
	doc, ok := f.documents[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDocuments) MarkSubmitted(_ context.Context, id string, number int64, accessKey string) error {
	doc := f.documents[id]
	doc.Status = domain.DocumentStatusProcessing
	doc.Number = sql.NullInt64{Int64: number, Valid: true}
	doc.AccessKey = sql.NullString{String: accessKey, Valid: true}
	f.submitted[id] = accessKey
	return nil
}

func (f *fakeDocuments) RollbackToDraft(_ context.Context, id string) error {
	f.documents[id].Status = domain.DocumentStatusDraft
	f.rolledBack = append(f.rolledBack, id)
	return nil
}

func (f *fakeDocuments) MarkAuthorized(_ context.Context, id, protocol, _ string) error {
	f.documents[id].Status = domain.DocumentStatusAuthorized
	f.authorized[id] = protocol
	return nil
}

func (f *fakeDocuments) MarkRejected(_ context.Context, id, reason string) error {
	f.documents[id].Status = domain.DocumentStatusRejected
	f.rejected[id] = reason
	return nil
}

func (f *fakeDocuments) MarkCancelled(_ context.Context, id, _ string) error {
	f.documents[id].Status = domain.DocumentStatusCancelled
	return nil
}

func (f *fakeDocuments) MarkClosed(_ context.Context, id, _ string) error {
	f.documents[id].Status = domain.DocumentStatusClosed
	return nil
}

func (f *fakeDocuments) MarkError(_ context.Context, id, _ string) error {
	return nil
}

type fakeEstablishments struct {
	establishments map[string]*domain.Establishment
}

func (f *fakeEstablishments) GetByID(_ context.Context, id string) (*domain.Establishment, error) {
	est, ok := f.establishments[id]
	if !ok {
		return nil, domain.ErrEstablishmentNotFound
	}
	copied := *est
	return &copied, nil
}

type fakeQueue struct {
	jobs      map[string]*domain.QueueJob
	enqueued  []storage.EnqueueParams
	completed map[string]bool
	failed    map[string]string
	claimErr  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:      make(map[string]*domain.QueueJob),
		completed: make(map[string]bool),
		failed:    make(map[string]string),
	}
}

func (f *fakeQueue) Enqueue(_ context.Context, params storage.EnqueueParams) (*domain.QueueJob, error) {
	// Mirrors the live-job unique index on (entity_id, job_type).
	for _, existing := range f.jobs {
		if existing.EntityID == params.EntityID && existing.JobType == params.JobType &&
			(existing.Status == domain.JobStatusPending || existing.Status == domain.JobStatusProcessing) {
			return nil, domain.ErrDuplicateJob
		}
	}

	f.enqueued = append(f.enqueued, params)
	payload, _ := json.Marshal(params.Payload)
	job := &domain.QueueJob{
		ID:              fmt.Sprintf("job-%d", len(f.jobs)+1),
		JobType:         params.JobType,
		EntityID:        params.EntityID,
		EstablishmentID: params.EstablishmentID,
		Payload:         payload,
		Status:          domain.JobStatusPending,
		MaxAttempts:     params.MaxAttempts,
		ContingencyMode: params.ContingencyMode,
		CreatedBy:       params.CreatedBy,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeQueue) ClaimByID(_ context.Context, id, instanceID string) (*domain.QueueJob, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	job, ok := f.jobs[id]
	if !ok || job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusProcessing
	job.Attempts++
	job.LockedBy = sql.NullString{String: instanceID, Valid: true}
	copied := *job
	return &copied, nil
}

func (f *fakeQueue) MarkCompleted(_ context.Context, id string, _ any, requiresResend bool) error {
	f.completed[id] = requiresResend
	return nil
}

func (f *fakeQueue) MarkFailed(_ context.Context, id, errorMsg string) error {
	f.failed[id] = errorMsg
	return nil
}

type fakeCounters struct {
	next int64
}

func (f *fakeCounters) NextNumber(_ context.Context, _ string, _ domain.DocumentType) (int64, error) {
	f.next++
	return f.next, nil
}

type fakePublisher struct {
	published [][]byte
	err       error
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

type fakeSefazClient struct {
	resp *sefaz.Response
	err  error
}

func (f *fakeSefazClient) Send(_ context.Context, _ *sefaz.Request) (*sefaz.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeSigner struct{}

func (f *fakeSigner) Sign(_ context.Context, req *signing.Request) (*signing.Response, error) {
	return &signing.Response{SignedDocument: "<signed>" + req.DocumentXML + "</signed>"}, nil
}

type fakeAuditStore struct {
	entries []domain.AuditEntry
	err     error
}

func (f *fakeAuditStore) Append(_ context.Context, entry *domain.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeAuditStore) ListForEntity(_ context.Context, _ string) ([]domain.AuditEntry, error) {
	return f.entries, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	dispatcher *Dispatcher
	documents  *fakeDocuments
	queue      *fakeQueue
	counters   *fakeCounters
	publisher  *fakePublisher
	auditStore *fakeAuditStore
}

func newFixture(t *testing.T, sefazClient *fakeSefazClient, docs ...*domain.Document) *fixture {
	t.Helper()

	documents := newFakeDocuments(docs...)
	establishments := &fakeEstablishments{establishments: map[string]*domain.Establishment{
		"est-1": {
			ID:              "est-1",
			CNPJ:            "12345678000195",
			UF:              "SP",
			Environment:     domain.EnvironmentHomologation,
			ContingencyMode: domain.ContingencyNormal,
			Active:          true,
		},
	}}
	queue := newFakeQueue()
	counters := &fakeCounters{}
	publisher := &fakePublisher{}
	auditStore := &fakeAuditStore{}
	recorder := audit.NewRecorder(auditStore, testLogger())
	processor := worker.NewProcessor(documents, establishments, sefazClient, &fakeSigner{}, recorder, testLogger())

	d := NewDispatcher(
		Config{InstanceID: "api-test", MaxAttempts: 5},
		documents, establishments, queue, counters, publisher, processor, recorder, testLogger(),
	)
	return &fixture{
		dispatcher: d,
		documents:  documents,
		queue:      queue,
		counters:   counters,
		publisher:  publisher,
		auditStore: auditStore,
	}
}

func (fx *fixture) establishment(t *testing.T, mutate func(*domain.Establishment)) {
	t.Helper()
	est := fx.dispatcher.establishments.(*fakeEstablishments).establishments["est-1"]
	mutate(est)
}

func draftDocument(docType domain.DocumentType) *domain.Document {
	return &domain.Document{
		ID:              "doc-1",
		DocumentType:    docType,
		EstablishmentID: "est-1",
		Status:          domain.DocumentStatusDraft,
		Series:          1,
		OutboundXML:     sql.NullString{String: "<CTe/>", Valid: true},
	}
}

func authorizedDocument(docType domain.DocumentType) *domain.Document {
	doc := draftDocument(docType)
	doc.Status = domain.DocumentStatusAuthorized
	doc.AccessKey = sql.NullString{String: "35250312345678000195570010000000011000000015", Valid: true}
	doc.AuthProtocol = sql.NullString{String: "135", Valid: true}
	return doc
}

func TestDispatcher_SubmitEmit(t *testing.T) {
	t.Run("async submission enqueues and wakes a worker", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, draftDocument(domain.DocumentTypeCte))

		sub, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.NoError(t, err)
		require.NotNil(t, sub.Job)
		assert.Nil(t, sub.Result)
		assert.Equal(t, domain.JobStatusPending, sub.Job.Status)

		// The fiscal identity is reserved before the job exists.
		key := fx.documents.submitted["doc-1"]
		require.Len(t, key, 44)
		assert.True(t, domain.ValidateAccessKey(key))
		assert.Equal(t, "1", key[34:35])

		require.Len(t, fx.queue.enqueued, 1)
		params := fx.queue.enqueued[0]
		assert.Equal(t, domain.JobTypeCteEmit, params.JobType)
		assert.Equal(t, "doc-1", params.EntityID)
		assert.Equal(t, domain.ContingencyNormal, params.ContingencyMode)
		assert.Equal(t, int64(1), params.Payload.Number)
		assert.Equal(t, "api", params.CreatedBy)

		require.Len(t, fx.auditStore.entries, 1)
		assert.Equal(t, domain.AuditActionEnqueue, fx.auditStore.entries[0].Action)

		require.Len(t, fx.publisher.published, 1)
		var wake domain.WakeMessage
		require.NoError(t, json.Unmarshal(fx.publisher.published[0], &wake))
		assert.Equal(t, sub.Job.ID, wake.JobID)
	})

	t.Run("contingency mode stamps the access key and the job", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, draftDocument(domain.DocumentTypeCte))
		fx.establishment(t, func(est *domain.Establishment) {
			est.ContingencyMode = domain.ContingencySvcAN
		})

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.NoError(t, err)

		key := fx.documents.submitted["doc-1"]
		assert.Equal(t, "8", key[34:35])
		assert.Equal(t, domain.ContingencySvcAN, fx.queue.enqueued[0].ContingencyMode)
	})

	t.Run("rejected document may be resubmitted", func(t *testing.T) {
		doc := draftDocument(domain.DocumentTypeCte)
		doc.Status = domain.DocumentStatusRejected
		fx := newFixture(t, &fakeSefazClient{}, doc)

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.NoError(t, err)
	})

	t.Run("inactive establishment is refused", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, draftDocument(domain.DocumentTypeCte))
		fx.establishment(t, func(est *domain.Establishment) { est.Active = false })

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.ErrorIs(t, err, domain.ErrEstablishmentInactive)
		assert.Empty(t, fx.queue.enqueued)
	})

	t.Run("non-emittable status is refused", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeCte))

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.ErrorIs(t, err, domain.ErrInvalidStatus)
	})

	t.Run("missing XML is refused before reserving a number", func(t *testing.T) {
		doc := draftDocument(domain.DocumentTypeCte)
		doc.OutboundXML = sql.NullString{}
		fx := newFixture(t, &fakeSefazClient{}, doc)

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.ErrorIs(t, err, domain.ErrMissingXML)
		assert.Zero(t, fx.counters.next)
	})

	t.Run("unknown document", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{})

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.ErrorIs(t, err, domain.ErrDocumentNotFound)
	})

	t.Run("audit failure voids the job", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, draftDocument(domain.DocumentTypeCte))
		fx.auditStore.err = errors.New("disk full")

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", false)
		require.Error(t, err)
		assert.Contains(t, fx.queue.failed, "job-1")
		assert.Empty(t, fx.publisher.published)
	})
}

func TestDispatcher_SubmitEmit_Sync(t *testing.T) {
	t.Run("returns the authorization inline", func(t *testing.T) {
		sefazClient := &fakeSefazClient{resp: &sefaz.Response{Success: true, Status: "100", Protocol: "135250000000001"}}
		fx := newFixture(t, sefazClient, draftDocument(domain.DocumentTypeCte))

		sub, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", true)
		require.NoError(t, err)

		require.NotNil(t, sub.Result)
		assert.Equal(t, domain.DocumentStatusAuthorized, sub.Result.Status)
		assert.Equal(t, "135250000000001", sub.Result.Protocol)
		assert.Equal(t, domain.JobStatusCompleted, sub.Job.Status)
		assert.Contains(t, fx.queue.completed, "job-1")
		assert.Empty(t, fx.publisher.published)
	})

	t.Run("failure settles the job and rolls the document back", func(t *testing.T) {
		sefazClient := &fakeSefazClient{err: domain.NewRetryableError(errors.New("read timeout"))}
		fx := newFixture(t, sefazClient, draftDocument(domain.DocumentTypeCte))

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", true)
		require.Error(t, err)
		assert.True(t, domain.IsRetryable(err))

		assert.Contains(t, fx.queue.failed, "job-1")
		assert.Equal(t, []string{"doc-1"}, fx.documents.rolledBack)
		assert.Equal(t, domain.DocumentStatusDraft, fx.documents.documents["doc-1"].Status)
	})

	t.Run("rejection keeps the rejected status", func(t *testing.T) {
		sefazClient := &fakeSefazClient{resp: &sefaz.Response{
			Success:         false,
			Status:          "225",
			RejectionReason: "Falha no Schema XML",
		}}
		fx := newFixture(t, sefazClient, draftDocument(domain.DocumentTypeCte))

		_, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", true)
		require.Error(t, err)
		assert.True(t, domain.IsRejection(err))

		assert.Empty(t, fx.documents.rolledBack)
		assert.Equal(t, domain.DocumentStatusRejected, fx.documents.documents["doc-1"].Status)
	})

	t.Run("worker racing the claim degrades to async", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, draftDocument(domain.DocumentTypeCte))
		fx.queue.claimErr = domain.ErrJobNotFound

		sub, err := fx.dispatcher.SubmitEmit(context.Background(), "doc-1", "api", true)
		require.NoError(t, err)
		assert.Nil(t, sub.Result)
		require.NotNil(t, sub.Job)
	})
}

func TestDispatcher_SubmitCancel(t *testing.T) {
	t.Run("enqueues a cancellation with the justification", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeCte))

		sub, err := fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "emitido com valores incorretos", "api", false)
		require.NoError(t, err)
		require.NotNil(t, sub.Job)

		require.Len(t, fx.queue.enqueued, 1)
		assert.Equal(t, domain.JobTypeCteCancel, fx.queue.enqueued[0].JobType)
		assert.Equal(t, "emitido com valores incorretos", fx.queue.enqueued[0].Payload.Justification)
	})

	t.Run("short justification is refused", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeCte))

		_, err := fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "curta demais", "api", false)
		require.ErrorIs(t, err, domain.ErrShortJustification)
	})

	t.Run("justification length counts runes", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeCte))

		// Accented characters count as one rune, not two bytes.
		_, err := fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "emissão inválida", "api", false)
		require.NoError(t, err)
	})

	t.Run("only an authorized document may be cancelled", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, draftDocument(domain.DocumentTypeCte))

		_, err := fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "emitido com valores incorretos", "api", false)
		require.ErrorIs(t, err, domain.ErrInvalidStatus)
	})

	t.Run("MDF-e cannot be cancelled through the CT-e event", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeMdfe))

		_, err := fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "emitido com valores incorretos", "api", false)
		require.ErrorIs(t, err, domain.ErrInvalidStatus)
	})

	t.Run("concurrent cancellations collapse into one live job", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeCte))

		first, err := fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "emitido com valores incorretos", "api", false)
		require.NoError(t, err)

		// A second instance racing the same event never gets a job of its
		// own, so only one cancellation can ever reach the authority.
		_, err = fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "emitido com valores incorretos", "api", false)
		require.ErrorIs(t, err, domain.ErrDuplicateJob)
		assert.Len(t, fx.queue.enqueued, 1)

		// Once the first job settles, the slot opens again.
		fx.queue.jobs[first.Job.ID].Status = domain.JobStatusFailed
		_, err = fx.dispatcher.SubmitCancel(context.Background(), "doc-1", "emitido com valores incorretos", "api", false)
		require.NoError(t, err)
		assert.Len(t, fx.queue.enqueued, 2)
	})
}

func TestDispatcher_SubmitClose(t *testing.T) {
	t.Run("enqueues a closing for an authorized MDF-e", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeMdfe))

		sub, err := fx.dispatcher.SubmitClose(context.Background(), "doc-1", "api", false)
		require.NoError(t, err)
		require.NotNil(t, sub.Job)
		assert.Equal(t, domain.JobTypeMdfeClose, fx.queue.enqueued[0].JobType)
	})

	t.Run("CT-e cannot be closed", func(t *testing.T) {
		fx := newFixture(t, &fakeSefazClient{}, authorizedDocument(domain.DocumentTypeCte))

		_, err := fx.dispatcher.SubmitClose(context.Background(), "doc-1", "api", false)
		require.ErrorIs(t, err, domain.ErrInvalidStatus)
	})
}
