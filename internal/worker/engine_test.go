package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/sefaz"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/storage"
)

type completedCall struct {
	result         any
	requiresResend bool
}

type requeueCall struct {
	delay    time.Duration
	mode     domain.ContingencyMode
	errorMsg string
}

type fakeQueueStore struct {
	jobs        []domain.QueueJob
	resendJobs  []domain.QueueJob
	sweepResult int

	ops        []string
	claimCalls int
	sweepCalls int
	completed  map[string]completedCall
	failed     map[string]string
	requeued   map[string]requeueCall
	enqueued   []storage.EnqueueParams
	cleared    []string
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		completed: make(map[string]completedCall),
		failed:    make(map[string]string),
		requeued:  make(map[string]requeueCall),
	}
}

func (f *fakeQueueStore) Claim(_ context.Context, _ string, _ int) ([]domain.QueueJob, error) {
	f.ops = append(f.ops, "claim")
	f.claimCalls++
	jobs := f.jobs
	f.jobs = nil
	return jobs, nil
}

func (f *fakeQueueStore) MarkCompleted(_ context.Context, id string, result any, requiresResend bool) error {
	f.completed[id] = completedCall{result: result, requiresResend: requiresResend}
	return nil
}

func (f *fakeQueueStore) MarkFailed(_ context.Context, id, errorMsg string) error {
	f.failed[id] = errorMsg
	return nil
}

func (f *fakeQueueStore) Requeue(_ context.Context, id string, delay time.Duration, mode domain.ContingencyMode, errorMsg string) error {
	f.requeued[id] = requeueCall{delay: delay, mode: mode, errorMsg: errorMsg}
	return nil
}

func (f *fakeQueueStore) SweepStale(_ context.Context, _ time.Duration) (int, error) {
	f.ops = append(f.ops, "sweep")
	f.sweepCalls++
	return f.sweepResult, nil
}

func (f *fakeQueueStore) ResendCandidates(_ context.Context, _ int) ([]domain.QueueJob, error) {
	return f.resendJobs, nil
}

func (f *fakeQueueStore) ClearResend(_ context.Context, id string) error {
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeQueueStore) Enqueue(_ context.Context, params storage.EnqueueParams) (*domain.QueueJob, error) {
	f.enqueued = append(f.enqueued, params)
	return &domain.QueueJob{
		ID:              "follow-up-1",
		JobType:         params.JobType,
		EntityID:        params.EntityID,
		EstablishmentID: params.EstablishmentID,
		Status:          domain.JobStatusPending,
		ContingencyMode: params.ContingencyMode,
		CreatedBy:       params.CreatedBy,
	}, nil
}

type fakeEscalator struct {
	mode        domain.ContingencyMode
	escalations int
	probeCalls  int
	recovered   int
}

func (f *fakeEscalator) Escalate(_ context.Context, _ *domain.Establishment, _ error) (domain.ContingencyMode, error) {
	f.escalations++
	return f.mode, nil
}

func (f *fakeEscalator) ProbeAll(_ context.Context) (int, error) {
	f.probeCalls++
	return f.recovered, nil
}

type engineFixture struct {
	engine      *Engine
	queue       *fakeQueueStore
	docs        *fakeDocumentStore
	escalator   *fakeEscalator
	auditStore  *fakeAuditStore
	sefazClient *fakeSefazClient
}

func newEngineFixture(t *testing.T, sefazClient *fakeSefazClient, docs *fakeDocumentStore) *engineFixture {
	t.Helper()

	ests := &fakeEstablishments{establishments: map[string]*domain.Establishment{"est-1": testEstablishment()}}
	auditStore := &fakeAuditStore{}
	recorder := audit.NewRecorder(auditStore, testLogger())
	processor := NewProcessor(docs, ests, sefazClient, &fakeSigner{}, recorder, testLogger())
	queue := newFakeQueueStore()
	escalator := &fakeEscalator{mode: domain.ContingencySvcAN}

	engine := NewEngine(
		EngineConfig{InstanceID: "worker-test", BatchSize: 5, MaxAttempts: 5, StaleTimeout: 120 * time.Second},
		queue, docs, ests, processor, escalator, recorder, testLogger(),
	)
	return &engineFixture{
		engine:      engine,
		queue:       queue,
		docs:        docs,
		escalator:   escalator,
		auditStore:  auditStore,
		sefazClient: sefazClient,
	}
}

func TestEngine_RunCycle(t *testing.T) {
	t.Run("completes a successful job", func(t *testing.T) {
		sefazClient := &fakeSefazClient{resp: &sefaz.Response{Success: true, Status: "100", Protocol: "135"}}
		fx := newEngineFixture(t, sefazClient, newFakeDocumentStore(processingDocument(domain.DocumentTypeCte)))
		fx.queue.jobs = []domain.QueueJob{*emitJob(domain.JobTypeCteEmit)}

		claimed, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, claimed)

		call, ok := fx.queue.completed["job-1"]
		require.True(t, ok)
		assert.False(t, call.requiresResend)

		result, ok := call.result.(*Result)
		require.True(t, ok)
		assert.Equal(t, domain.DocumentStatusAuthorized, result.Status)
	})

	t.Run("contingency jobs complete with the resend flag", func(t *testing.T) {
		sefazClient := &fakeSefazClient{resp: &sefaz.Response{Success: true, Status: "100", Protocol: "135"}}
		fx := newEngineFixture(t, sefazClient, newFakeDocumentStore(processingDocument(domain.DocumentTypeCte)))

		job := emitJob(domain.JobTypeCteEmit)
		job.ContingencyMode = domain.ContingencySvcRS
		fx.queue.jobs = []domain.QueueJob{*job}

		_, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)
		assert.True(t, fx.queue.completed["job-1"].requiresResend)
	})

	t.Run("offline failure escalates and requeues on the new channel", func(t *testing.T) {
		sefazClient := &fakeSefazClient{err: &domain.OfflineError{Err: errors.New("connection refused")}}
		fx := newEngineFixture(t, sefazClient, newFakeDocumentStore(processingDocument(domain.DocumentTypeCte)))
		fx.queue.jobs = []domain.QueueJob{*emitJob(domain.JobTypeCteEmit)}

		_, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 1, fx.escalator.escalations)
		call, ok := fx.queue.requeued["job-1"]
		require.True(t, ok)
		assert.Equal(t, domain.ContingencySvcAN, call.mode)
		assert.Equal(t, domain.Backoff(1), call.delay)
		assert.Empty(t, fx.queue.failed)
	})

	t.Run("retryable failure backs off on the same channel", func(t *testing.T) {
		sefazClient := &fakeSefazClient{err: domain.NewRetryableError(errors.New("read timeout"))}
		fx := newEngineFixture(t, sefazClient, newFakeDocumentStore(processingDocument(domain.DocumentTypeCte)))

		job := emitJob(domain.JobTypeCteEmit)
		job.Attempts = 3
		fx.queue.jobs = []domain.QueueJob{*job}

		_, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)

		call, ok := fx.queue.requeued["job-1"]
		require.True(t, ok)
		assert.Equal(t, domain.ContingencyNormal, call.mode)
		assert.Equal(t, domain.Backoff(3), call.delay)
		assert.Zero(t, fx.escalator.escalations)
	})

	t.Run("exhausted attempts fail the job and the document", func(t *testing.T) {
		sefazClient := &fakeSefazClient{err: domain.NewRetryableError(errors.New("read timeout"))}
		fx := newEngineFixture(t, sefazClient, newFakeDocumentStore(processingDocument(domain.DocumentTypeCte)))

		job := emitJob(domain.JobTypeCteEmit)
		job.Attempts = 5
		fx.queue.jobs = []domain.QueueJob{*job}

		_, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)

		require.Contains(t, fx.queue.failed, "job-1")
		assert.Contains(t, fx.queue.failed["job-1"], domain.ErrMaxAttemptsExceeded.Error())
		assert.Contains(t, fx.docs.errored, "doc-1")
		assert.Empty(t, fx.queue.requeued)
	})

	t.Run("rejection fails the job without touching the document again", func(t *testing.T) {
		sefazClient := &fakeSefazClient{resp: &sefaz.Response{
			Success:         false,
			Status:          "225",
			RejectionReason: "Falha no Schema XML",
		}}
		fx := newEngineFixture(t, sefazClient, newFakeDocumentStore(processingDocument(domain.DocumentTypeCte)))
		fx.queue.jobs = []domain.QueueJob{*emitJob(domain.JobTypeCteEmit)}

		_, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)

		require.Contains(t, fx.queue.failed, "job-1")
		assert.Empty(t, fx.queue.requeued)
		// The processor already marked the rejection; no error status on top.
		assert.Empty(t, fx.docs.errored)
		assert.Contains(t, fx.docs.rejected, "doc-1")
	})

	t.Run("sweeps stale locks before claiming", func(t *testing.T) {
		fx := newEngineFixture(t, &fakeSefazClient{}, newFakeDocumentStore())
		fx.queue.sweepResult = 2

		_, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)

		// A job orphaned by a crashed instance is back in pending before
		// the claim statement runs, so the same cycle picks it up.
		assert.Equal(t, []string{"sweep", "claim"}, fx.queue.ops)
	})

	t.Run("terminal error fails the job outright", func(t *testing.T) {
		sefazClient := &fakeSefazClient{}
		fx := newEngineFixture(t, sefazClient, newFakeDocumentStore())

		job := emitJob(domain.JobTypeCteEmit)
		job.EntityID = "missing-doc"
		fx.queue.jobs = []domain.QueueJob{*job}

		_, err := fx.engine.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Contains(t, fx.queue.failed, "job-1")
		assert.Empty(t, fx.queue.requeued)
	})
}

func TestEngine_RunMaintenance(t *testing.T) {
	t.Run("probes contingency recovery", func(t *testing.T) {
		fx := newEngineFixture(t, &fakeSefazClient{}, newFakeDocumentStore())
		fx.escalator.recovered = 1

		fx.engine.RunMaintenance(context.Background())

		assert.Equal(t, 1, fx.escalator.probeCalls)
	})

	t.Run("promotes completed contingency jobs for retransmission", func(t *testing.T) {
		fx := newEngineFixture(t, &fakeSefazClient{}, newFakeDocumentStore())

		original := emitJob(domain.JobTypeCteEmit)
		original.ContingencyMode = domain.ContingencySvcAN
		original.Payload = []byte(`{"number":42}`)
		fx.queue.resendJobs = []domain.QueueJob{*original}

		fx.engine.RunMaintenance(context.Background())

		require.Len(t, fx.queue.enqueued, 1)
		followUp := fx.queue.enqueued[0]
		assert.Equal(t, domain.JobTypeCteEmit, followUp.JobType)
		assert.Equal(t, "doc-1", followUp.EntityID)
		assert.Equal(t, domain.ContingencyNormal, followUp.ContingencyMode)
		assert.Equal(t, "job-1", followUp.OriginalJobID)
		assert.Equal(t, "system", followUp.CreatedBy)
		assert.Equal(t, int64(42), followUp.Payload.Number)

		assert.Equal(t, []string{"job-1"}, fx.queue.cleared)

		require.Len(t, fx.auditStore.entries, 1)
		assert.Equal(t, domain.AuditActionResendEnqueue, fx.auditStore.entries[0].Action)
		assert.Equal(t, "follow-up-1", fx.auditStore.entries[0].QueueJobID.String)
	})
}
