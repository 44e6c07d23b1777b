// Package contingency decides when an establishment leaves the normal
// transmission channel and when it returns.
package contingency

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/sefaz"
)

const diagnosticLimit = 500

// EstablishmentStore is the persistence the manager needs.
type EstablishmentStore interface {
	GetByID(ctx context.Context, id string) (*domain.Establishment, error)
	ListInContingency(ctx context.Context) ([]domain.Establishment, error)
	SetContingencyMode(ctx context.Context, id string, mode domain.ContingencyMode) error
	RecordContingencyEvent(ctx context.Context, event *domain.ContingencyEvent) error
}

// QueueCounter sizes the backlog at escalation time.
type QueueCounter interface {
	CountPending(ctx context.Context, establishmentID string) (int, error)
}

// StatusChecker probes the primary service of a UF.
type StatusChecker interface {
	CheckServiceStatus(ctx context.Context, uf string, env domain.Environment, docType domain.DocumentType) error
}

// Manager escalates establishments into contingency and probes for
// recovery. Safe for concurrent use.
type Manager struct {
	establishments EstablishmentStore
	queue          QueueCounter
	checker        StatusChecker
	recorder       *audit.Recorder
	logger         *slog.Logger

	probeInterval time.Duration

	mu         sync.Mutex
	lastProbes map[string]time.Time
}

// NewManager creates a Manager. probeInterval limits how often a single
// establishment is probed for recovery.
func NewManager(
	establishments EstablishmentStore,
	queue QueueCounter,
	checker StatusChecker,
	recorder *audit.Recorder,
	probeInterval time.Duration,
	logger *slog.Logger,
) *Manager {
	if probeInterval <= 0 {
		probeInterval = 60 * time.Second
	}
	return &Manager{
		establishments: establishments,
		queue:          queue,
		checker:        checker,
		recorder:       recorder,
		logger:         logger,
		probeInterval:  probeInterval,
		lastProbes:     make(map[string]time.Time),
	}
}

// Escalate switches an establishment off the normal channel after an
// offline signal. Only establishments still in normal mode escalate; a
// concurrent escalation already did the work otherwise. Returns the mode
// the establishment ends up in.
func (m *Manager) Escalate(ctx context.Context, est *domain.Establishment, cause error) (domain.ContingencyMode, error) {
	// Re-read: another worker may have escalated while this job was running.
	current, err := m.establishments.GetByID(ctx, est.ID)
	if err != nil {
		return est.ContingencyMode, err
	}
	if current.ContingencyMode != domain.ContingencyNormal {
		m.logger.Info("Establishment already in contingency",
			slog.String("establishment_id", est.ID),
			slog.String("contingency_mode", string(current.ContingencyMode)),
		)
		return current.ContingencyMode, nil
	}

	target := sefaz.EscalationTarget(current.UF)
	if err := m.establishments.SetContingencyMode(ctx, est.ID, target); err != nil {
		return current.ContingencyMode, fmt.Errorf("failed to escalate establishment: %w", err)
	}

	pending, err := m.queue.CountPending(ctx, est.ID)
	if err != nil {
		m.logger.Warn("Failed to count pending jobs for contingency event",
			slog.String("establishment_id", est.ID),
			slog.Any("error", err),
		)
	}

	diagnostic := ""
	if cause != nil {
		diagnostic = truncate(cause.Error(), diagnosticLimit)
	}
	event := &domain.ContingencyEvent{
		ID:              uuid.New().String(),
		EstablishmentID: est.ID,
		PreviousMode:    domain.ContingencyNormal,
		NewMode:         target,
		Reason:          "authority offline",
		Diagnostic:      diagnostic,
		PendingJobs:     pending,
	}
	if err := m.establishments.RecordContingencyEvent(ctx, event); err != nil {
		m.logger.Error("Failed to record escalation event",
			slog.String("establishment_id", est.ID),
			slog.Any("error", err),
		)
	}

	m.recorder.RecordBestEffort(ctx, &domain.AuditEntry{
		Actor:           "system",
		EntityType:      domain.DocumentTypeCte,
		EntityID:        est.ID,
		Action:          domain.AuditActionContingencyOn,
		EstablishmentID: est.ID,
		IssuerCNPJ:      current.CNPJ,
		AuthorityMsg:    nullString(diagnostic),
		Environment:     current.Environment,
		UF:              current.UF,
	})

	m.logger.Warn("Establishment escalated to contingency",
		slog.String("establishment_id", est.ID),
		slog.String("uf", current.UF),
		slog.String("contingency_mode", string(target)),
		slog.Int("pending_jobs", pending),
	)
	return target, nil
}

// ProbeAll checks every establishment in contingency and returns those
// back to normal whose primary service answers again.
func (m *Manager) ProbeAll(ctx context.Context) (int, error) {
	ests, err := m.establishments.ListInContingency(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range ests {
		ok, err := m.Probe(ctx, &ests[i])
		if err != nil {
			m.logger.Warn("Recovery probe failed",
				slog.String("establishment_id", ests[i].ID),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// Probe checks one establishment's primary service. When the service
// answers, the establishment returns to normal mode and a recovery event
// is recorded. The per-establishment probe interval throttles calls.
func (m *Manager) Probe(ctx context.Context, est *domain.Establishment) (bool, error) {
	if !m.shouldProbe(est.ID) {
		return false, nil
	}

	if err := m.checker.CheckServiceStatus(ctx, est.UF, est.Environment, domain.DocumentTypeCte); err != nil {
		m.logger.Info("Primary service still offline",
			slog.String("establishment_id", est.ID),
			slog.String("uf", est.UF),
			slog.Any("error", err),
		)
		return false, nil
	}

	previous := est.ContingencyMode
	if err := m.establishments.SetContingencyMode(ctx, est.ID, domain.ContingencyNormal); err != nil {
		return false, fmt.Errorf("failed to restore normal mode: %w", err)
	}

	event := &domain.ContingencyEvent{
		ID:              uuid.New().String(),
		EstablishmentID: est.ID,
		PreviousMode:    previous,
		NewMode:         domain.ContingencyNormal,
		Reason:          "primary service recovered",
	}
	if err := m.establishments.RecordContingencyEvent(ctx, event); err != nil {
		m.logger.Error("Failed to record recovery event",
			slog.String("establishment_id", est.ID),
			slog.Any("error", err),
		)
	}

	m.recorder.RecordBestEffort(ctx, &domain.AuditEntry{
		Actor:           "system",
		EntityType:      domain.DocumentTypeCte,
		EntityID:        est.ID,
		Action:          domain.AuditActionContingencyOff,
		EstablishmentID: est.ID,
		IssuerCNPJ:      est.CNPJ,
		Environment:     est.Environment,
		UF:              est.UF,
	})

	m.logger.Info("Establishment recovered to normal mode",
		slog.String("establishment_id", est.ID),
		slog.String("uf", est.UF),
		slog.String("previous_mode", string(previous)),
	)
	return true, nil
}

func (m *Manager) shouldProbe(establishmentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if last, ok := m.lastProbes[establishmentID]; ok && now.Sub(last) < m.probeInterval {
		return false
	}
	m.lastProbes[establishmentID] = now
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nullString(s string) (ns sql.NullString) {
	if s != "" {
		ns.String = s
		ns.Valid = true
	}
	return ns
}
