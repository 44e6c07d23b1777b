package domain

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Job type constants. Each maps to one handler in the worker.
const (
	JobTypeCteEmit   = "cte_emit"
	JobTypeCteCancel = "cte_cancel"
	JobTypeMdfeEmit  = "mdfe_emit"
	JobTypeMdfeClose = "mdfe_close"
)

// Queue job status constants.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusTimeout    = "timeout"
)

// QueueJob is a row of the fiscal_queue table. A job is created by the
// dispatcher and mutated only by the worker instance holding the lock.
type QueueJob struct {
	ID              string          `db:"id"`
	JobType         string          `db:"job_type"`
	EntityID        string          `db:"entity_id"`
	EstablishmentID string          `db:"establishment_id"`
	Payload         json.RawMessage `db:"payload"`
	Status          string          `db:"status"`
	Attempts        int             `db:"attempts"`
	MaxAttempts     int             `db:"max_attempts"`
	LockedBy        sql.NullString  `db:"locked_by"`
	LockedAt        sql.NullTime    `db:"locked_at"`
	ContingencyMode ContingencyMode `db:"contingency_mode"`
	RequiresResend  bool            `db:"requires_resend"`
	OriginalJobID   sql.NullString  `db:"original_job_id"`
	NextRetryAt     time.Time       `db:"next_retry_at"`
	Result          json.RawMessage `db:"result"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	CreatedBy       string          `db:"created_by"`
	CreatedAt       time.Time       `db:"created_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
}

// JobPayload is the opaque payload carried by a queue job.
type JobPayload struct {
	Number        int64  `json:"number,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// DocumentTypeForJob maps a job type to the document type it operates on.
func DocumentTypeForJob(jobType string) DocumentType {
	switch jobType {
	case JobTypeMdfeEmit, JobTypeMdfeClose:
		return DocumentTypeMdfe
	default:
		return DocumentTypeCte
	}
}

// WakeMessage is published to RabbitMQ after a job is enqueued so a worker
// runs a claim cycle without waiting for the next poll tick.
type WakeMessage struct {
	JobID string `json:"job_id"`
}
