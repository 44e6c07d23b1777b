package domain

import (
	"database/sql"
	"encoding/json"
	"time"
)

// AuditEntry is an immutable row of the fiscal_logs table. Entries are
// never updated or deleted; together they form the regulator-facing trail.
type AuditEntry struct {
	ID              string          `db:"id"`
	Actor           string          `db:"actor"`
	EntityType      DocumentType    `db:"entity_type"`
	EntityID        string          `db:"entity_id"`
	Action          string          `db:"action"`
	EstablishmentID string          `db:"establishment_id"`
	IssuerCNPJ      string          `db:"issuer_cnpj"`
	QueueJobID      sql.NullString  `db:"queue_job_id"`
	Attempt         int             `db:"attempt"`
	AuthorityStatus sql.NullString  `db:"authority_status"`
	AuthorityMsg    sql.NullString  `db:"authority_message"`
	LatencyMs       int64           `db:"latency_ms"`
	Endpoint        sql.NullString  `db:"endpoint"`
	Environment     Environment     `db:"environment"`
	UF              string          `db:"uf"`
	Details         json.RawMessage `db:"details"`
	CreatedAt       time.Time       `db:"created_at"`
}

// Audit action constants.
const (
	AuditActionEnqueue        = "enqueue"
	AuditActionAttempt        = "attempt"
	AuditActionAuthorize      = "authorize"
	AuditActionReject         = "reject"
	AuditActionCancel         = "cancel"
	AuditActionClose          = "close"
	AuditActionContingencyOn  = "contingency_on"
	AuditActionContingencyOff = "contingency_off"
	AuditActionResendEnqueue  = "resend_enqueue"
)
