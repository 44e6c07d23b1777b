package domain

import (
	"database/sql"
	"time"
)

// DocumentType identifies the kind of fiscal document.
type DocumentType string

const (
	DocumentTypeCte  DocumentType = "cte"
	DocumentTypeMdfe DocumentType = "mdfe"
)

// Fiscal model codes used in the access key layout.
const (
	ModelCte  = "57"
	ModelMdfe = "58"
)

// Document status constants. Transitions are monotonic except for the
// rollback to draft after a failed synchronous submission.
const (
	DocumentStatusDraft      = "draft"
	DocumentStatusProcessing = "processing"
	DocumentStatusAuthorized = "authorized"
	DocumentStatusRejected   = "rejected"
	DocumentStatusCancelled  = "cancelled"
	DocumentStatusClosed     = "closed"
	DocumentStatusError      = "error"
)

// Document is a CT-e or MDF-e record as persisted in fiscal_documents.
type Document struct {
	ID              string         `db:"id"`
	DocumentType    DocumentType   `db:"document_type"`
	EstablishmentID string         `db:"establishment_id"`
	Status          string         `db:"status"`
	Number          sql.NullInt64  `db:"number"`
	Series          int            `db:"series"`
	AccessKey       sql.NullString `db:"access_key"`
	AuthProtocol    sql.NullString `db:"auth_protocol"`
	ClosingProtocol sql.NullString `db:"closing_protocol"`
	RejectionReason sql.NullString `db:"rejection_reason"`
	OutboundXML     sql.NullString `db:"outbound_xml"`
	AuthorizedXML   sql.NullString `db:"authorized_xml"`
	IssuedAt        sql.NullTime   `db:"issued_at"`
	AuthorizedAt    sql.NullTime   `db:"authorized_at"`
	ClosedAt        sql.NullTime   `db:"closed_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Emittable reports whether the document can be submitted for emission.
// Rejected documents may be corrected and resubmitted.
func (d *Document) Emittable() bool {
	return d.Status == DocumentStatusDraft || d.Status == DocumentStatusRejected
}

// Model returns the fiscal model code for the access key.
func (d *Document) Model() string {
	if d.DocumentType == DocumentTypeMdfe {
		return ModelMdfe
	}
	return ModelCte
}
