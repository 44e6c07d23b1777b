package dto

// EmitRequest submits a document for emission.
type EmitRequest struct {
	Sync bool `json:"sync"`
}

// CancelRequest submits a CT-e cancellation.
type CancelRequest struct {
	Justification string `json:"justification" binding:"required"`
	Sync          bool   `json:"sync"`
}

// CloseRequest submits an MDF-e closing.
type CloseRequest struct {
	Sync bool `json:"sync"`
}

// SubmissionResponse is returned by the dispatch endpoints.
type SubmissionResponse struct {
	JobID     string `json:"job_id"`
	JobStatus string `json:"job_status"`
	Status    string `json:"status,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
}

// DocumentStatusResponse is returned by the status endpoint.
type DocumentStatusResponse struct {
	DocumentID      string  `json:"document_id"`
	DocumentType    string  `json:"document_type"`
	Status          string  `json:"status"`
	Number          *int64  `json:"number,omitempty"`
	AccessKey       string  `json:"access_key,omitempty"`
	AuthProtocol    string  `json:"auth_protocol,omitempty"`
	ClosingProtocol string  `json:"closing_protocol,omitempty"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	IssuedAt        string  `json:"issued_at,omitempty"`
	AuthorizedAt    string  `json:"authorized_at,omitempty"`
	LatestJob       *JobDTO `json:"latest_job,omitempty"`
}

// ListJobsRequest filters the queue listing.
type ListJobsRequest struct {
	Status          string `form:"status"`
	EstablishmentID string `form:"establishment_id"`
	PageSize        int    `form:"page_size"`
	Cursor          string `form:"cursor"`
}

// ListJobsResponse is a page of queue jobs.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the wire shape of a queue job.
type JobDTO struct {
	JobID           string `json:"job_id"`
	JobType         string `json:"job_type"`
	EntityID        string `json:"entity_id"`
	EstablishmentID string `json:"establishment_id"`
	Status          string `json:"status"`
	Attempts        int    `json:"attempts"`
	MaxAttempts     int    `json:"max_attempts"`
	ContingencyMode string `json:"contingency_mode"`
	RequiresResend  bool   `json:"requires_resend"`
	OriginalJobID   string `json:"original_job_id,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAt       string `json:"created_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

// AuditEntryDTO is one row of a document's audit trail.
type AuditEntryDTO struct {
	ID              string `json:"id"`
	Actor           string `json:"actor"`
	Action          string `json:"action"`
	QueueJobID      string `json:"queue_job_id,omitempty"`
	Attempt         int    `json:"attempt,omitempty"`
	AuthorityStatus string `json:"authority_status,omitempty"`
	AuthorityMsg    string `json:"authority_message,omitempty"`
	LatencyMs       int64  `json:"latency_ms,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// AuditTrailResponse is the full trail of one document.
type AuditTrailResponse struct {
	DocumentID string          `json:"document_id"`
	Entries    []AuditEntryDTO `json:"entries"`
}
