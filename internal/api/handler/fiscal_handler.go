package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/api/dto"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/dispatcher"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/storage"
)

// actor resolves the acting identity from the request. Falls back to
// "api" when the gateway did not inject one.
func actor(c *gin.Context) string {
	if v := c.GetHeader("X-Actor"); v != "" {
		return v
	}
	return "api"
}

// EmitCte handles POST /api/v1/cte/:id/emit.
func (h *FiscalHandler) EmitCte(c *gin.Context) {
	h.emit(c, domain.DocumentTypeCte)
}

// EmitMdfe handles POST /api/v1/mdfe/:id/emit.
func (h *FiscalHandler) EmitMdfe(c *gin.Context) {
	h.emit(c, domain.DocumentTypeMdfe)
}

func (h *FiscalHandler) emit(c *gin.Context, docType domain.DocumentType) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	var req dto.EmitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	if !h.checkDocumentType(c, documentID, docType) {
		return
	}

	sub, err := h.dispatcher.SubmitEmit(c.Request.Context(), documentID, actor(c), req.Sync)
	if err != nil {
		h.submissionError(c, documentID, err)
		return
	}
	h.submissionResponse(c, sub)
}

// CancelCte handles POST /api/v1/cte/:id/cancel.
func (h *FiscalHandler) CancelCte(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	var req dto.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "justification is required"})
		return
	}

	sub, err := h.dispatcher.SubmitCancel(c.Request.Context(), documentID, req.Justification, actor(c), req.Sync)
	if err != nil {
		h.submissionError(c, documentID, err)
		return
	}
	h.submissionResponse(c, sub)
}

// CloseMdfe handles POST /api/v1/mdfe/:id/close.
func (h *FiscalHandler) CloseMdfe(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	var req dto.CloseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	sub, err := h.dispatcher.SubmitClose(c.Request.Context(), documentID, actor(c), req.Sync)
	if err != nil {
		h.submissionError(c, documentID, err)
		return
	}
	h.submissionResponse(c, sub)
}

// GetDocumentStatus handles GET /api/v1/documents/:id/status.
func (h *FiscalHandler) GetDocumentStatus(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	doc, err := h.documents.GetByID(c.Request.Context(), documentID)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
			return
		}
		h.logger.Error("Failed to get document", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get document"})
		return
	}

	resp := dto.DocumentStatusResponse{
		DocumentID:      doc.ID,
		DocumentType:    string(doc.DocumentType),
		Status:          doc.Status,
		AccessKey:       doc.AccessKey.String,
		AuthProtocol:    doc.AuthProtocol.String,
		ClosingProtocol: doc.ClosingProtocol.String,
		RejectionReason: doc.RejectionReason.String,
	}
	if doc.Number.Valid {
		resp.Number = &doc.Number.Int64
	}
	if doc.IssuedAt.Valid {
		resp.IssuedAt = doc.IssuedAt.Time.Format(time.RFC3339)
	}
	if doc.AuthorizedAt.Valid {
		resp.AuthorizedAt = doc.AuthorizedAt.Time.Format(time.RFC3339)
	}

	job, err := h.queue.GetLatestForEntity(c.Request.Context(), documentID)
	if err == nil {
		jobDTO := toJobDTO(job)
		resp.LatestJob = &jobDTO
	} else if !errors.Is(err, domain.ErrJobNotFound) {
		h.logger.Error("Failed to get latest job", slog.Any("error", err))
	}

	c.JSON(http.StatusOK, resp)
}

// GetDocumentAudit handles GET /api/v1/documents/:id/audit.
func (h *FiscalHandler) GetDocumentAudit(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	if _, err := h.documents.GetByID(c.Request.Context(), documentID); err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get document"})
		return
	}

	entries, err := h.audit.Trail(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("Failed to get audit trail", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get audit trail"})
		return
	}

	resp := dto.AuditTrailResponse{
		DocumentID: documentID,
		Entries:    make([]dto.AuditEntryDTO, 0, len(entries)),
	}
	for i := range entries {
		e := &entries[i]
		resp.Entries = append(resp.Entries, dto.AuditEntryDTO{
			ID:              e.ID,
			Actor:           e.Actor,
			Action:          e.Action,
			QueueJobID:      e.QueueJobID.String,
			Attempt:         e.Attempt,
			AuthorityStatus: e.AuthorityStatus.String,
			AuthorityMsg:    e.AuthorityMsg.String,
			LatencyMs:       e.LatencyMs,
			Endpoint:        e.Endpoint.String,
			CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/queue/:job_id.
func (h *FiscalHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	job, err := h.queue.GetByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/queue.
func (h *FiscalHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	filter := storage.ListFilter{
		Status:          req.Status,
		EstablishmentID: req.EstablishmentID,
		Limit:           req.PageSize,
	}
	if cursor != nil {
		filter.CreatedBefore = cursor.CreatedAt
	}

	jobs, err := h.queue.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobDTO(&jobs[i]))
	}
	if len(jobs) > 0 && (req.PageSize <= 0 || len(jobs) >= req.PageSize) {
		last := &jobs[len(jobs)-1]
		next, err := EncodeJobCursor(&JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
		if err == nil {
			resp.NextCursor = next
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *FiscalHandler) documentID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a valid UUID"})
		return "", false
	}
	return id, true
}

// checkDocumentType rejects an emit routed through the wrong resource.
func (h *FiscalHandler) checkDocumentType(c *gin.Context, documentID string, docType domain.DocumentType) bool {
	doc, err := h.documents.GetByID(c.Request.Context(), documentID)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get document"})
		return false
	}
	if doc.DocumentType != docType {
		c.JSON(http.StatusConflict, gin.H{"error": "Document type does not match this endpoint"})
		return false
	}
	return true
}

func (h *FiscalHandler) submissionResponse(c *gin.Context, sub *dispatcher.Submission) {
	resp := dto.SubmissionResponse{
		JobID:     sub.Job.ID,
		JobStatus: sub.Job.Status,
	}
	status := http.StatusAccepted
	if sub.Result != nil {
		status = http.StatusOK
		resp.Status = sub.Result.Status
		resp.AccessKey = sub.Result.AccessKey
		resp.Protocol = sub.Result.Protocol
	}
	c.JSON(status, resp)
}

// submissionError maps dispatch failures to HTTP statuses. Sync rejections
// surface the authority's reason; offline and transient failures answer
// 502 so the caller can fall back to async.
func (h *FiscalHandler) submissionError(c *gin.Context, documentID string, err error) {
	var rejection *domain.RejectionError

	switch {
	case errors.Is(err, domain.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
	case errors.Is(err, domain.ErrEstablishmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Establishment not found"})
	case errors.Is(err, domain.ErrEstablishmentInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Establishment is inactive"})
	case errors.Is(err, domain.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "Document status does not permit this operation"})
	case errors.Is(err, domain.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": "A job of this type is already in flight for this document"})
	case errors.Is(err, domain.ErrMissingXML):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Document has no generated XML"})
	case errors.Is(err, domain.ErrShortJustification):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Justification must have at least 15 characters"})
	case errors.As(err, &rejection):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":            "Document rejected by the authority",
			"authority_status": rejection.Status,
			"rejection_reason": rejection.Reason,
		})
	case domain.IsOffline(err), domain.IsRetryable(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Authority unavailable, retry asynchronously"})
	default:
		h.logger.Error("Submission failed",
			slog.String("document_id", documentID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Submission failed"})
	}
}

func toJobDTO(job *domain.QueueJob) dto.JobDTO {
	d := dto.JobDTO{
		JobID:           job.ID,
		JobType:         job.JobType,
		EntityID:        job.EntityID,
		EstablishmentID: job.EstablishmentID,
		Status:          job.Status,
		Attempts:        job.Attempts,
		MaxAttempts:     job.MaxAttempts,
		ContingencyMode: string(job.ContingencyMode),
		RequiresResend:  job.RequiresResend,
		OriginalJobID:   job.OriginalJobID.String,
		ErrorMessage:    job.ErrorMessage.String,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt.Valid {
		d.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}
	return d
}
