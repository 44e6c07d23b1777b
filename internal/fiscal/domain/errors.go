package domain

import "errors"

var (
	// ErrDocumentNotFound is returned when a fiscal document does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrEstablishmentNotFound is returned when the issuing establishment does not exist.
	ErrEstablishmentNotFound = errors.New("establishment not found")

	// ErrEstablishmentInactive is returned when submitting for a deactivated establishment.
	ErrEstablishmentInactive = errors.New("establishment is inactive")

	// ErrJobNotFound is returned when a queue job does not exist.
	ErrJobNotFound = errors.New("queue job not found")

	// ErrDuplicateJob is returned when a pending or processing job of the
	// same type already exists for the document.
	ErrDuplicateJob = errors.New("a job of this type is already in flight for this document")

	// ErrInvalidStatus is returned when a document is not in a status that
	// permits the requested operation.
	ErrInvalidStatus = errors.New("document status does not permit this operation")

	// ErrMissingXML is returned when an emission is requested for a document
	// without a generated payload.
	ErrMissingXML = errors.New("document has no generated XML")

	// ErrShortJustification is returned when a cancellation justification is
	// below the regulatory minimum of 15 characters.
	ErrShortJustification = errors.New("justification must have at least 15 characters")

	// ErrMaxAttemptsExceeded marks a job whose retry budget is exhausted.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

// RetryableError wraps transient failures (timeouts, 5xx-class transport
// errors) that should be retried with backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NewRetryableError wraps err as retryable.
func NewRetryableError(err error) error { return &RetryableError{Err: err} }

// IsRetryable reports whether err is wrapped as a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// OfflineError marks a failure whose status code or message matches the
// authority-offline patterns. It triggers contingency escalation instead of
// a plain retry.
type OfflineError struct {
	Status string
	Err    error
}

func (e *OfflineError) Error() string { return "authority offline: " + e.Err.Error() }
func (e *OfflineError) Unwrap() error { return e.Err }

// IsOffline reports whether err is wrapped as an OfflineError.
func IsOffline(err error) bool {
	var oe *OfflineError
	return errors.As(err, &oe)
}

// RejectionError carries an explicit rejection by the authority. Terminal:
// reflected as document status, never retried.
type RejectionError struct {
	Status string
	Reason string
}

func (e *RejectionError) Error() string { return "rejected by authority: " + e.Reason }

// IsRejection reports whether err is a RejectionError.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
