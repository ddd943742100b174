package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeInvalidOperation = "INVALID_OPERATION"

	ErrCodeModelUnavailable  = "MODEL_UNAVAILABLE"
	ErrCodeOutOfMemory       = "OUT_OF_MEMORY"
	ErrCodeDimensionMismatch = "DIMENSION_MISMATCH"
	ErrCodeExtraction        = "EXTRACTION_FAILURE"
	ErrCodeTimeout           = "TIMEOUT"
)

// Validation errors
var (
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
	ErrEmptyQuery           = NewDomainError(ErrCodeValidation, "query cannot be empty")
	ErrInvalidTaskState     = NewDomainError(ErrCodeValidation, "invalid ingestion task state")
	ErrChunkVectorCount     = NewDomainError(ErrCodeValidation, "chunk and vector counts differ")
)

// Not found errors
var (
	ErrDocumentNotFound = NewDomainError(ErrCodeNotFound, "document not found")
	ErrTaskNotFound     = NewDomainError(ErrCodeNotFound, "ingestion task not found")
)

// Inference errors
var (
	ErrModelUnavailable  = NewDomainError(ErrCodeModelUnavailable, "model unavailable")
	ErrOutOfMemory       = NewDomainError(ErrCodeOutOfMemory, "device out of memory")
	ErrDimensionMismatch = NewDomainError(ErrCodeDimensionMismatch, "embedding dimension mismatch")
	ErrGenerationTimeout = NewDomainError(ErrCodeTimeout, "generation timed out")
)

// Extraction errors
var (
	ErrUnsupportedFormat = NewDomainError(ErrCodeExtraction, "unsupported file format")
	ErrCorruptFile       = NewDomainError(ErrCodeExtraction, "corrupt file")
	ErrNoTextContent     = NewDomainError(ErrCodeExtraction, "no text content extracted")
)

// Operation errors
var (
	ErrInvalidTransition = NewDomainError(ErrCodeInvalidOperation, "invalid ingestion task transition")
	ErrDocumentDeleted   = NewDomainError(ErrCodeInvalidOperation, "document is deleted")
)

// ErrorCode returns the code of the first DomainError in err's chain, or
// ErrCodeInternalError when there is none.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternalError
}
