// Package errors provides structured error types for nwplake.
// All errors include a category, code, message, and retryable flag so the
// sync loop and the retry policy can classify failures uniformly.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the layer that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation   ErrorCategory = "VALIDATION"
	ErrCategoryNetwork      ErrorCategory = "NETWORK"
	ErrCategoryUpstream     ErrorCategory = "UPSTREAM"
	ErrCategoryDecode       ErrorCategory = "DECODE"
	ErrCategoryStorage      ErrorCategory = "STORAGE"
	ErrCategoryFormat       ErrorCategory = "FORMAT"
	ErrCategoryConfirmation ErrorCategory = "CONFIRMATION"
	ErrCategoryInternal     ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidSchema       = "INVALID_SCHEMA"
	CodeInvalidPartitionKey = "INVALID_PARTITION_KEY"
	CodeUnknownField        = "UNKNOWN_FIELD"
	CodeParseError          = "PARSE_ERROR"
	CodeSchemaMismatch      = "SCHEMA_MISMATCH"

	// Network codes
	CodeTransient = "TRANSIENT"

	// Upstream codes
	CodeHTTPStatus = "HTTP_STATUS"
	CodeBadListing = "BAD_LISTING"

	// Decode codes
	CodeDecodeFailed = "DECODE_FAILED"
	CodeUnsupported  = "UNSUPPORTED"

	// Storage codes
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodeDownloadFailed     = "DOWNLOAD_FAILED"
	CodeDeleteFailed       = "DELETE_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeNoPartitions       = "NO_PARTITIONS"
	CodePreconditionFailed = "PRECONDITION_FAILED"

	// Format codes
	CodeInvalidPartitionPath = "INVALID_PARTITION_PATH"
	CodeCorruptPartition     = "CORRUPT_PARTITION"

	// Confirmation codes
	CodeAborted = "ABORTED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryNetwork && code == CodeTransient:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Kinds usable as errors.Is targets and as retry policy filters.
var (
	ErrTransientNetwork    = New(ErrCategoryNetwork, CodeTransient, "transient network error")
	ErrUpstreamHTTP        = New(ErrCategoryUpstream, CodeHTTPStatus, "upstream returned an error status")
	ErrDecode              = New(ErrCategoryDecode, CodeDecodeFailed, "payload could not be decoded")
	ErrStorageNotFound     = New(ErrCategoryStorage, CodeNotFound, "object not found")
	ErrFormat              = New(ErrCategoryFormat, CodeInvalidPartitionPath, "partition path does not match schema")
	ErrConfirmationAborted = New(ErrCategoryConfirmation, CodeAborted, "destructive operation not confirmed")
)

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewNetworkError(message string, cause error) *Error {
	return Wrap(ErrCategoryNetwork, CodeTransient, message, cause)
}

func NewUpstreamError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryUpstream, code, message, cause)
}

func NewDecodeError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryDecode, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewFormatError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryFormat, code, message, cause)
}

func NewConfirmationError(message string) *Error {
	return New(ErrCategoryConfirmation, CodeAborted, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
