package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeUploadFailed, "upload failed")
	expected := "[STORAGE:UPLOAD_FAILED] upload failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection reset by peer")
	err := Wrap(ErrCategoryNetwork, CodeTransient, "download interrupted", cause)
	expected := "[NETWORK:TRANSIENT] download interrupted: connection reset by peer"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryDecode, CodeDecodeFailed, "bad message", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategoryStorage, CodeNotFound, "first")
	err2 := New(ErrCategoryStorage, CodeNotFound, "second")
	err3 := New(ErrCategoryStorage, CodeNoPartitions, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestError_IsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("fetch run abc: %w", NewNetworkError("stream cut", nil))
	if !errors.Is(err, ErrTransientNetwork) {
		t.Error("wrapped network error should match ErrTransientNetwork")
	}
	if errors.Is(err, ErrUpstreamHTTP) {
		t.Error("network error should not match ErrUpstreamHTTP")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryNetwork, CodeTransient, true},
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeNotFound, false},
		{ErrCategoryStorage, CodePreconditionFailed, false},
		{ErrCategoryUpstream, CodeHTTPStatus, false},
		{ErrCategoryDecode, CodeDecodeFailed, false},
		{ErrCategoryFormat, CodeInvalidPartitionPath, false},
		{ErrCategoryConfirmation, CodeAborted, false},
		{ErrCategoryValidation, CodeInvalidSchema, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryValidation, CodeParseError, "bad predicate")
	if GetCategory(err) != ErrCategoryValidation {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryValidation)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("plain error should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryValidation, CodeParseError, "bad predicate")
	if GetCode(err) != CodeParseError {
		t.Errorf("got %q, want %q", GetCode(err), CodeParseError)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("plain error should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryUpstream, CodeHTTPStatus, "bad status")
	detailed := err.WithDetails(map[string]interface{}{"status": 503})

	if detailed.Details["status"] != 503 {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeUnknownField, "no such key")
	if v.Category != ErrCategoryValidation || v.Code != CodeUnknownField {
		t.Error("NewValidationError mismatch")
	}

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	n := NewNetworkError("reset", cause)
	if !n.Retryable || !errors.Is(n, ErrTransientNetwork) {
		t.Error("NewNetworkError mismatch")
	}

	u := NewUpstreamError(CodeHTTPStatus, "404", nil)
	if u.Retryable || !errors.Is(u, ErrUpstreamHTTP) {
		t.Error("NewUpstreamError mismatch")
	}

	d := NewDecodeError(CodeDecodeFailed, "truncated", cause)
	if !errors.Is(d, ErrDecode) {
		t.Error("NewDecodeError mismatch")
	}

	f := NewFormatError(CodeInvalidPartitionPath, "bad path", nil)
	if !errors.Is(f, ErrFormat) {
		t.Error("NewFormatError mismatch")
	}

	c := NewConfirmationError("delete not confirmed")
	if !errors.Is(c, ErrConfirmationAborted) {
		t.Error("NewConfirmationError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
