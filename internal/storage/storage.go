// Package storage provides object storage abstractions for the dataset lake.
package storage

import (
	"context"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
)

// Common errors for storage operations. They are structured errors so that
// callers can match them with errors.Is and the retry policy can tell
// transient I/O failures from missing objects.
var (
	ErrObjectNotFound     = nerrors.NewStorageError(nerrors.CodeNotFound, "object not found", nil)
	ErrPreconditionFailed = nerrors.NewStorageError(nerrors.CodePreconditionFailed, "precondition failed", nil)
	ErrUploadFailed       = nerrors.NewStorageError(nerrors.CodeUploadFailed, "upload failed", nil)
	ErrDownloadFailed     = nerrors.NewStorageError(nerrors.CodeDownloadFailed, "download failed", nil)
	ErrDeleteFailed       = nerrors.NewStorageError(nerrors.CodeDeleteFailed, "delete failed", nil)
)

// ObjectStorage abstracts hierarchical blob storage.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies a local file to objectPath, overwriting any existing object.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads using multipart for large files.
	// Returns the ETag of the uploaded object.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies objectPath to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Put atomically replaces objectPath with data. Readers observe either
	// the previous object or the new one, never a partial write.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get returns the full content of objectPath.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Append adds data to the end of objectPath, creating it if absent.
	// Existing bytes are never rewritten with different content.
	Append(ctx context.Context, objectPath string, data []byte) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// DeletePrefix removes every object whose path starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix in
	// lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Threshold is the file size above which Upload switches to multipart.
	Threshold int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:  5 * 1024 * 1024,  // 5MB
		Threshold: 64 * 1024 * 1024, // 64MB
	}
}
