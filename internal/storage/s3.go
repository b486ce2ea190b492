package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pvforecast/nwplake/internal/retry"
)

// maxDeleteBatch is the DeleteObjects request limit.
const maxDeleteBatch = 1000

// S3Storage implements ObjectStorage for AWS S3 and S3-compatible stores.
type S3Storage struct {
	client *s3.Client
	bucket string
	config S3Config
	retry  retry.Policy
	logger *slog.Logger
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// AccessKeyID and SecretAccessKey, when set, replace the default
	// credential chain with static credentials.
	AccessKeyID     string
	SecretAccessKey string
	// MultipartConfig holds multipart upload settings.
	MultipartConfig MultipartUploadConfig
	// Retry governs retries of individual S3 calls.
	Retry retry.Policy
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MultipartConfig: DefaultMultipartConfig(),
		Retry: retry.Policy{
			MaxAttempts: 4,
			Retriable:   []error{ErrUploadFailed, ErrDownloadFailed, ErrDeleteFailed},
			Delay:       100 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Second,
		},
	}
}

// NewS3Storage creates a new S3 storage client.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config, logger *slog.Logger) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg, s3Opts...), bucket, cfg, logger), nil
}

// NewS3StorageWithClient creates a new S3 storage with a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config, logger *slog.Logger) *S3Storage {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MultipartConfig.PartSize <= 0 {
		cfg.MultipartConfig = DefaultMultipartConfig()
	}
	return &S3Storage{
		client: client,
		bucket: bucket,
		config: cfg,
		retry:  cfg.Retry,
		logger: logger.With("component", "s3", "bucket", bucket),
	}
}

// Upload uploads a file to S3, switching to multipart above the threshold.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	if t := s.config.MultipartConfig.Threshold; t > 0 {
		if info, err := os.Stat(localPath); err == nil && info.Size() > t {
			_, err := s.UploadMultipart(ctx, localPath, objectPath)
			return err
		}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	return s.do(ctx, "put "+objectPath, func(ctx context.Context) error {
		// Reset file position for retry
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}

		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		return nil
	})
}

// UploadMultipart uploads a file using multipart upload with ETag validation.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	fileSize := stat.Size()
	partSize := s.config.MultipartConfig.PartSize

	// If file is small enough, use a single put
	if fileSize <= partSize {
		data, err := io.ReadAll(file)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		return s.putBytes(ctx, objectPath, data, nil, nil)
	}

	var etag string
	err = s.do(ctx, "multipart "+objectPath, func(ctx context.Context) error {
		var uploadErr error
		etag, uploadErr = s.doMultipartUpload(ctx, file, fileSize, objectPath)
		if uploadErr != nil {
			return fmt.Errorf("%w: %v", ErrUploadFailed, uploadErr)
		}
		return nil
	})
	return etag, err
}

func (s *S3Storage) doMultipartUpload(ctx context.Context, file *os.File, fileSize int64, objectPath string) (string, error) {
	partSize := s.config.MultipartConfig.PartSize

	createResp, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}

	uploadID := createResp.UploadId
	numParts := int(math.Ceil(float64(fileSize) / float64(partSize)))
	completedParts := make([]types.CompletedPart, 0, numParts)

	for partNum := 1; partNum <= numParts; partNum++ {
		offset := int64(partNum-1) * partSize
		size := partSize
		if offset+size > fileSize {
			size = fileSize - offset
		}

		uploadResp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(int32(partNum)),
			Body:          io.NewSectionReader(file, offset, size),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			s.abortMultipartUpload(ctx, objectPath, uploadID)
			return "", err
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       uploadResp.ETag,
			PartNumber: aws.Int32(int32(partNum)),
		})
	}

	completeResp, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		s.abortMultipartUpload(ctx, objectPath, uploadID)
		return "", err
	}

	return aws.ToString(completeResp.ETag), nil
}

func (s *S3Storage) abortMultipartUpload(ctx context.Context, objectPath string, uploadID *string) {
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	})
}

// Download downloads an object from S3 into a local file.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	return s.do(ctx, "get "+objectPath, func(ctx context.Context) error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return s.mapGetError(objectPath, err)
		}
		defer resp.Body.Close()

		file, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		defer file.Close()

		if _, err := io.Copy(file, resp.Body); err != nil {
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		return nil
	})
}

// Put writes data with a single PutObject, which S3 applies atomically.
func (s *S3Storage) Put(ctx context.Context, objectPath string, data []byte) error {
	_, err := s.putBytes(ctx, objectPath, data, nil, nil)
	return err
}

// Get reads a whole object.
func (s *S3Storage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	data, _, err := s.getWithETag(ctx, objectPath)
	return data, err
}

// Append emulates append with a read-modify-write guarded by the object's
// ETag (If-Match) or by If-None-Match for a new object, so a concurrent
// writer makes the call fail with ErrPreconditionFailed instead of losing
// rows.
func (s *S3Storage) Append(ctx context.Context, objectPath string, data []byte) error {
	existing, etag, err := s.getWithETag(ctx, objectPath)
	switch {
	case errors.Is(err, ErrObjectNotFound):
		_, err = s.putBytes(ctx, objectPath, data, nil, aws.String("*"))
		return err
	case err != nil:
		return err
	}

	combined := make([]byte, 0, len(existing)+len(data))
	combined = append(combined, existing...)
	combined = append(combined, data...)
	_, err = s.putBytes(ctx, objectPath, combined, aws.String(etag), nil)
	return err
}

// Delete removes an object from S3.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	return s.do(ctx, "delete "+objectPath, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
		}
		return nil
	})
}

// DeletePrefix lists the prefix and removes objects in DeleteObjects batches.
func (s *S3Storage) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.ListObjects(ctx, prefix)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	for start := 0; start < len(objects); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(objects) {
			end = len(objects)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}

		err := s.do(ctx, "delete prefix "+prefix, func(ctx context.Context) error {
			resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
			}
			if len(resp.Errors) > 0 {
				first := resp.Errors[0]
				return fmt.Errorf("%w: %d objects not deleted, first %s: %s",
					ErrDeleteFailed, len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	s.logger.Debug("deleted prefix", "prefix", prefix, "objects", len(objects))
	return nil
}

// Exists checks if an object exists in S3.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.do(ctx, "head "+objectPath, func(ctx context.Context) error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) {
				exists = false
				return nil
			}
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		exists = true
		return nil
	})

	return exists, err
}

// ListObjects returns all object paths under the given prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}

	return objects, nil
}

func (s *S3Storage) putBytes(ctx context.Context, objectPath string, data []byte, ifMatch, ifNoneMatch *string) (string, error) {
	var etag string
	err := s.do(ctx, "put "+objectPath, func(ctx context.Context) error {
		resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			IfMatch:       ifMatch,
			IfNoneMatch:   ifNoneMatch,
		})
		if err != nil {
			if isS3PreconditionFailed(err) {
				return fmt.Errorf("%w: %s", ErrPreconditionFailed, objectPath)
			}
			return fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		etag = aws.ToString(resp.ETag)
		return nil
	})
	return etag, err
}

func (s *S3Storage) getWithETag(ctx context.Context, objectPath string) ([]byte, string, error) {
	var (
		data []byte
		etag string
	)
	err := s.do(ctx, "get "+objectPath, func(ctx context.Context) error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return s.mapGetError(objectPath, err)
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		etag = aws.ToString(resp.ETag)
		return nil
	})
	return data, etag, err
}

func (s *S3Storage) mapGetError(objectPath string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
	}
	return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
}

// do runs a single S3 call under the configured retry policy.
func (s *S3Storage) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return s.retry.Do(ctx, s.logger, name, op)
}

// isS3PreconditionFailed checks if the error is a precondition failed error.
func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return strings.Contains(err.Error(), "PreconditionFailed") || strings.Contains(err.Error(), "412")
}
