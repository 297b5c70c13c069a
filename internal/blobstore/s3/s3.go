// Package s3 implements blobstore.Store on S3-compatible object
// storage (AWS S3, Cloudflare R2, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/blobstore"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/metrics"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Store implements blobstore.Store using S3.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New creates an S3 store and verifies the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	store := &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}

	if err := store.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return store, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(s.bucket),
		})
		if createErr != nil {
			metrics.RecordObjectStoreOp("create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
		}
		metrics.RecordObjectStoreOp("create_bucket", time.Since(start), true)
		logging.Info("created bucket", zap.String("bucket", s.bucket))
	}
	return nil
}

// upstream tags an object store failure so callers can distinguish it
// from domain errors.
func upstream(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrUpstream, err)
}

// Put uploads an object in a single request.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		metrics.RecordObjectStoreOp("put_object", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", key, upstream(err))
	}

	metrics.RecordObjectStoreOp("put_object", time.Since(start), true)
	logging.Debug("put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// Get returns an object's content and size.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordObjectStoreOp("get_object", time.Since(start), false)
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, 0, fmt.Errorf("object %s: %w", key, errs.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, upstream(err))
	}

	metrics.RecordObjectStoreOp("get_object", time.Since(start), true)

	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

// Delete removes an object. Missing keys are treated as already deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			metrics.RecordObjectStoreOp("delete_object", time.Since(start), true)
			return nil
		}
		metrics.RecordObjectStoreOp("delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, upstream(err))
	}

	metrics.RecordObjectStoreOp("delete_object", time.Since(start), true)
	logging.Debug("delete object", zap.String("key", key))
	return nil
}

// PresignGet returns a presigned download URL, optionally forcing an
// attachment filename on the response.
func (s *Store) PresignGet(ctx context.Context, key string, expires time.Duration, responseFilename string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if responseFilename != "" {
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": responseFilename})
		input.ResponseContentDisposition = aws.String(disposition)
	}

	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, upstream(err))
	}
	return req.URL, nil
}

// PresignPut returns a presigned single-part upload URL.
func (s *Store) PresignPut(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, upstream(err))
	}
	return req.URL, nil
}

// PresignUploadPart returns a presigned URL scoped to one part number
// of one multipart upload.
func (s *Store) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, expires time.Duration) (string, error) {
	req, err := s.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign part %d of %s: %w", partNumber, key, upstream(err))
	}
	return req.URL, nil
}

// CreateMultipart opens a multipart upload session.
func (s *Store) CreateMultipart(ctx context.Context, key, contentType string, metadata map[string]string) (string, error) {
	start := time.Now()

	result, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		metrics.RecordObjectStoreOp("create_multipart", time.Since(start), false)
		return "", fmt.Errorf("create multipart upload for %s: %w", key, upstream(err))
	}

	metrics.RecordObjectStoreOp("create_multipart", time.Since(start), true)
	return aws.ToString(result.UploadId), nil
}

// UploadPart transfers one part through the server.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (blobstore.CompletedPart, error) {
	start := time.Now()

	result, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		metrics.RecordObjectStoreOp("upload_part", time.Since(start), false)
		return blobstore.CompletedPart{}, fmt.Errorf("upload part %d of %s: %w", partNumber, key, upstream(err))
	}

	metrics.RecordObjectStoreOp("upload_part", time.Since(start), true)
	return blobstore.CompletedPart{PartNumber: partNumber, ETag: aws.ToString(result.ETag)}, nil
}

// ListParts returns uploaded parts after the given marker.
func (s *Store) ListParts(ctx context.Context, key, uploadID, marker string) (*blobstore.ListPartsPage, error) {
	start := time.Now()

	input := &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}
	if marker != "" {
		input.PartNumberMarker = aws.String(marker)
	}

	result, err := s.client.ListParts(ctx, input)
	if err != nil {
		metrics.RecordObjectStoreOp("list_parts", time.Since(start), false)
		return nil, fmt.Errorf("list parts of %s: %w", key, upstream(err))
	}
	metrics.RecordObjectStoreOp("list_parts", time.Since(start), true)

	page := &blobstore.ListPartsPage{}
	for _, p := range result.Parts {
		page.Parts = append(page.Parts, blobstore.Part{
			PartNumber: aws.ToInt32(p.PartNumber),
			Size:       aws.ToInt64(p.Size),
			ETag:       aws.ToString(p.ETag),
		})
	}
	if aws.ToBool(result.IsTruncated) {
		page.NextMarker = aws.ToString(result.NextPartNumberMarker)
	}
	return page, nil
}

// CompleteMultipart assembles the parts into the final object.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []blobstore.CompletedPart) (string, error) {
	start := time.Now()

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return *completed[i].PartNumber < *completed[j].PartNumber
	})

	result, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		metrics.RecordObjectStoreOp("complete_multipart", time.Since(start), false)
		return "", fmt.Errorf("complete multipart upload for %s: %w", key, upstream(err))
	}

	metrics.RecordObjectStoreOp("complete_multipart", time.Since(start), true)
	return aws.ToString(result.Location), nil
}

// AbortMultipart cancels an in-progress multipart upload. Idempotent:
// aborting an unknown upload succeeds.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	start := time.Now()

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if !errors.As(err, &noSuchUpload) {
			metrics.RecordObjectStoreOp("abort_multipart", time.Since(start), false)
			return fmt.Errorf("abort multipart upload for %s: %w", key, upstream(err))
		}
	}

	metrics.RecordObjectStoreOp("abort_multipart", time.Since(start), true)
	return nil
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}
