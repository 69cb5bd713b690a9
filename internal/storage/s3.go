// Package storage moves export artifacts to object storage and mints
// download capabilities. The durable reference is always the object key;
// presigned URLs are minted per request and never persisted.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ledgerworks/export-service/constants"
	"github.com/ledgerworks/export-service/internal/common"
)

// s3API is the slice of the S3 client this package uses; *s3.S3 satisfies it.
type s3API interface {
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
	CreateMultipartUploadWithContext(aws.Context, *s3.CreateMultipartUploadInput, ...request.Option) (*s3.CreateMultipartUploadOutput, error)
	UploadPartWithContext(aws.Context, *s3.UploadPartInput, ...request.Option) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadWithContext(aws.Context, *s3.CompleteMultipartUploadInput, ...request.Option) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadWithContext(aws.Context, *s3.AbortMultipartUploadInput, ...request.Option) (*s3.AbortMultipartUploadOutput, error)
	DeleteObjectWithContext(aws.Context, *s3.DeleteObjectInput, ...request.Option) (*s3.DeleteObjectOutput, error)
	HeadBucketWithContext(aws.Context, *s3.HeadBucketInput, ...request.Option) (*s3.HeadBucketOutput, error)
	GetObjectRequest(*s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput)
}

// Uploader implements the storage side of the export pipeline.
type Uploader struct {
	api           s3API
	bucket        string
	threshold     int64
	partSize      int64
	presignExpiry time.Duration
	logger        *slog.Logger
}

// NewUploader builds an S3-backed uploader. threshold is the largest file
// uploaded in a single PutObject; anything above it goes multipart in
// partSize pieces.
func NewUploader(cfg common.S3Config, threshold, partSize int64, logger *slog.Logger) (*Uploader, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(cfg.ForcePathStyle)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, common.WrapError(err, "create aws session")
	}
	return newUploader(s3.New(sess), cfg, threshold, partSize, logger), nil
}

func newUploader(api s3API, cfg common.S3Config, threshold, partSize int64, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		api:           api,
		bucket:        cfg.Bucket,
		threshold:     threshold,
		partSize:      partSize,
		presignExpiry: cfg.PresignExpiry,
		logger:        logger,
	}
}

// ObjectKey derives the deterministic object key:
// exports/{table}/{from}_{to}/{reference_id}{ext}.
func ObjectKey(table string, from, to time.Time, referenceID string, format constants.ArtifactFormat) string {
	return fmt.Sprintf("exports/%s/%s_%s/%s%s",
		table,
		from.UTC().Format(common.DateLayout),
		to.UTC().Format(common.DateLayout),
		referenceID,
		format.Extension())
}

// UploadFile moves the artifact at filePath to the object key, choosing
// single-shot or multipart by size.
func (u *Uploader) UploadFile(ctx context.Context, filePath, key string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return common.WrapError(err, "stat artifact")
	}
	f, err := os.Open(filePath)
	if err != nil {
		return common.WrapError(err, "open artifact")
	}
	defer f.Close()

	if info.Size() <= u.threshold {
		return u.putObject(ctx, f, key)
	}
	return u.multipartUpload(ctx, f, info.Size(), key)
}

func (u *Uploader) putObject(ctx context.Context, f *os.File, key string) error {
	_, err := u.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(u.bucket),
		Key:                aws.String(key),
		Body:               f,
		ContentType:        aws.String(contentType(key)),
		ContentDisposition: aws.String(disposition(key)),
	})
	if err != nil {
		return common.WrapError(err, "put object")
	}
	u.logger.Info("storage.upload.ok", "key", key, "multipart", false)
	return nil
}

func (u *Uploader) multipartUpload(ctx context.Context, f *os.File, size int64, key string) error {
	create, err := u.api.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:             aws.String(u.bucket),
		Key:                aws.String(key),
		ContentType:        aws.String(contentType(key)),
		ContentDisposition: aws.String(disposition(key)),
	})
	if err != nil {
		return common.WrapError(err, "create multipart upload")
	}
	uploadID := create.UploadId

	var parts []*s3.CompletedPart
	partNumber := int64(1)
	for offset := int64(0); offset < size; offset += u.partSize {
		length := u.partSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		out, err := u.api.UploadPartWithContext(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int64(partNumber),
			Body:       io.NewSectionReader(f, offset, length),
		})
		if err != nil {
			u.abort(key, uploadID)
			return common.WrapError(err, fmt.Sprintf("upload part %d", partNumber))
		}
		parts = append(parts, &s3.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int64(partNumber),
		})
		u.logger.Info("storage.upload.part", "key", key, "part", partNumber)
		partNumber++
	}

	_, err = u.api.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		u.abort(key, uploadID)
		return common.WrapError(err, "complete multipart upload")
	}
	u.logger.Info("storage.upload.ok", "key", key, "multipart", true, "parts", len(parts))
	return nil
}

// abort cleans up an open multipart session so no orphaned parts accrue
// storage. Best effort: run on a fresh context because the original one may
// already be dead.
func (u *Uploader) abort(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := u.api.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	}); err != nil {
		u.logger.Error("storage.upload.abort_failed", "key", key, "error", err)
		return
	}
	u.logger.Warn("storage.upload.aborted", "key", key)
}

// PresignDownload mints a time-limited GET URL for a stored object key.
func (u *Uploader) PresignDownload(_ context.Context, fileReference string) (string, error) {
	req, _ := u.api.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(fileReference),
	})
	url, err := req.Presign(u.presignExpiry)
	if err != nil {
		return "", common.WrapError(err, "presign download url")
	}
	return url, nil
}

// Delete removes a stored object; used only by retention cleanup.
func (u *Uploader) Delete(ctx context.Context, fileReference string) error {
	_, err := u.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(fileReference),
	})
	if err != nil {
		return common.WrapError(err, "delete object")
	}
	u.logger.Info("storage.deleted", "key", fileReference)
	return nil
}

// Health checks bucket reachability.
func (u *Uploader) Health(ctx context.Context) error {
	_, err := u.api.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)})
	return err
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".csv.gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".xlsx"):
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv"
	}
}

func disposition(key string) string {
	return fmt.Sprintf("attachment; filename=%q", path.Base(key))
}
