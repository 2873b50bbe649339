package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cirrusfs/cirrusfs/internal/auth"
	"github.com/cirrusfs/cirrusfs/internal/blob"
	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

const (
	minPartSize   = 5 * 1024 * 1024
	maxPartNumber = 10000
)

// CreateMultipartUpload registers a new upload and returns its id.
func (e *Engine) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string, userMetadata map[string]string, owner string) (*metadata.MultipartUpload, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, s3err.ErrInvalidArgument.WithMessage("object key must not be empty")
	}

	upload := &metadata.MultipartUpload{
		UploadID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Bucket:       bucket,
		Key:          key,
		Owner:        owner,
		CreatedAt:    time.Now().UTC(),
		ContentType:  contentType,
		UserMetadata: userMetadata,
	}
	if err := e.meta.CreateUpload(ctx, upload); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"bucket": bucket, "key": key, "upload_id": upload.UploadID,
	}).Info("Multipart upload initiated")
	return upload, nil
}

// getUpload resolves an upload id within a bucket/key pair.
func (e *Engine) getUpload(ctx context.Context, bucket, key, uploadID string) (*metadata.MultipartUpload, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	upload, err := e.meta.GetUpload(ctx, uploadID)
	if err == metadata.ErrUploadNotFound {
		return nil, s3err.ErrNoSuchUpload
	}
	if err != nil {
		return nil, err
	}
	if upload.Bucket != bucket || upload.Key != key {
		return nil, s3err.ErrNoSuchUpload
	}
	return upload, nil
}

// UploadPart stages one part in the upload's scratch area. Re-uploading a
// part number replaces the staged part.
func (e *Engine) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, contentSHA256 string) (*metadata.Part, error) {
	if partNumber < 1 || partNumber > maxPartNumber {
		return nil, s3err.ErrInvalidArgument.WithMessage("part number must be between 1 and %d", maxPartNumber)
	}
	upload, err := e.getUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}

	expected := ""
	if !auth.IsUnsignedPayload(contentSHA256) {
		expected = contentSHA256
	}

	path := blob.PartPath(upload.Bucket, uploadID, partNumber)
	result, err := e.blobs.Put(ctx, path, body, expected)
	if err != nil {
		if err == blob.ErrChecksumMismatch {
			return nil, s3err.ErrContentSHAMismatch
		}
		return nil, s3err.ErrInternal.WithMessage("failed to store part data: %s", err)
	}

	part := &metadata.Part{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		ETag:         result.SHA256,
		Size:         result.Size,
		BlobPath:     result.Path,
		LastModified: time.Now().UTC(),
	}
	if _, err := e.meta.PutPart(ctx, part); err != nil {
		if err == metadata.ErrUploadNotFound {
			// Aborted while the bytes were streaming in.
			e.blobs.Delete(ctx, result.Path)
			return nil, s3err.ErrNoSuchUpload
		}
		return nil, err
	}
	return part, nil
}

// UploadPartCopy stages a part whose bytes come from an existing object
// version, optionally restricted to a byte range.
func (e *Engine) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey, srcVersionID string, rng *blob.Range) (*metadata.Part, error) {
	_, body, err := e.GetObject(ctx, srcBucket, srcKey, srcVersionID, rng)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return e.UploadPart(ctx, bucket, key, uploadID, partNumber, body, "")
}

// CompletedPart is one entry of a CompleteMultipartUpload manifest.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CompleteMultipartUpload validates the declared manifest against the
// staged parts, concatenates them into one object version, and retires the
// upload. The final etag is the MD5 of the concatenated per-part etag
// bytes, suffixed with the part count.
func (e *Engine) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, declared []CompletedPart) (*metadata.ObjectVersion, error) {
	upload, err := e.getUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if len(declared) == 0 {
		return nil, s3err.ErrInvalidPart.WithMessage("the completion manifest must declare at least one part")
	}

	staged, err := e.meta.ListParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	stagedByNumber := make(map[int]*metadata.Part, len(staged))
	for _, part := range staged {
		stagedByNumber[part.PartNumber] = part
	}

	etagHash := md5.New()
	var totalSize int64
	sources := make([]string, 0, len(declared))
	seen := make(map[int]bool, len(declared))
	for i, want := range declared {
		if seen[want.PartNumber] {
			return nil, s3err.ErrInvalidPart.WithMessage("part number %d declared more than once", want.PartNumber)
		}
		seen[want.PartNumber] = true
		if i > 0 && want.PartNumber <= declared[i-1].PartNumber {
			return nil, s3err.ErrInvalidPartOrder
		}

		part, ok := stagedByNumber[want.PartNumber]
		if !ok || !strings.EqualFold(strings.Trim(want.ETag, `"`), part.ETag) {
			return nil, s3err.ErrInvalidPart.WithMessage("part number %d was not uploaded or its etag does not match", want.PartNumber)
		}
		if part.Size < minPartSize && i != len(declared)-1 {
			return nil, s3err.ErrEntityTooSmall
		}

		raw, err := decodeHexETag(part.ETag)
		if err != nil {
			return nil, s3err.ErrInvalidPart.WithMessage("part number %d has a malformed etag", want.PartNumber)
		}
		etagHash.Write(raw)
		totalSize += part.Size
		sources = append(sources, part.BlobPath)
	}
	finalETag := fmt.Sprintf("%s-%d", hex.EncodeToString(etagHash.Sum(nil)), len(declared))

	status, err := e.VersioningStatus(ctx, bucket)
	if err != nil {
		return nil, err
	}
	versionID := metadata.NullVersionID
	if status == metadata.VersioningEnabled {
		versionID = newVersionID()
	}

	dst := blob.ObjectPath(bucket, key, versionID)
	if _, err := e.blobs.Concat(ctx, dst, sources); err != nil {
		return nil, s3err.ErrInternal.WithMessage("failed to assemble object data: %s", err)
	}

	version := &metadata.ObjectVersion{
		Bucket:       bucket,
		Key:          key,
		VersionID:    versionID,
		Size:         totalSize,
		ETag:         finalETag,
		LastModified: time.Now().UTC(),
		ContentType:  upload.ContentType,
		UserMetadata: upload.UserMetadata,
		Owner:        upload.Owner,
		BlobPath:     dst,
	}
	replaced, err := e.meta.CommitObjectVersion(ctx, version, status != metadata.VersioningEnabled)
	if err != nil {
		if versionID != metadata.NullVersionID {
			e.blobs.Delete(ctx, dst)
		}
		return nil, err
	}
	if replaced != nil && replaced.BlobPath != "" && replaced.BlobPath != dst {
		if err := e.blobs.Delete(ctx, replaced.BlobPath); err != nil {
			logrus.WithError(err).WithField("blob", replaced.BlobPath).Warn("Failed to delete replaced blob")
		}
	}

	if _, err := e.meta.DeleteUpload(ctx, uploadID); err != nil && err != metadata.ErrUploadNotFound {
		logrus.WithError(err).WithField("upload_id", uploadID).Warn("Failed to retire completed upload")
	}
	if err := e.blobs.RemoveScratch(bucket, uploadID); err != nil {
		logrus.WithError(err).WithField("upload_id", uploadID).Warn("Failed to remove upload scratch area")
	}

	logrus.WithFields(logrus.Fields{
		"bucket": bucket, "key": key, "upload_id": uploadID,
		"parts": len(declared), "size": totalSize,
	}).Info("Multipart upload completed")
	return version, nil
}

// AbortMultipartUpload discards the upload and its staged parts.
func (e *Engine) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := e.getUpload(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	if _, err := e.meta.DeleteUpload(ctx, uploadID); err != nil && err != metadata.ErrUploadNotFound {
		return err
	}
	if err := e.blobs.RemoveScratch(bucket, uploadID); err != nil {
		logrus.WithError(err).WithField("upload_id", uploadID).Warn("Failed to remove upload scratch area")
	}
	return nil
}

// ListParts returns the staged parts of an upload in part-number order.
func (e *Engine) ListParts(ctx context.Context, bucket, key, uploadID string) (*metadata.MultipartUpload, []*metadata.Part, error) {
	upload, err := e.getUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, nil, err
	}
	parts, err := e.meta.ListParts(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	return upload, parts, nil
}

// ListMultipartUploads returns the in-progress uploads of a bucket.
func (e *Engine) ListMultipartUploads(ctx context.Context, bucket string) ([]*metadata.MultipartUpload, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return e.meta.ListUploads(ctx, bucket)
}
