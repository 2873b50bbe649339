package engine

import (
	"context"
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
	"github.com/cirrusfs/cirrusfs/internal/policy"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

// Engine composes the metadata store and the blob store and enforces the
// core invariant: a committed object version row exists if and only if its
// blob does. Blobs are written before rows commit and deleted after rows
// are gone, so a crash can only leave an orphaned blob, never a dangling
// row.
type Engine struct {
	meta  metadata.Store
	blobs *blob.Store
}

// New creates a storage engine over the given stores.
func New(meta metadata.Store, blobs *blob.Store) *Engine {
	return &Engine{meta: meta, blobs: blobs}
}

// newVersionID allocates an opaque version id.
func newVersionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateBucket inserts the bucket and its default private ACL.
func (e *Engine) CreateBucket(ctx context.Context, name, owner string) (*metadata.Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}

	bucket := &metadata.Bucket{
		Name:      name,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.meta.CreateBucket(ctx, bucket); err != nil {
		if err == metadata.ErrBucketExists {
			return nil, s3err.ErrBucketExists
		}
		return nil, err
	}

	acl, err := policy.DefaultACL(owner).Encode()
	if err != nil {
		return nil, err
	}
	if err := e.meta.PutBucketConfig(ctx, name, metadata.ConfigACL, acl); err != nil {
		return nil, err
	}

	if err := e.blobs.CreateBucketDir(name); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"bucket": name, "owner": owner}).Info("Bucket created")
	return bucket, nil
}

// DeleteBucket removes an empty bucket, cascading its configurations and
// removing the bucket directory.
func (e *Engine) DeleteBucket(ctx context.Context, name string) error {
	if _, err := e.GetBucket(ctx, name); err != nil {
		return err
	}

	versions, err := e.meta.CountObjectVersions(ctx, name)
	if err != nil {
		return err
	}
	uploads, err := e.meta.CountUploads(ctx, name)
	if err != nil {
		return err
	}
	if versions > 0 || uploads > 0 {
		return s3err.ErrBucketNotEmpty
	}

	if err := e.meta.DeleteBucket(ctx, name); err != nil {
		if err == metadata.ErrBucketNotFound {
			return s3err.ErrNoSuchBucket
		}
		return err
	}
	if err := e.blobs.RemoveBucketDir(name); err != nil {
		return err
	}

	logrus.WithField("bucket", name).Info("Bucket deleted")
	return nil
}

// GetBucket returns the bucket row, mapping absence to NoSuchBucket.
func (e *Engine) GetBucket(ctx context.Context, name string) (*metadata.Bucket, error) {
	bucket, err := e.meta.GetBucket(ctx, name)
	if err == metadata.ErrBucketNotFound {
		return nil, s3err.ErrNoSuchBucket
	}
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

// ListBuckets returns the buckets owned by owner, or every bucket when
// owner is empty.
func (e *Engine) ListBuckets(ctx context.Context, owner string) ([]*metadata.Bucket, error) {
	buckets, err := e.meta.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return buckets, nil
	}
	owned := buckets[:0]
	for _, bucket := range buckets {
		if bucket.Owner == owner {
			owned = append(owned, bucket)
		}
	}
	return owned, nil
}

// PutObjectInput carries one streaming write.
type PutObjectInput struct {
	Bucket        string
	Key           string
	Body          io.Reader
	ContentType   string
	UserMetadata  map[string]string
	Owner         string
	ContentSHA256 string // from x-amz-content-sha256; sentinels skip the check
}

// PutObject streams the body into the blob store and commits a new version
// row. Non-Enabled buckets replace the "null" version in place; Enabled
// buckets allocate a fresh version id and demote the prior latest.
func (e *Engine) PutObject(ctx context.Context, input PutObjectInput) (*metadata.ObjectVersion, error) {
	if _, err := e.GetBucket(ctx, input.Bucket); err != nil {
		return nil, err
	}
	if input.Key == "" {
		return nil, s3err.ErrInvalidArgument.WithMessage("object key must not be empty")
	}

	status, err := e.VersioningStatus(ctx, input.Bucket)
	if err != nil {
		return nil, err
	}

	versionID := metadata.NullVersionID
	if status == metadata.VersioningEnabled {
		versionID = newVersionID()
	}

	expected := ""
	if !auth.IsUnsignedPayload(input.ContentSHA256) {
		expected = input.ContentSHA256
	}

	blobPath := blob.ObjectPath(input.Bucket, input.Key, versionID)
	result, err := e.blobs.Put(ctx, blobPath, input.Body, expected)
	if err != nil {
		if err == blob.ErrChecksumMismatch {
			return nil, s3err.ErrContentSHAMismatch
		}
		return nil, s3err.ErrInternal.WithMessage("failed to store object data: %s", err)
	}

	version := &metadata.ObjectVersion{
		Bucket:       input.Bucket,
		Key:          input.Key,
		VersionID:    versionID,
		Size:         result.Size,
		ETag:         result.SHA256,
		LastModified: time.Now().UTC(),
		ContentType:  input.ContentType,
		UserMetadata: input.UserMetadata,
		Owner:        input.Owner,
		BlobPath:     result.Path,
	}

	replaced, err := e.meta.CommitObjectVersion(ctx, version, status != metadata.VersioningEnabled)
	if err != nil {
		// Roll the blob back so no unreferenced bytes survive. A "null"
		// write may have overwritten the prior null blob in place; its row
		// now points at the new bytes either way, so removal is safe only
		// for fresh version ids.
		if versionID != metadata.NullVersionID {
			e.blobs.Delete(ctx, result.Path)
		}
		return nil, err
	}

	// A replaced "null" version shares the blob path with its successor;
	// the rename already reclaimed its bytes.
	if replaced != nil && replaced.BlobPath != "" && replaced.BlobPath != result.Path {
		if err := e.blobs.Delete(ctx, replaced.BlobPath); err != nil {
			logrus.WithError(err).WithField("blob", replaced.BlobPath).Warn("Failed to delete replaced blob")
		}
	}

	return version, nil
}

// StatObject resolves a version without opening its bytes. When the latest
// version is a delete marker and no explicit version was requested, the
// marker is returned alongside NoSuchKey so callers can emit
// x-amz-delete-marker; naming the marker by version id instead returns it
// with MethodNotAllowed.
func (e *Engine) StatObject(ctx context.Context, bucket, key, versionID string) (*metadata.ObjectVersion, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	var version *metadata.ObjectVersion
	var err error
	if versionID == "" {
		version, err = e.meta.GetLatestObjectVersion(ctx, bucket, key)
	} else {
		version, err = e.meta.GetObjectVersion(ctx, bucket, key, versionID)
	}
	if err == metadata.ErrObjectNotFound {
		return nil, s3err.ErrNoSuchKey
	}
	if err != nil {
		return nil, err
	}
	if version.IsDeleteMarker {
		// Reading the marker itself by version id is a method mismatch,
		// not a missing key.
		if versionID != "" {
			return version, s3err.ErrMethodNotAllowed
		}
		return version, s3err.ErrNoSuchKey
	}
	return version, nil
}

// GetObject resolves a version and opens a streaming read over its bytes,
// honoring an optional byte range.
func (e *Engine) GetObject(ctx context.Context, bucket, key, versionID string, rng *blob.Range) (*metadata.ObjectVersion, io.ReadCloser, error) {
	version, err := e.StatObject(ctx, bucket, key, versionID)
	if err != nil {
		return version, nil, err
	}

	body, err := e.blobs.Open(ctx, version.BlobPath, rng)
	if err != nil {
		switch err {
		case blob.ErrRangeNotSatisfiable:
			return version, nil, s3err.ErrInvalidRange
		case blob.ErrNotFound:
			// Row without blob: the invariant is broken; surface loudly.
			logrus.WithFields(logrus.Fields{
				"bucket": bucket, "key": key, "version_id": version.VersionID,
			}).Error("Object version row references a missing blob")
			return version, nil, s3err.ErrInternal
		default:
			return version, nil, err
		}
	}
	return version, body, nil
}

// DeleteResult reports what a delete produced.
type DeleteResult struct {
	VersionID      string
	IsDeleteMarker bool
}

// DeleteObject deletes a key or one of its versions. Without a version id,
// versioned buckets gain a delete marker as the new latest; non-versioned
// buckets hard-delete the "null" version. Deleting an absent key succeeds.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	if versionID != "" {
		return e.hardDeleteVersion(ctx, bucket, key, versionID)
	}

	status, err := e.VersioningStatus(ctx, bucket)
	if err != nil {
		return nil, err
	}

	if status == metadata.VersioningUnset {
		return e.hardDeleteVersion(ctx, bucket, key, metadata.NullVersionID)
	}

	// Versioned (Enabled or Suspended): install a delete marker. Suspended
	// buckets reuse the "null" id, replacing any prior "null" version.
	markerID := metadata.NullVersionID
	replaceNull := true
	if status == metadata.VersioningEnabled {
		markerID = newVersionID()
		replaceNull = false
	}

	marker := &metadata.ObjectVersion{
		Bucket:         bucket,
		Key:            key,
		VersionID:      markerID,
		LastModified:   time.Now().UTC(),
		IsDeleteMarker: true,
	}
	replaced, err := e.meta.CommitObjectVersion(ctx, marker, replaceNull)
	if err != nil {
		return nil, err
	}
	if replaced != nil && !replaced.IsDeleteMarker && replaced.BlobPath != "" {
		if err := e.blobs.Delete(ctx, replaced.BlobPath); err != nil {
			logrus.WithError(err).WithField("blob", replaced.BlobPath).Warn("Failed to delete replaced blob")
		}
	}
	return &DeleteResult{VersionID: markerID, IsDeleteMarker: true}, nil
}

// hardDeleteVersion removes one version row and its blob. Deleting an
// already-deleted version is a no-op, which keeps the janitor re-entrant.
func (e *Engine) hardDeleteVersion(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	deleted, err := e.meta.DeleteObjectVersion(ctx, bucket, key, versionID)
	if err == metadata.ErrObjectNotFound {
		return &DeleteResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !deleted.IsDeleteMarker && deleted.BlobPath != "" {
		if err := e.blobs.Delete(ctx, deleted.BlobPath); err != nil {
			logrus.WithError(err).WithField("blob", deleted.BlobPath).Warn("Failed to delete blob")
		}
	}
	return &DeleteResult{VersionID: deleted.VersionID, IsDeleteMarker: deleted.IsDeleteMarker}, nil
}

// ObjectIdentifier names one key (and optionally one version) in a bulk
// delete.
type ObjectIdentifier struct {
	Key       string
	VersionID string
}

// DeletedObject is one per-key outcome of a bulk delete.
type DeletedObject struct {
	Key            string
	VersionID      string
	IsDeleteMarker bool
	ErrorCode      string
	ErrorMessage   string
}

// DeleteObjects applies DeleteObject per key, reporting per-key failures
// without aborting the batch.
func (e *Engine) DeleteObjects(ctx context.Context, bucket string, objects []ObjectIdentifier) ([]DeletedObject, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	results := make([]DeletedObject, 0, len(objects))
	for _, obj := range objects {
		deleted := DeletedObject{Key: obj.Key, VersionID: obj.VersionID}
		result, err := e.DeleteObject(ctx, bucket, obj.Key, obj.VersionID)
		if err != nil {
			apiErr := s3err.From(err)
			deleted.ErrorCode = apiErr.Code
			deleted.ErrorMessage = apiErr.Message
		} else {
			deleted.VersionID = result.VersionID
			deleted.IsDeleteMarker = result.IsDeleteMarker
		}
		results = append(results, deleted)
	}
	return results, nil
}

// CopyObjectInput describes a server-side copy.
type CopyObjectInput struct {
	SourceBucket    string
	SourceKey       string
	SourceVersionID string
	DestBucket      string
	DestKey         string
	Owner           string
	// ReplaceMetadata applies the metadata/content-type below instead of
	// copying the source's (x-amz-metadata-directive: REPLACE).
	ReplaceMetadata bool
	UserMetadata    map[string]string
	ContentType     string
}

// CopyObject streams the source version into a new version at the
// destination.
func (e *Engine) CopyObject(ctx context.Context, input CopyObjectInput) (*metadata.ObjectVersion, error) {
	source, body, err := e.GetObject(ctx, input.SourceBucket, input.SourceKey, input.SourceVersionID, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	contentType := source.ContentType
	userMetadata := source.UserMetadata
	if input.ReplaceMetadata {
		contentType = input.ContentType
		userMetadata = input.UserMetadata
	}

	return e.PutObject(ctx, PutObjectInput{
		Bucket:       input.DestBucket,
		Key:          input.DestKey,
		Body:         body,
		ContentType:  contentType,
		UserMetadata: userMetadata,
		Owner:        input.Owner,
	})
}

// ListVersionsByKey exposes the per-key version scan for the janitor.
func (e *Engine) ListVersionsByKey(ctx context.Context, bucket, key string) ([]*metadata.ObjectVersion, error) {
	return e.meta.ListVersionsByKey(ctx, bucket, key)
}

// decodeHexETag strips surrounding quotes and decodes a hex etag.
func decodeHexETag(etag string) ([]byte, error) {
	trimmed := strings.Trim(etag, `"`)
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("etag %q is not hex: %w", etag, err)
	}
	return raw, nil
}
