package metadata

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrObjectNotFound = errors.New("object version not found")
	ErrUploadNotFound = errors.New("multipart upload not found")
	ErrConfigNotFound = errors.New("bucket configuration not found")
	ErrTagSetNotFound = errors.New("tag set not found")
)

// ListOptions bounds a current-version listing scan.
type ListOptions struct {
	Prefix string
	// After excludes keys <= After when Inclusive is false (v1 marker),
	// and keys < After when Inclusive is true (v2 continuation token).
	After     string
	Inclusive bool
	Limit     int
}

// VersionListOptions bounds a version listing scan.
type VersionListOptions struct {
	Prefix          string
	KeyMarker       string
	VersionIDMarker string
	Limit           int
}

// Store is the persistent, indexed metadata index. Every method is atomic;
// concurrent writers to the same (bucket, key) are serialized by the
// backing SQL engine.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByAccessKey(ctx context.Context, accessKey string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	// Buckets
	CreateBucket(ctx context.Context, bucket *Bucket) error
	GetBucket(ctx context.Context, name string) (*Bucket, error)
	ListBuckets(ctx context.Context) ([]*Bucket, error)
	// DeleteBucket removes the bucket row and cascades its configs, object
	// ACL/tag rows, uploads and parts. Object version rows must already be
	// gone; the caller checks emptiness first.
	DeleteBucket(ctx context.Context, name string) error
	CountObjectVersions(ctx context.Context, bucket string) (int64, error)
	CountUploads(ctx context.Context, bucket string) (int64, error)

	// Bucket configs (opaque JSON values keyed by (bucket, kind))
	PutBucketConfig(ctx context.Context, bucket, kind string, value []byte) error
	GetBucketConfig(ctx context.Context, bucket, kind string) ([]byte, error)
	DeleteBucketConfig(ctx context.Context, bucket, kind string) error

	// Object versions
	//
	// CommitObjectVersion installs v as the new latest version in one
	// transaction. When replaceNull is true the existing "null" version row
	// (if any) is removed and returned so the caller can delete its blob;
	// otherwise the prior latest row is demoted to is_latest=0.
	CommitObjectVersion(ctx context.Context, v *ObjectVersion, replaceNull bool) (replaced *ObjectVersion, err error)
	GetObjectVersion(ctx context.Context, bucket, key, versionID string) (*ObjectVersion, error)
	GetLatestObjectVersion(ctx context.Context, bucket, key string) (*ObjectVersion, error)
	// DeleteObjectVersion removes one version row and returns it. If the
	// removed row was latest, the most recently written surviving version
	// of the key is promoted to latest in the same transaction.
	DeleteObjectVersion(ctx context.Context, bucket, key, versionID string) (*ObjectVersion, error)
	ListCurrentObjects(ctx context.Context, bucket string, opts ListOptions) ([]*ObjectVersion, error)
	ListObjectVersions(ctx context.Context, bucket string, opts VersionListOptions) ([]*ObjectVersion, error)
	// ListVersionsByKey returns every version of one key, newest first.
	ListVersionsByKey(ctx context.Context, bucket, key string) ([]*ObjectVersion, error)

	// Multipart uploads
	CreateUpload(ctx context.Context, upload *MultipartUpload) error
	GetUpload(ctx context.Context, uploadID string) (*MultipartUpload, error)
	ListUploads(ctx context.Context, bucket string) ([]*MultipartUpload, error)
	// DeleteUpload removes the upload row, cascading its parts, and returns
	// the parts that were staged so the caller can release their blobs.
	DeleteUpload(ctx context.Context, uploadID string) ([]*Part, error)
	PutPart(ctx context.Context, part *Part) (*Part, error) // returns the replaced part, if any
	ListParts(ctx context.Context, uploadID string) ([]*Part, error)

	// Object ACLs and tags
	PutObjectACL(ctx context.Context, bucket, key string, acl []byte) error
	GetObjectACL(ctx context.Context, bucket, key string) ([]byte, error)
	PutObjectTags(ctx context.Context, bucket, key string, tags []byte) error
	GetObjectTags(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteObjectTags(ctx context.Context, bucket, key string) error

	Close() error
}
