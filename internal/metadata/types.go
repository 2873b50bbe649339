package metadata

import (
	"time"
)

// User is an API credential pair. Secret keys are stored in the clear
// because SigV4 verification re-derives the HMAC chain from them.
type User struct {
	Username  string    `json:"username"`
	AccessKey string    `json:"access_key"`
	SecretKey string    `json:"secret_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Bucket is the top-level container row.
type Bucket struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// NullVersionID is the version id used for objects in non-versioned buckets.
const NullVersionID = "null"

// ObjectVersion is one immutable revision of an object. For non-versioned
// buckets VersionID is the sentinel "null" and writes replace in place.
type ObjectVersion struct {
	Bucket         string            `json:"bucket"`
	Key            string            `json:"key"`
	VersionID      string            `json:"version_id"`
	Size           int64             `json:"size"`
	ETag           string            `json:"etag"`
	LastModified   time.Time         `json:"last_modified"`
	ContentType    string            `json:"content_type"`
	UserMetadata   map[string]string `json:"user_metadata,omitempty"`
	Owner          string            `json:"owner"`
	IsLatest       bool              `json:"is_latest"`
	IsDeleteMarker bool              `json:"is_delete_marker"`
	BlobPath       string            `json:"blob_path"`
}

// MultipartUpload is an in-progress staged composition of an object.
type MultipartUpload struct {
	UploadID     string            `json:"upload_id"`
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	Owner        string            `json:"owner"`
	CreatedAt    time.Time         `json:"created_at"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
}

// Part is one staged part of a multipart upload.
type Part struct {
	UploadID     string    `json:"upload_id"`
	PartNumber   int       `json:"part_number"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	BlobPath     string    `json:"blob_path"`
	LastModified time.Time `json:"last_modified"`
}

// Bucket-scoped configuration kinds. Each is an independent value keyed by
// (bucket, kind); the store treats the value as opaque JSON.
const (
	ConfigPolicy       = "policy"
	ConfigACL          = "acl"
	ConfigTagging      = "tagging"
	ConfigLifecycle    = "lifecycle"
	ConfigVersioning   = "versioning"
	ConfigNotification = "notification"
	ConfigVPC          = "vpc"
	ConfigReplication  = "replication"
	ConfigObjectLock   = "object-lock"
)

// Versioning states for a bucket.
const (
	VersioningUnset     = ""
	VersioningEnabled   = "Enabled"
	VersioningSuspended = "Suspended"
)
