package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrusfs/internal/blob"
	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadata.NewSQLiteStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	blobs, err := blob.NewStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	return New(meta, blobs)
}

func putObject(t *testing.T, e *Engine, bucket, key, content string) *metadata.ObjectVersion {
	t.Helper()
	version, err := e.PutObject(context.Background(), PutObjectInput{
		Bucket: bucket,
		Key:    key,
		Body:   strings.NewReader(content),
		Owner:  "admin",
	})
	require.NoError(t, err)
	return version
}

func readBody(t *testing.T, body io.ReadCloser) string {
	t.Helper()
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(data)
}

func TestCreateBucket(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	bucket, err := e.CreateBucket(ctx, "photos", "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", bucket.Owner)

	_, err = e.CreateBucket(ctx, "photos", "admin")
	assert.ErrorIs(t, err, s3err.ErrBucketExists)

	_, err = e.GetBucket(ctx, "missing")
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)

	// A fresh bucket carries a private ACL owned by its creator.
	acl, err := e.GetBucketACL(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, "admin", acl.Owner.ID)
}

func TestBucketNameValidation(t *testing.T) {
	valid := []string{"abc", "my-bucket", "my.bucket.7", "a1b"}
	for _, name := range valid {
		assert.NoError(t, ValidateBucketName(name), name)
	}
	invalid := []string{
		"ab",
		strings.Repeat("a", 64),
		"My-Bucket",
		"bucket_name",
		"-bucket",
		"bucket-",
		"bu..cket",
		"192.168.1.1",
	}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateBucketName(name), s3err.ErrInvalidBucketName, name)
	}
}

func TestListBucketsByOwner(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "alice-data", "alice")
	require.NoError(t, err)
	_, err = e.CreateBucket(ctx, "bob-data", "bob")
	require.NoError(t, err)

	mine, err := e.ListBuckets(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "alice-data", mine[0].Name)

	all, err := e.ListBuckets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteBucketNotEmpty(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	putObject(t, e, "b", "k", "data")

	assert.ErrorIs(t, e.DeleteBucket(ctx, "b"), s3err.ErrBucketNotEmpty)

	_, err = e.DeleteObject(ctx, "b", "k", "")
	require.NoError(t, err)
	require.NoError(t, e.DeleteBucket(ctx, "b"))

	assert.ErrorIs(t, e.DeleteBucket(ctx, "b"), s3err.ErrNoSuchBucket)
}

func TestPutGetRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)

	content := "hello, object store"
	digest := sha256.Sum256([]byte(content))

	version, err := e.PutObject(ctx, PutObjectInput{
		Bucket:        "b",
		Key:           "greetings/hello.txt",
		Body:          strings.NewReader(content),
		ContentType:   "text/plain",
		UserMetadata:  map[string]string{"author": "alice"},
		Owner:         "admin",
		ContentSHA256: hex.EncodeToString(digest[:]),
	})
	require.NoError(t, err)
	assert.Equal(t, metadata.NullVersionID, version.VersionID)
	assert.Equal(t, hex.EncodeToString(digest[:]), version.ETag)
	assert.Equal(t, int64(len(content)), version.Size)

	got, body, err := e.GetObject(ctx, "b", "greetings/hello.txt", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Equal(t, "alice", got.UserMetadata["author"])
	assert.Equal(t, content, readBody(t, body))

	_, _, err = e.GetObject(ctx, "b", "missing", "", nil)
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
}

func TestPutChecksumMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)

	_, err = e.PutObject(ctx, PutObjectInput{
		Bucket:        "b",
		Key:           "k",
		Body:          strings.NewReader("actual content"),
		ContentSHA256: strings.Repeat("0", 64),
	})
	assert.ErrorIs(t, err, s3err.ErrContentSHAMismatch)

	_, err = e.StatObject(ctx, "b", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
}

func TestGetObjectRange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	putObject(t, e, "b", "k", "0123456789")

	_, body, err := e.GetObject(ctx, "b", "k", "", &blob.Range{Start: 2, End: 5})
	require.NoError(t, err)
	assert.Equal(t, "2345", readBody(t, body))

	_, _, err = e.GetObject(ctx, "b", "k", "", &blob.Range{Start: 10, End: 20})
	assert.ErrorIs(t, err, s3err.ErrInvalidRange)
}

func TestUnversionedPutReplacesNull(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)

	putObject(t, e, "b", "k", "first")
	putObject(t, e, "b", "k", "second")

	versions, err := e.ListVersionsByKey(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, metadata.NullVersionID, versions[0].VersionID)

	_, body, err := e.GetObject(ctx, "b", "k", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", readBody(t, body))
}

func TestVersioningEnabledCreatesNewVersions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	require.NoError(t, e.SetVersioningStatus(ctx, "b", metadata.VersioningEnabled))

	v1 := putObject(t, e, "b", "k", "first")
	v2 := putObject(t, e, "b", "k", "second")
	require.NotEqual(t, v1.VersionID, v2.VersionID)
	assert.NotEqual(t, metadata.NullVersionID, v1.VersionID)

	versions, err := e.ListVersionsByKey(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	// Explicit version reads reach past the latest.
	_, body, err := e.GetObject(ctx, "b", "k", v1.VersionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", readBody(t, body))

	latest, err := e.StatObject(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, latest.VersionID)
}

func TestPreVersioningObjectKeepsNullID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)

	putObject(t, e, "b", "k", "before versioning")
	require.NoError(t, e.SetVersioningStatus(ctx, "b", metadata.VersioningEnabled))
	putObject(t, e, "b", "k", "after versioning")

	versions, err := e.ListVersionsByKey(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	_, body, err := e.GetObject(ctx, "b", "k", metadata.NullVersionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "before versioning", readBody(t, body))
}

func TestDeleteObjectUnversioned(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	putObject(t, e, "b", "k", "data")

	result, err := e.DeleteObject(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.False(t, result.IsDeleteMarker)

	_, err = e.StatObject(ctx, "b", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)

	// Deleting an absent key still succeeds.
	_, err = e.DeleteObject(ctx, "b", "k", "")
	assert.NoError(t, err)
}

func TestDeleteObjectVersionedCreatesMarker(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	require.NoError(t, e.SetVersioningStatus(ctx, "b", metadata.VersioningEnabled))
	v1 := putObject(t, e, "b", "k", "data")

	result, err := e.DeleteObject(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.True(t, result.IsDeleteMarker)
	assert.NotEqual(t, metadata.NullVersionID, result.VersionID)

	// The key reads as gone, but the data version survives.
	_, err = e.StatObject(ctx, "b", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
	_, body, err := e.GetObject(ctx, "b", "k", v1.VersionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "data", readBody(t, body))

	// Removing the marker restores the key.
	_, err = e.DeleteObject(ctx, "b", "k", result.VersionID)
	require.NoError(t, err)
	latest, err := e.StatObject(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, latest.VersionID)
}

func TestStatDeleteMarkerByVersionID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	require.NoError(t, e.SetVersioningStatus(ctx, "b", metadata.VersioningEnabled))
	putObject(t, e, "b", "k", "data")

	result, err := e.DeleteObject(ctx, "b", "k", "")
	require.NoError(t, err)
	require.True(t, result.IsDeleteMarker)

	// Implicit read of a marker-topped key is a missing key; naming the
	// marker version is a method mismatch. Both surface the marker.
	version, err := e.StatObject(ctx, "b", "k", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
	require.NotNil(t, version)
	assert.True(t, version.IsDeleteMarker)

	version, err = e.StatObject(ctx, "b", "k", result.VersionID)
	assert.ErrorIs(t, err, s3err.ErrMethodNotAllowed)
	require.NotNil(t, version)
	assert.True(t, version.IsDeleteMarker)
}

func TestPutGetKeyWithAdjacentDots(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	putObject(t, e, "b", "a..b.txt", "dotted")

	_, body, err := e.GetObject(ctx, "b", "a..b.txt", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "dotted", readBody(t, body))
}

func TestDeleteObjectSuspendedReplacesNull(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	require.NoError(t, e.SetVersioningStatus(ctx, "b", metadata.VersioningEnabled))
	v1 := putObject(t, e, "b", "k", "versioned")

	require.NoError(t, e.SetVersioningStatus(ctx, "b", metadata.VersioningSuspended))
	putObject(t, e, "b", "k", "suspended write")

	result, err := e.DeleteObject(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.True(t, result.IsDeleteMarker)
	assert.Equal(t, metadata.NullVersionID, result.VersionID)

	// The null marker replaced the suspended write; only it and the
	// versioned write remain.
	versions, err := e.ListVersionsByKey(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	_, body, err := e.GetObject(ctx, "b", "k", v1.VersionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "versioned", readBody(t, body))
}

func TestDeleteObjects(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "b", "admin")
	require.NoError(t, err)
	putObject(t, e, "b", "one", "1")
	putObject(t, e, "b", "two", "2")

	results, err := e.DeleteObjects(ctx, "b", []ObjectIdentifier{
		{Key: "one"},
		{Key: "two"},
		{Key: "never-existed"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, result := range results {
		assert.Empty(t, result.ErrorCode, result.Key)
	}

	_, err = e.StatObject(ctx, "b", "one", "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
}

func TestCopyObject(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateBucket(ctx, "src", "admin")
	require.NoError(t, err)
	_, err = e.CreateBucket(ctx, "dst", "admin")
	require.NoError(t, err)

	_, err = e.PutObject(ctx, PutObjectInput{
		Bucket:       "src",
		Key:          "k",
		Body:         strings.NewReader("payload"),
		ContentType:  "application/json",
		UserMetadata: map[string]string{"origin": "src"},
		Owner:        "admin",
	})
	require.NoError(t, err)

	copied, err := e.CopyObject(ctx, CopyObjectInput{
		SourceBucket: "src", SourceKey: "k",
		DestBucket: "dst", DestKey: "k-copy",
		Owner: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", copied.ContentType)
	assert.Equal(t, "src", copied.UserMetadata["origin"])

	_, body, err := e.GetObject(ctx, "dst", "k-copy", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", readBody(t, body))

	replaced, err := e.CopyObject(ctx, CopyObjectInput{
		SourceBucket: "src", SourceKey: "k",
		DestBucket: "dst", DestKey: "k-replaced",
		Owner:           "admin",
		ReplaceMetadata: true,
		ContentType:     "text/plain",
		UserMetadata:    map[string]string{"origin": "copy"},
	})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", replaced.ContentType)
	assert.Equal(t, "copy", replaced.UserMetadata["origin"])
}
