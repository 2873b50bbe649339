package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrusfs/internal/blob"
	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

func newUploadBucket(t *testing.T, e *Engine) *metadata.MultipartUpload {
	t.Helper()
	_, err := e.CreateBucket(context.Background(), "b", "admin")
	require.NoError(t, err)
	upload, err := e.CreateMultipartUpload(context.Background(), "b", "big.bin", "application/octet-stream", nil, "admin")
	require.NoError(t, err)
	return upload
}

func uploadPart(t *testing.T, e *Engine, upload *metadata.MultipartUpload, number int, content []byte) *metadata.Part {
	t.Helper()
	part, err := e.UploadPart(context.Background(), upload.Bucket, upload.Key, upload.UploadID, number, bytes.NewReader(content), "")
	require.NoError(t, err)
	return part
}

func TestCompleteMultipartUpload(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	upload := newUploadBucket(t, e)

	first := bytes.Repeat([]byte("a"), minPartSize)
	second := []byte("tail")
	p1 := uploadPart(t, e, upload, 1, first)
	p2 := uploadPart(t, e, upload, 2, second)

	version, err := e.CompleteMultipartUpload(ctx, "b", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(first)+len(second)), version.Size)
	assert.Equal(t, "application/octet-stream", version.ContentType)

	// Final etag is the MD5 of the concatenated part etag bytes, dash part
	// count.
	etagHash := md5.New()
	for _, part := range []*metadata.Part{p1, p2} {
		raw, err := hex.DecodeString(part.ETag)
		require.NoError(t, err)
		etagHash.Write(raw)
	}
	assert.Equal(t, fmt.Sprintf("%s-2", hex.EncodeToString(etagHash.Sum(nil))), version.ETag)

	_, body, err := e.GetObject(ctx, "b", "big.bin", "", nil)
	require.NoError(t, err)
	assembled := readBody(t, body)
	assert.Len(t, assembled, len(first)+len(second))
	assert.True(t, strings.HasSuffix(assembled, "tail"))

	// The upload is retired.
	_, _, err = e.ListParts(ctx, "b", "big.bin", upload.UploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestCompleteInvalidPartOrder(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	p1 := uploadPart(t, e, upload, 1, bytes.Repeat([]byte("a"), minPartSize))
	p2 := uploadPart(t, e, upload, 2, []byte("tail"))

	_, err := e.CompleteMultipartUpload(context.Background(), "b", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 2, ETag: p2.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPartOrder)
}

func TestCompleteDuplicatePartNumber(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	p1 := uploadPart(t, e, upload, 1, []byte("data"))

	_, err := e.CompleteMultipartUpload(context.Background(), "b", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)
}

func TestCompleteWrongETag(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	uploadPart(t, e, upload, 1, []byte("data"))

	_, err := e.CompleteMultipartUpload(context.Background(), "b", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: strings.Repeat("0", 64)},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)
}

func TestCompleteUndeclaredPart(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	_, err := e.CompleteMultipartUpload(context.Background(), "b", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 7, ETag: strings.Repeat("0", 64)},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)
}

func TestCompleteEmptyManifest(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	_, err := e.CompleteMultipartUpload(context.Background(), "b", "big.bin", upload.UploadID, nil)
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)
}

func TestCompleteEntityTooSmall(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	p1 := uploadPart(t, e, upload, 1, []byte("too small"))
	p2 := uploadPart(t, e, upload, 2, []byte("tail"))

	_, err := e.CompleteMultipartUpload(context.Background(), "b", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	assert.ErrorIs(t, err, s3err.ErrEntityTooSmall)
}

func TestSinglePartBelowMinimumCompletes(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	p1 := uploadPart(t, e, upload, 1, []byte("tiny"))
	version, err := e.CompleteMultipartUpload(context.Background(), "b", "big.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), version.Size)
	assert.True(t, strings.HasSuffix(version.ETag, "-1"))
}

func TestUploadPartNumberBounds(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)
	ctx := context.Background()

	_, err := e.UploadPart(ctx, "b", "big.bin", upload.UploadID, 0, strings.NewReader("x"), "")
	assert.ErrorIs(t, err, s3err.ErrInvalidArgument)
	_, err = e.UploadPart(ctx, "b", "big.bin", upload.UploadID, maxPartNumber+1, strings.NewReader("x"), "")
	assert.ErrorIs(t, err, s3err.ErrInvalidArgument)
}

func TestUploadPartReplaces(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)
	ctx := context.Background()

	uploadPart(t, e, upload, 1, []byte("first"))
	uploadPart(t, e, upload, 1, []byte("second"))

	_, parts, err := e.ListParts(ctx, "b", "big.bin", upload.UploadID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, int64(6), parts[0].Size)
}

func TestUploadPartUnknownUpload(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateBucket(context.Background(), "b", "admin")
	require.NoError(t, err)

	_, err = e.UploadPart(context.Background(), "b", "k", "ghost", 1, strings.NewReader("x"), "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestUploadPartWrongKey(t *testing.T) {
	e := newTestEngine(t)
	upload := newUploadBucket(t, e)

	_, err := e.UploadPart(context.Background(), "b", "other-key", upload.UploadID, 1, strings.NewReader("x"), "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestUploadPartCopy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	upload := newUploadBucket(t, e)
	putObject(t, e, "b", "source", "0123456789")

	part, err := e.UploadPartCopy(ctx, "b", "big.bin", upload.UploadID, 1, "b", "source", "", &blob.Range{Start: 2, End: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(4), part.Size)

	whole, err := e.UploadPartCopy(ctx, "b", "big.bin", upload.UploadID, 2, "b", "source", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), whole.Size)
}

func TestAbortMultipartUpload(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	upload := newUploadBucket(t, e)
	uploadPart(t, e, upload, 1, []byte("data"))

	require.NoError(t, e.AbortMultipartUpload(ctx, "b", "big.bin", upload.UploadID))

	_, _, err := e.ListParts(ctx, "b", "big.bin", upload.UploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
	_, err = e.UploadPart(ctx, "b", "big.bin", upload.UploadID, 2, strings.NewReader("late"), "")
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)

	assert.ErrorIs(t, e.AbortMultipartUpload(ctx, "b", "big.bin", upload.UploadID), s3err.ErrNoSuchUpload)
}

func TestListMultipartUploads(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	newUploadBucket(t, e)
	_, err := e.CreateMultipartUpload(ctx, "b", "second.bin", "", nil, "admin")
	require.NoError(t, err)

	uploads, err := e.ListMultipartUploads(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, uploads, 2)

	_, err = e.ListMultipartUploads(ctx, "missing")
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
}
