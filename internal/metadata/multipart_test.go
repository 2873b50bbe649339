package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createUpload(t *testing.T, store *SQLiteStore, uploadID, bucket, key string) {
	t.Helper()
	require.NoError(t, store.CreateUpload(context.Background(), &MultipartUpload{
		UploadID:  uploadID,
		Bucket:    bucket,
		Key:       key,
		Owner:     "admin",
		CreatedAt: time.Now().UTC(),
	}))
}

func TestUploadLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createUpload(t, store, "u1", "b", "big.bin")

	got, err := store.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "big.bin", got.Key)

	_, err = store.GetUpload(ctx, "missing")
	assert.ErrorIs(t, err, ErrUploadNotFound)

	uploads, err := store.ListUploads(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, uploads, 1)

	_, err = store.DeleteUpload(ctx, "u1")
	require.NoError(t, err)
	_, err = store.DeleteUpload(ctx, "u1")
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestPutPartUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createUpload(t, store, "u1", "b", "k")

	replaced, err := store.PutPart(ctx, &Part{
		UploadID: "u1", PartNumber: 1, ETag: "aaa", Size: 5,
		BlobPath: "b/.mpu/u1/1", LastModified: time.Now(),
	})
	require.NoError(t, err)
	assert.Nil(t, replaced)

	replaced, err = store.PutPart(ctx, &Part{
		UploadID: "u1", PartNumber: 1, ETag: "bbb", Size: 7,
		BlobPath: "b/.mpu/u1/1", LastModified: time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, "aaa", replaced.ETag)

	parts, err := store.ListParts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "bbb", parts[0].ETag)
	assert.Equal(t, int64(7), parts[0].Size)
}

func TestPutPartUnknownUpload(t *testing.T) {
	store := newTestStore(t)
	_, err := store.PutPart(context.Background(), &Part{
		UploadID: "ghost", PartNumber: 1, ETag: "x", LastModified: time.Now(),
	})
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestDeleteUploadReturnsParts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createUpload(t, store, "u1", "b", "k")
	for i := 1; i <= 3; i++ {
		_, err := store.PutPart(ctx, &Part{
			UploadID: "u1", PartNumber: i, ETag: "e", Size: 1,
			BlobPath: "p", LastModified: time.Now(),
		})
		require.NoError(t, err)
	}

	parts, err := store.DeleteUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, parts, 3)

	remaining, err := store.ListParts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestListPartsOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createUpload(t, store, "u1", "b", "k")
	for _, n := range []int{3, 1, 2} {
		_, err := store.PutPart(ctx, &Part{
			UploadID: "u1", PartNumber: n, ETag: "e", Size: 1,
			BlobPath: "p", LastModified: time.Now(),
		})
		require.NoError(t, err)
	}

	parts, err := store.ListParts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, 3, parts[2].PartNumber)
}
