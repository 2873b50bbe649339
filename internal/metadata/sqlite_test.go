package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &User{
		Username:  "alice",
		AccessKey: "AKIAALICE",
		SecretKey: "secret",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUserByAccessKey(ctx, "AKIAALICE")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "secret", got.SecretKey)

	_, err = store.GetUserByAccessKey(ctx, "AKIAUNKNOWN")
	assert.ErrorIs(t, err, ErrUserNotFound)

	err = store.CreateUser(ctx, user)
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestSeedAdminUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedAdminUser(ctx, "admin", "password"))

	got, err := store.GetUserByAccessKey(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "password", got.SecretKey)

	// Seeding again must not fail or overwrite.
	require.NoError(t, store.SeedAdminUser(ctx, "admin", "different"))
	got, err = store.GetUserByAccessKey(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "password", got.SecretKey)
}

func TestBucketLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bucket := &Bucket{Name: "photos", Owner: "admin", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateBucket(ctx, bucket))

	err := store.CreateBucket(ctx, bucket)
	assert.ErrorIs(t, err, ErrBucketExists)

	got, err := store.GetBucket(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Owner)

	buckets, err := store.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 1)

	require.NoError(t, store.DeleteBucket(ctx, "photos"))
	_, err = store.GetBucket(ctx, "photos")
	assert.ErrorIs(t, err, ErrBucketNotFound)

	err = store.DeleteBucket(ctx, "photos")
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestBucketConfigs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateBucket(ctx, &Bucket{Name: "b", Owner: "o", CreatedAt: time.Now()}))

	_, err := store.GetBucketConfig(ctx, "b", ConfigPolicy)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	require.NoError(t, store.PutBucketConfig(ctx, "b", ConfigPolicy, []byte(`{"Version":"2012-10-17"}`)))
	got, err := store.GetBucketConfig(ctx, "b", ConfigPolicy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Version":"2012-10-17"}`, string(got))

	// Upsert replaces.
	require.NoError(t, store.PutBucketConfig(ctx, "b", ConfigPolicy, []byte(`{"Version":"other"}`)))
	got, err = store.GetBucketConfig(ctx, "b", ConfigPolicy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Version":"other"}`, string(got))

	require.NoError(t, store.DeleteBucketConfig(ctx, "b", ConfigPolicy))
	_, err = store.GetBucketConfig(ctx, "b", ConfigPolicy)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	// Idempotent delete.
	assert.NoError(t, store.DeleteBucketConfig(ctx, "b", ConfigPolicy))
}

func TestDeleteBucketCascadesConfigs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateBucket(ctx, &Bucket{Name: "b", Owner: "o", CreatedAt: time.Now()}))
	require.NoError(t, store.PutBucketConfig(ctx, "b", ConfigTagging, []byte(`[]`)))
	require.NoError(t, store.DeleteBucket(ctx, "b"))

	require.NoError(t, store.CreateBucket(ctx, &Bucket{Name: "b", Owner: "o", CreatedAt: time.Now()}))
	_, err := store.GetBucketConfig(ctx, "b", ConfigTagging)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestCountObjectVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateBucket(ctx, &Bucket{Name: "b", Owner: "o", CreatedAt: time.Now()}))

	count, err := store.CountObjectVersions(ctx, "b")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = store.CommitObjectVersion(ctx, &ObjectVersion{
		Bucket: "b", Key: "k", VersionID: NullVersionID, LastModified: time.Now(),
	}, true)
	require.NoError(t, err)

	count, err = store.CountObjectVersions(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
