package metadata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitVersion(t *testing.T, store *SQLiteStore, bucket, key, versionID string, replaceNull bool) *ObjectVersion {
	t.Helper()
	v := &ObjectVersion{
		Bucket:       bucket,
		Key:          key,
		VersionID:    versionID,
		Size:         3,
		ETag:         "etag-" + versionID,
		LastModified: time.Now().UTC(),
		BlobPath:     bucket + "/" + key + "@" + versionID,
	}
	_, err := store.CommitObjectVersion(context.Background(), v, replaceNull)
	require.NoError(t, err)
	return v
}

func TestCommitReplacesNullVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	commitVersion(t, store, "b", "k", NullVersionID, true)

	v := &ObjectVersion{
		Bucket: "b", Key: "k", VersionID: NullVersionID,
		Size: 9, ETag: "new", LastModified: time.Now(), BlobPath: "b/k@null",
	}
	replaced, err := store.CommitObjectVersion(ctx, v, true)
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, "etag-null", replaced.ETag)

	// Only one row remains and it is the new one.
	versions, err := store.ListVersionsByKey(ctx, "b", "k")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "new", versions[0].ETag)
	assert.True(t, versions[0].IsLatest)
}

func TestCommitDemotesPriorLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	commitVersion(t, store, "b", "k", "v1", false)
	commitVersion(t, store, "b", "k", "v2", false)

	latest, err := store.GetLatestObjectVersion(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.VersionID)

	v1, err := store.GetObjectVersion(ctx, "b", "k", "v1")
	require.NoError(t, err)
	assert.False(t, v1.IsLatest)
}

func TestDeleteVersionPromotesSurvivor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	commitVersion(t, store, "b", "k", "v1", false)
	commitVersion(t, store, "b", "k", "v2", false)

	deleted, err := store.DeleteObjectVersion(ctx, "b", "k", "v2")
	require.NoError(t, err)
	assert.True(t, deleted.IsLatest)

	latest, err := store.GetLatestObjectVersion(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", latest.VersionID)
	assert.True(t, latest.IsLatest)
}

func TestDeleteNonLatestVersionKeepsLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	commitVersion(t, store, "b", "k", "v1", false)
	commitVersion(t, store, "b", "k", "v2", false)

	_, err := store.DeleteObjectVersion(ctx, "b", "k", "v1")
	require.NoError(t, err)

	latest, err := store.GetLatestObjectVersion(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.VersionID)
}

func TestDeleteMissingVersion(t *testing.T) {
	store := newTestStore(t)
	_, err := store.DeleteObjectVersion(context.Background(), "b", "k", "nope")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDeleteMarkerIsLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	commitVersion(t, store, "b", "k", "v1", false)
	marker := &ObjectVersion{
		Bucket: "b", Key: "k", VersionID: "v2",
		LastModified: time.Now(), IsDeleteMarker: true,
	}
	_, err := store.CommitObjectVersion(ctx, marker, false)
	require.NoError(t, err)

	latest, err := store.GetLatestObjectVersion(ctx, "b", "k")
	require.NoError(t, err)
	assert.True(t, latest.IsDeleteMarker)

	// Current-object listings must not see the key.
	current, err := store.ListCurrentObjects(ctx, "b", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestListCurrentObjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a.txt", "dir/one", "dir/two", "z.txt"} {
		commitVersion(t, store, "b", key, NullVersionID, true)
	}

	all, err := store.ListCurrentObjects(ctx, "b", ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a.txt", all[0].Key)
	assert.Equal(t, "z.txt", all[3].Key)

	prefixed, err := store.ListCurrentObjects(ctx, "b", ListOptions{Prefix: "dir/"})
	require.NoError(t, err)
	require.Len(t, prefixed, 2)

	after, err := store.ListCurrentObjects(ctx, "b", ListOptions{After: "dir/one"})
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "dir/two", after[0].Key)

	inclusive, err := store.ListCurrentObjects(ctx, "b", ListOptions{After: "dir/one", Inclusive: true})
	require.NoError(t, err)
	require.Len(t, inclusive, 3)
	assert.Equal(t, "dir/one", inclusive[0].Key)

	limited, err := store.ListCurrentObjects(ctx, "b", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListObjectVersionsOrderAndMarkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	commitVersion(t, store, "b", "a", "v1", false)
	commitVersion(t, store, "b", "a", "v2", false)
	commitVersion(t, store, "b", "c", "v3", false)

	all, err := store.ListObjectVersions(ctx, "b", VersionListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Key asc, newest version first within a key.
	assert.Equal(t, "a", all[0].Key)
	assert.Equal(t, "v2", all[0].VersionID)
	assert.Equal(t, "v1", all[1].VersionID)
	assert.Equal(t, "c", all[2].Key)

	// Resume mid-key.
	resumed, err := store.ListObjectVersions(ctx, "b", VersionListOptions{
		KeyMarker: "a", VersionIDMarker: "v2",
	})
	require.NoError(t, err)
	require.Len(t, resumed, 2)
	assert.Equal(t, "v1", resumed[0].VersionID)

	// Resume past a whole key.
	past, err := store.ListObjectVersions(ctx, "b", VersionListOptions{KeyMarker: "a"})
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "c", past[0].Key)
}

func TestUserMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v := &ObjectVersion{
		Bucket: "b", Key: "k", VersionID: NullVersionID,
		LastModified: time.Now(),
		UserMetadata: map[string]string{"author": "alice", "rev": "7"},
	}
	_, err := store.CommitObjectVersion(ctx, v, true)
	require.NoError(t, err)

	got, err := store.GetLatestObjectVersion(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserMetadata["author"])
	assert.Equal(t, "7", got.UserMetadata["rev"])
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, "dir0", prefixUpperBound("dir/"))
	assert.Equal(t, "b", prefixUpperBound("a"))
	assert.Equal(t, "", prefixUpperBound("\xff\xff"))
	assert.Equal(t, "a\xff", prefixUpperBound("a\xfe\xff"))
}

func TestObjectTagsAndACL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetObjectTags(ctx, "b", "k")
	assert.ErrorIs(t, err, ErrTagSetNotFound)

	require.NoError(t, store.PutObjectTags(ctx, "b", "k", []byte(`[{"key":"env","value":"prod"}]`)))
	tags, err := store.GetObjectTags(ctx, "b", "k")
	require.NoError(t, err)
	assert.Contains(t, string(tags), "env")

	require.NoError(t, store.DeleteObjectTags(ctx, "b", "k"))
	_, err = store.GetObjectTags(ctx, "b", "k")
	assert.ErrorIs(t, err, ErrTagSetNotFound)

	_, err = store.GetObjectACL(ctx, "b", "k")
	assert.ErrorIs(t, err, ErrConfigNotFound)
	require.NoError(t, store.PutObjectACL(ctx, "b", "k", []byte(`{"owner":{"id":"o"}}`)))
	acl, err := store.GetObjectACL(ctx, "b", "k")
	require.NoError(t, err)
	assert.Contains(t, string(acl), "owner")
}

func TestManyVersionsPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		commitVersion(t, store, "b", fmt.Sprintf("key-%03d", i), NullVersionID, true)
	}

	var seen []string
	after := ""
	for {
		page, err := store.ListCurrentObjects(ctx, "b", ListOptions{After: after, Limit: 10})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, v := range page {
			seen = append(seen, v.Key)
		}
		after = page[len(page)-1].Key
	}
	require.Len(t, seen, 25)
	assert.Equal(t, "key-000", seen[0])
	assert.Equal(t, "key-024", seen[24])
}
