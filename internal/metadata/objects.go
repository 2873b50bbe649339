package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const objectColumns = `bucket, key, version_id, size, etag, last_modified, content_type, user_metadata, owner, is_latest, is_delete_marker, blob_path`

func scanObjectVersion(scan func(dest ...interface{}) error) (*ObjectVersion, error) {
	var v ObjectVersion
	var lastModified int64
	var userMetadata string
	var isLatest, isDeleteMarker int
	err := scan(&v.Bucket, &v.Key, &v.VersionID, &v.Size, &v.ETag, &lastModified,
		&v.ContentType, &userMetadata, &v.Owner, &isLatest, &isDeleteMarker, &v.BlobPath)
	if err != nil {
		return nil, err
	}
	v.LastModified = time.Unix(lastModified, 0).UTC()
	v.IsLatest = isLatest != 0
	v.IsDeleteMarker = isDeleteMarker != 0
	if userMetadata != "" && userMetadata != "{}" {
		if err := json.Unmarshal([]byte(userMetadata), &v.UserMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}
	return &v, nil
}

func marshalUserMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode user metadata: %w", err)
	}
	return string(raw), nil
}

// CommitObjectVersion installs v as the new latest version of (bucket, key)
// in one transaction. With replaceNull the prior "null" row is removed and
// returned for blob cleanup; otherwise the prior latest is demoted.
func (s *SQLiteStore) CommitObjectVersion(ctx context.Context, v *ObjectVersion, replaceNull bool) (*ObjectVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var replaced *ObjectVersion
	if replaceNull {
		row := tx.QueryRow(`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`,
			v.Bucket, v.Key, v.VersionID)
		prior, err := scanObjectVersion(row.Scan)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if prior != nil {
			if _, err := tx.Exec(`DELETE FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`,
				v.Bucket, v.Key, v.VersionID); err != nil {
				return nil, err
			}
			replaced = prior
		}
	}

	if _, err := tx.Exec(`UPDATE objects SET is_latest = 0 WHERE bucket = ? AND key = ? AND is_latest = 1`,
		v.Bucket, v.Key); err != nil {
		return nil, err
	}

	seq, err := nextSeq(tx)
	if err != nil {
		return nil, err
	}

	userMetadata, err := marshalUserMetadata(v.UserMetadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO objects (bucket, key, version_id, seq, size, etag, last_modified, content_type, user_metadata, owner, is_latest, is_delete_marker, blob_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, v.Bucket, v.Key, v.VersionID, seq, v.Size, v.ETag, v.LastModified.Unix(),
		v.ContentType, userMetadata, v.Owner, boolToInt(v.IsDeleteMarker), v.BlobPath)
	if err != nil {
		return nil, fmt.Errorf("failed to insert object version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	v.IsLatest = true
	return replaced, nil
}

// GetObjectVersion returns one specific version row.
func (s *SQLiteStore) GetObjectVersion(ctx context.Context, bucket, key, versionID string) (*ObjectVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`,
		bucket, key, versionID)
	v, err := scanObjectVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object version: %w", err)
	}
	return v, nil
}

// GetLatestObjectVersion returns the is_latest row for a key, which may be a
// delete marker.
func (s *SQLiteStore) GetLatestObjectVersion(ctx context.Context, bucket, key string) (*ObjectVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ? AND is_latest = 1`,
		bucket, key)
	v, err := scanObjectVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest object version: %w", err)
	}
	return v, nil
}

// DeleteObjectVersion removes one version row, promoting the most recent
// surviving version to latest when the removed one held that flag.
func (s *SQLiteStore) DeleteObjectVersion(ctx context.Context, bucket, key, versionID string) (*ObjectVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`,
		bucket, key, versionID)
	v, err := scanObjectVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`,
		bucket, key, versionID); err != nil {
		return nil, err
	}

	if v.IsLatest {
		_, err := tx.Exec(`
			UPDATE objects SET is_latest = 1
			WHERE bucket = ? AND key = ? AND seq = (
				SELECT MAX(seq) FROM objects WHERE bucket = ? AND key = ?
			)
		`, bucket, key, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("failed to promote latest version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

// ListCurrentObjects scans latest, non-delete-marker versions in ascending
// key order.
func (s *SQLiteStore) ListCurrentObjects(ctx context.Context, bucket string, opts ListOptions) ([]*ObjectVersion, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ? AND is_latest = 1 AND is_delete_marker = 0`
	args := []interface{}{bucket}

	if opts.Prefix != "" {
		query += ` AND key >= ?`
		args = append(args, opts.Prefix)
		if bound := prefixUpperBound(opts.Prefix); bound != "" {
			query += ` AND key < ?`
			args = append(args, bound)
		}
	}
	if opts.After != "" {
		if opts.Inclusive {
			query += ` AND key >= ?`
		} else {
			query += ` AND key > ?`
		}
		args = append(args, opts.After)
	}

	query += ` ORDER BY key ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return s.queryObjectVersions(ctx, query, args...)
}

// ListObjectVersions scans all versions, delete markers included, ordered by
// (key asc, write order desc) so the newest version of each key comes first.
func (s *SQLiteStore) ListObjectVersions(ctx context.Context, bucket string, opts VersionListOptions) ([]*ObjectVersion, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
	args := []interface{}{bucket}

	if opts.Prefix != "" {
		query += ` AND key >= ?`
		args = append(args, opts.Prefix)
		if bound := prefixUpperBound(opts.Prefix); bound != "" {
			query += ` AND key < ?`
			args = append(args, bound)
		}
	}
	if opts.KeyMarker != "" {
		if opts.VersionIDMarker != "" {
			// Resume inside the marker key, after the marker version.
			query += ` AND (key > ? OR (key = ? AND seq < (SELECT seq FROM objects WHERE bucket = ? AND key = ? AND version_id = ?)))`
			args = append(args, opts.KeyMarker, opts.KeyMarker, bucket, opts.KeyMarker, opts.VersionIDMarker)
		} else {
			query += ` AND key > ?`
			args = append(args, opts.KeyMarker)
		}
	}

	query += ` ORDER BY key ASC, seq DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return s.queryObjectVersions(ctx, query, args...)
}

// ListVersionsByKey returns every version of one key, newest first.
func (s *SQLiteStore) ListVersionsByKey(ctx context.Context, bucket, key string) ([]*ObjectVersion, error) {
	return s.queryObjectVersions(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ? ORDER BY seq DESC`,
		bucket, key)
}

func (s *SQLiteStore) queryObjectVersions(ctx context.Context, query string, args ...interface{}) ([]*ObjectVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query object versions: %w", err)
	}
	defer rows.Close()

	var versions []*ObjectVersion
	for rows.Next() {
		v, err := scanObjectVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// PutObjectACL upserts the per-object ACL document.
func (s *SQLiteStore) PutObjectACL(ctx context.Context, bucket, key string, acl []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO object_acls (bucket, key, acl) VALUES (?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET acl = excluded.acl
	`, bucket, key, string(acl))
	return err
}

// GetObjectACL returns the per-object ACL document.
func (s *SQLiteStore) GetObjectACL(ctx context.Context, bucket, key string) ([]byte, error) {
	var acl string
	err := s.db.QueryRowContext(ctx, `SELECT acl FROM object_acls WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&acl)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(acl), nil
}

// PutObjectTags upserts the per-object tag set.
func (s *SQLiteStore) PutObjectTags(ctx context.Context, bucket, key string, tags []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO object_tags (bucket, key, tags) VALUES (?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET tags = excluded.tags
	`, bucket, key, string(tags))
	return err
}

// GetObjectTags returns the per-object tag set.
func (s *SQLiteStore) GetObjectTags(ctx context.Context, bucket, key string) ([]byte, error) {
	var tags string
	err := s.db.QueryRowContext(ctx, `SELECT tags FROM object_tags WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&tags)
	if err == sql.ErrNoRows {
		return nil, ErrTagSetNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(tags), nil
}

// DeleteObjectTags removes the per-object tag set. Idempotent.
func (s *SQLiteStore) DeleteObjectTags(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM object_tags WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, bounding prefix scans to an index range. Returns
// "" when no finite bound exists (prefix of all 0xff bytes).
func prefixUpperBound(prefix string) string {
	raw := []byte(prefix)
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] < 0xff {
			raw[i]++
			return string(raw[:i+1])
		}
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
