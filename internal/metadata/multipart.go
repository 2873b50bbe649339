package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateUpload inserts a new multipart upload row.
func (s *SQLiteStore) CreateUpload(ctx context.Context, upload *MultipartUpload) error {
	userMetadata, err := marshalUserMetadata(upload.UserMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO multipart_uploads (upload_id, bucket, key, owner, content_type, user_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, upload.UploadID, upload.Bucket, upload.Key, upload.Owner, upload.ContentType, userMetadata, upload.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return nil
}

// GetUpload returns one multipart upload row.
func (s *SQLiteStore) GetUpload(ctx context.Context, uploadID string) (*MultipartUpload, error) {
	var upload MultipartUpload
	var createdAt int64
	var userMetadata string
	err := s.db.QueryRowContext(ctx, `
		SELECT upload_id, bucket, key, owner, content_type, user_metadata, created_at
		FROM multipart_uploads WHERE upload_id = ?
	`, uploadID).Scan(&upload.UploadID, &upload.Bucket, &upload.Key, &upload.Owner,
		&upload.ContentType, &userMetadata, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get multipart upload: %w", err)
	}
	upload.CreatedAt = time.Unix(createdAt, 0).UTC()
	if userMetadata != "" && userMetadata != "{}" {
		if err := json.Unmarshal([]byte(userMetadata), &upload.UserMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode upload metadata: %w", err)
		}
	}
	return &upload, nil
}

// ListUploads returns in-progress uploads in a bucket ordered by (key, upload id).
func (s *SQLiteStore) ListUploads(ctx context.Context, bucket string) ([]*MultipartUpload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upload_id, bucket, key, owner, content_type, user_metadata, created_at
		FROM multipart_uploads WHERE bucket = ? ORDER BY key, upload_id
	`, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to list multipart uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*MultipartUpload
	for rows.Next() {
		var upload MultipartUpload
		var createdAt int64
		var userMetadata string
		if err := rows.Scan(&upload.UploadID, &upload.Bucket, &upload.Key, &upload.Owner,
			&upload.ContentType, &userMetadata, &createdAt); err != nil {
			return nil, err
		}
		upload.CreatedAt = time.Unix(createdAt, 0).UTC()
		if userMetadata != "" && userMetadata != "{}" {
			if err := json.Unmarshal([]byte(userMetadata), &upload.UserMetadata); err != nil {
				return nil, fmt.Errorf("failed to decode upload metadata: %w", err)
			}
		}
		uploads = append(uploads, &upload)
	}
	return uploads, rows.Err()
}

// DeleteUpload removes the upload row and its parts, returning the staged
// parts so the caller can release their scratch blobs.
func (s *SQLiteStore) DeleteUpload(ctx context.Context, uploadID string) ([]*Part, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	parts, err := queryParts(tx.Query, uploadID)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(`DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete multipart upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrUploadNotFound
	}

	// Parts cascade via foreign key, but not every connection has the
	// pragma applied; delete explicitly.
	if _, err := tx.Exec(`DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return parts, nil
}

// PutPart upserts a staged part, returning the part it replaced so the
// caller can release the superseded scratch blob.
func (s *SQLiteStore) PutPart(ctx context.Context, part *Part) (*Part, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM multipart_uploads WHERE upload_id = ?`, part.UploadID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrUploadNotFound
	}

	var replaced *Part
	row := tx.QueryRow(`
		SELECT upload_id, part_number, etag, size, blob_path, last_modified
		FROM multipart_parts WHERE upload_id = ? AND part_number = ?
	`, part.UploadID, part.PartNumber)
	prior, err := scanPart(row.Scan)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if prior != nil {
		replaced = prior
	}

	_, err = tx.Exec(`
		INSERT INTO multipart_parts (upload_id, part_number, etag, size, blob_path, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET
			etag = excluded.etag, size = excluded.size,
			blob_path = excluded.blob_path, last_modified = excluded.last_modified
	`, part.UploadID, part.PartNumber, part.ETag, part.Size, part.BlobPath, part.LastModified.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to put part: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return replaced, nil
}

// ListParts returns the staged parts of an upload in ascending part order.
func (s *SQLiteStore) ListParts(ctx context.Context, uploadID string) ([]*Part, error) {
	return queryParts(func(query string, args ...interface{}) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, query, args...)
	}, uploadID)
}

func queryParts(query func(string, ...interface{}) (*sql.Rows, error), uploadID string) ([]*Part, error) {
	rows, err := query(`
		SELECT upload_id, part_number, etag, size, blob_path, last_modified
		FROM multipart_parts WHERE upload_id = ? ORDER BY part_number
	`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}
	defer rows.Close()

	var parts []*Part
	for rows.Next() {
		part, err := scanPart(rows.Scan)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

func scanPart(scan func(dest ...interface{}) error) (*Part, error) {
	var part Part
	var lastModified int64
	if err := scan(&part.UploadID, &part.PartNumber, &part.ETag, &part.Size, &part.BlobPath, &lastModified); err != nil {
		return nil, err
	}
	part.LastModified = time.Unix(lastModified, 0).UTC()
	return &part, nil
}
