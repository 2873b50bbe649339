package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. SQLite is a
// single-writer engine; mutating operations queue through one writer, which
// gives the per-key serialization the engine relies on.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	access_key TEXT PRIMARY KEY,
	secret_key TEXT NOT NULL,
	username   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_configs (
	bucket TEXT NOT NULL,
	kind   TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (bucket, kind),
	FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS objects (
	bucket           TEXT NOT NULL,
	key              TEXT NOT NULL,
	version_id       TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	size             INTEGER NOT NULL,
	etag             TEXT NOT NULL,
	last_modified    INTEGER NOT NULL,
	content_type     TEXT NOT NULL DEFAULT '',
	user_metadata    TEXT NOT NULL DEFAULT '{}',
	owner            TEXT NOT NULL DEFAULT '',
	is_latest        INTEGER NOT NULL DEFAULT 0,
	is_delete_marker INTEGER NOT NULL DEFAULT 0,
	blob_path        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (bucket, key, version_id)
);
CREATE INDEX IF NOT EXISTS idx_objects_listing ON objects(bucket, is_latest, key);
CREATE INDEX IF NOT EXISTS idx_objects_versions ON objects(bucket, key, seq DESC);

CREATE TABLE IF NOT EXISTS multipart_uploads (
	upload_id     TEXT PRIMARY KEY,
	bucket        TEXT NOT NULL,
	key           TEXT NOT NULL,
	owner         TEXT NOT NULL DEFAULT '',
	content_type  TEXT NOT NULL DEFAULT '',
	user_metadata TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_bucket ON multipart_uploads(bucket, key);

CREATE TABLE IF NOT EXISTS multipart_parts (
	upload_id     TEXT NOT NULL,
	part_number   INTEGER NOT NULL,
	etag          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	blob_path     TEXT NOT NULL,
	last_modified INTEGER NOT NULL,
	PRIMARY KEY (upload_id, part_number),
	FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS object_acls (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	acl    TEXT NOT NULL,
	PRIMARY KEY (bucket, key)
);

CREATE TABLE IF NOT EXISTS object_tags (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	tags   TEXT NOT NULL,
	PRIMARY KEY (bucket, key)
);

CREATE TABLE IF NOT EXISTS seq_counter (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	val INTEGER NOT NULL
);
INSERT OR IGNORE INTO seq_counter (id, val) VALUES (1, 0);
`

// NewSQLiteStore opens (or creates) the metadata database under dataDir and
// initializes the schema.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.sqlite")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The driver serializes writers; a single connection avoids SQLITE_BUSY
	// on concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logrus.WithField("db_path", dbPath).Info("SQLite metadata store initialized")
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nextSeq allocates a monotonically increasing write sequence inside tx.
// The sequence orders versions of a key more reliably than last_modified,
// which can collide within one clock tick.
func nextSeq(tx *sql.Tx) (int64, error) {
	if _, err := tx.Exec(`UPDATE seq_counter SET val = val + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRow(`SELECT val FROM seq_counter WHERE id = 1`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// CreateUser inserts a new credential pair.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (access_key, secret_key, username, created_at)
		VALUES (?, ?, ?, ?)
	`, user.AccessKey, user.SecretKey, user.Username, user.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByAccessKey looks up a user by access key.
func (s *SQLiteStore) GetUserByAccessKey(ctx context.Context, accessKey string) (*User, error) {
	var user User
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT access_key, secret_key, username, created_at FROM users WHERE access_key = ?
	`, accessKey).Scan(&user.AccessKey, &user.SecretKey, &user.Username, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &user, nil
}

// ListUsers returns all users ordered by access key.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT access_key, secret_key, username, created_at FROM users ORDER BY access_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var createdAt int64
		if err := rows.Scan(&user.AccessKey, &user.SecretKey, &user.Username, &createdAt); err != nil {
			return nil, err
		}
		user.CreatedAt = time.Unix(createdAt, 0).UTC()
		users = append(users, &user)
	}
	return users, rows.Err()
}

// SeedAdminUser creates the admin credential pair on first start. It is a
// no-op when the access key already exists.
func (s *SQLiteStore) SeedAdminUser(ctx context.Context, accessKey, secretKey string) error {
	err := s.CreateUser(ctx, &User{
		Username:  "admin",
		AccessKey: accessKey,
		SecretKey: secretKey,
		CreatedAt: time.Now().UTC(),
	})
	if err == ErrUserExists {
		return nil
	}
	if err == nil {
		logrus.WithField("access_key", accessKey).Info("Seeded admin user")
	}
	return err
}

// CreateBucket inserts a new bucket row.
func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *Bucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buckets (name, owner, created_at) VALUES (?, ?, ?)
	`, bucket.Name, bucket.Owner, bucket.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBucketExists
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// GetBucket returns one bucket row.
func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	var bucket Bucket
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT name, owner, created_at FROM buckets WHERE name = ?
	`, name).Scan(&bucket.Name, &bucket.Owner, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	bucket.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &bucket, nil
}

// ListBuckets returns all buckets ordered by name.
func (s *SQLiteStore) ListBuckets(ctx context.Context) ([]*Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, owner, created_at FROM buckets ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*Bucket
	for rows.Next() {
		var bucket Bucket
		var createdAt int64
		if err := rows.Scan(&bucket.Name, &bucket.Owner, &createdAt); err != nil {
			return nil, err
		}
		bucket.CreatedAt = time.Unix(createdAt, 0).UTC()
		buckets = append(buckets, &bucket)
	}
	return buckets, rows.Err()
}

// DeleteBucket removes the bucket row and everything scoped to it except
// object version rows, which the engine deletes beforehand.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBucketNotFound
	}

	// bucket_configs cascades via foreign key; the rest are keyed by name.
	for _, stmt := range []string{
		`DELETE FROM multipart_parts WHERE upload_id IN (SELECT upload_id FROM multipart_uploads WHERE bucket = ?)`,
		`DELETE FROM multipart_uploads WHERE bucket = ?`,
		`DELETE FROM object_acls WHERE bucket = ?`,
		`DELETE FROM object_tags WHERE bucket = ?`,
	} {
		if _, err := tx.Exec(stmt, name); err != nil {
			return fmt.Errorf("failed to cascade bucket deletion: %w", err)
		}
	}

	return tx.Commit()
}

// CountObjectVersions counts all version rows in a bucket, delete markers included.
func (s *SQLiteStore) CountObjectVersions(ctx context.Context, bucket string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&n)
	return n, err
}

// CountUploads counts in-progress multipart uploads in a bucket.
func (s *SQLiteStore) CountUploads(ctx context.Context, bucket string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM multipart_uploads WHERE bucket = ?`, bucket).Scan(&n)
	return n, err
}

// PutBucketConfig upserts one configuration value.
func (s *SQLiteStore) PutBucketConfig(ctx context.Context, bucket, kind string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bucket_configs (bucket, kind, value) VALUES (?, ?, ?)
		ON CONFLICT (bucket, kind) DO UPDATE SET value = excluded.value
	`, bucket, kind, string(value))
	if err != nil {
		return fmt.Errorf("failed to put bucket config %s: %w", kind, err)
	}
	return nil
}

// GetBucketConfig returns one configuration value.
func (s *SQLiteStore) GetBucketConfig(ctx context.Context, bucket, kind string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM bucket_configs WHERE bucket = ? AND kind = ?
	`, bucket, kind).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket config %s: %w", kind, err)
	}
	return []byte(value), nil
}

// DeleteBucketConfig removes one configuration value. Deleting an absent
// config is not an error.
func (s *SQLiteStore) DeleteBucketConfig(ctx context.Context, bucket, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM bucket_configs WHERE bucket = ? AND kind = ?
	`, bucket, kind)
	return err
}

// isUniqueViolation reports whether err is a primary-key/unique conflict.
// modernc.org/sqlite surfaces these as plain errors carrying the SQLite
// message, so we match on the constraint text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
