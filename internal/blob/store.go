package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Sentinel errors returned by the blob store.
var (
	ErrNotFound            = errors.New("blob not found")
	ErrInvalidPath         = errors.New("invalid blob path")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrChecksumMismatch    = errors.New("content checksum mismatch")
)

// scratchDir is the per-bucket subtree holding staged multipart parts.
const scratchDir = ".mpu"

// Store is a filesystem-backed byte store. One directory per bucket; object
// bytes live in files whose name encodes (key, versionId). Writes stream
// through a temp file and rename atomically, so partial writes never appear
// under a committed path.
type Store struct {
	rootPath string
}

// NewStore creates the blob store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{rootPath: root}, nil
}

// Root returns the filesystem root of the store.
func (s *Store) Root() string {
	return s.rootPath
}

// ObjectPath returns the store-relative path for an object version. The key
// is percent-escaped so versions of different keys can never collide:
// version ids contain no '@', so the trailing "@<versionId>" is unambiguous.
func ObjectPath(bucket, key, versionID string) string {
	return bucket + "/" + url.PathEscape(key) + "@" + versionID
}

// PartPath returns the store-relative scratch path for a staged part.
func PartPath(bucket, uploadID string, partNumber int) string {
	return bucket + "/" + scratchDir + "/" + uploadID + "/" + strconv.Itoa(partNumber)
}

// PutResult describes a committed blob.
type PutResult struct {
	Path   string
	Size   int64
	SHA256 string
}

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

// Put streams data into the blob at path, computing SHA-256 incrementally.
// When expectedSHA256 is non-empty and differs from the computed digest the
// temp file is discarded before rename and ErrChecksumMismatch is returned.
func (s *Store) Put(ctx context.Context, path string, data io.Reader, expectedSHA256 string) (*PutResult, error) {
	if err := s.validatePath(path); err != nil {
		return nil, err
	}
	fullPath := s.fullPath(path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)
	defer tempFile.Close()

	hasher := sha256.New()
	size, err := copyContext(ctx, io.MultiWriter(tempFile, hasher), data)
	if err != nil {
		return nil, fmt.Errorf("failed to write blob data: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush blob data: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if expectedSHA256 != "" && !strings.EqualFold(expectedSHA256, digest) {
		logrus.WithFields(logrus.Fields{
			"path":     path,
			"expected": expectedSHA256,
			"computed": digest,
		}).Warn("Discarding blob with mismatched content hash")
		return nil, ErrChecksumMismatch
	}

	if err := os.Rename(tempName, fullPath); err != nil {
		return nil, fmt.Errorf("failed to commit blob: %w", err)
	}

	return &PutResult{Path: path, Size: size, SHA256: digest}, nil
}

// Open returns a streaming reader over the blob, honoring an optional
// inclusive byte range. A range starting at or past the blob size fails
// with ErrRangeNotSatisfiable.
func (s *Store) Open(ctx context.Context, path string, rng *Range) (io.ReadCloser, error) {
	if err := s.validatePath(path); err != nil {
		return nil, err
	}
	fullPath := s.fullPath(path)

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	if rng == nil {
		return file, nil
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if rng.Start < 0 || rng.Start > info.Size()-1 {
		file.Close()
		return nil, ErrRangeNotSatisfiable
	}

	end := rng.End
	if end > info.Size()-1 {
		end = info.Size() - 1
	}
	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek blob: %w", err)
	}

	return &rangeReader{file: file, remaining: end - rng.Start + 1}, nil
}

// Size returns the byte size of a committed blob.
func (s *Store) Size(path string) (int64, error) {
	if err := s.validatePath(path); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes a blob. Deleting an absent blob is a no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.validatePath(path); err != nil {
		return err
	}
	if err := os.Remove(s.fullPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Concat streams the source blobs, in order, into a single blob at dst and
// returns its size and SHA-256.
func (s *Store) Concat(ctx context.Context, dst string, sources []string) (*PutResult, error) {
	readers := make([]io.Reader, 0, len(sources))
	closers := make([]io.Closer, 0, len(sources))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, src := range sources {
		rc, err := s.Open(ctx, src, nil)
		if err != nil {
			return nil, err
		}
		readers = append(readers, rc)
		closers = append(closers, rc)
	}

	return s.Put(ctx, dst, io.MultiReader(readers...), "")
}

// RemoveScratch releases the scratch subtree of one multipart upload.
// Idempotent.
func (s *Store) RemoveScratch(bucket, uploadID string) error {
	if err := s.validatePath(bucket + "/" + scratchDir + "/" + uploadID); err != nil {
		return err
	}
	dir := filepath.Join(s.rootPath, bucket, scratchDir, uploadID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove scratch directory: %w", err)
	}
	return nil
}

// CreateBucketDir creates the per-bucket directory.
func (s *Store) CreateBucketDir(bucket string) error {
	if err := s.validatePath(bucket); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.rootPath, bucket), 0o755)
}

// RemoveBucketDir removes the per-bucket directory and everything in it.
// The engine only calls this once the bucket is known to be empty of
// committed versions; leftover scratch is released with it.
func (s *Store) RemoveBucketDir(bucket string) error {
	if err := s.validatePath(bucket); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.rootPath, bucket)); err != nil {
		return fmt.Errorf("failed to remove bucket directory: %w", err)
	}
	return nil
}

func (s *Store) fullPath(path string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(path))
}

// validatePath rejects empty, absolute and traversal paths. Keys are
// percent-escaped into a single path element, which may legitimately
// contain adjacent dots, so only a literal ".." element is a traversal.
func (s *Store) validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") {
		return ErrInvalidPath
	}
	for _, element := range strings.Split(path, "/") {
		if element == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}

// copyContext copies src to dst in chunks, checking for cancellation
// between chunks so an aborted request stops consuming the body.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// rangeReader bounds reads to the requested range and closes the backing file.
type rangeReader struct {
	file      *os.File
	remaining int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.file.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *rangeReader) Close() error {
	return r.file.Close()
}
