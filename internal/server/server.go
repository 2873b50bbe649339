package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cirrusfs/cirrusfs/internal/auth"
	"github.com/cirrusfs/cirrusfs/internal/blob"
	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/engine"
	"github.com/cirrusfs/cirrusfs/internal/lifecycle"
	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/metrics"
	"github.com/cirrusfs/cirrusfs/internal/policy"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

// Server is the S3 HTTP front end: routing, authentication, authorization
// and XML rendering around the storage engine.
type Server struct {
	cfg      *config.Config
	store    *metadata.SQLiteStore
	engine   *engine.Engine
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	janitor  *lifecycle.Worker
	http     *http.Server
}

// New wires the stores, the engine and the HTTP stack from configuration.
func New(cfg *config.Config) (*Server, error) {
	store, err := metadata.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	blobs, err := blob.NewStore(filepath.Join(cfg.DataDir, "objects"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	if err := store.SeedAdminUser(context.Background(), cfg.AccessKey, cfg.SecretKey); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to seed root user: %w", err)
	}

	eng := engine.New(store, blobs)
	s := &Server{
		cfg:      cfg,
		store:    store,
		engine:   eng,
		verifier: auth.NewVerifier(store),
		metrics:  metrics.New(cfg.DataDir),
		janitor:  lifecycle.NewWorker(eng, cfg.LifecycleInterval),
	}

	s.http = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: s.Handler(),
	}
	return s, nil
}

// Handler builds the middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	router := s.routes()

	var h http.Handler = router
	h = s.authMiddleware(h)
	h = loggingMiddleware(h)
	h = s.metrics.Middleware(h)
	h = requestIDMiddleware(h)
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodHead}),
		handlers.AllowedHeaders([]string{"*"}),
		handlers.ExposedHeaders([]string{"ETag", "x-amz-request-id", "x-amz-version-id", "x-amz-delete-marker"}),
	)(h)
	h = handlers.ProxyHeaders(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	return h
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.SkipClean(true)
	router.UseEncodedPath()

	if s.cfg.Metrics.Enable {
		router.Handle(s.cfg.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	// Service
	router.HandleFunc("/", s.handleListBuckets).Methods(http.MethodGet)

	// Bucket subresources
	bucket := "/{bucket}"
	router.HandleFunc(bucket, s.handleGetBucketLocation).Methods(http.MethodGet).Queries("location", "")
	router.HandleFunc(bucket, s.handleGetBucketPolicy).Methods(http.MethodGet).Queries("policy", "")
	router.HandleFunc(bucket, s.handlePutBucketPolicy).Methods(http.MethodPut).Queries("policy", "")
	router.HandleFunc(bucket, s.handleDeleteBucketPolicy).Methods(http.MethodDelete).Queries("policy", "")
	router.HandleFunc(bucket, s.handleGetBucketACL).Methods(http.MethodGet).Queries("acl", "")
	router.HandleFunc(bucket, s.handlePutBucketACL).Methods(http.MethodPut).Queries("acl", "")
	router.HandleFunc(bucket, s.handleGetBucketTagging).Methods(http.MethodGet).Queries("tagging", "")
	router.HandleFunc(bucket, s.handlePutBucketTagging).Methods(http.MethodPut).Queries("tagging", "")
	router.HandleFunc(bucket, s.handleDeleteBucketTagging).Methods(http.MethodDelete).Queries("tagging", "")
	router.HandleFunc(bucket, s.handleGetBucketVersioning).Methods(http.MethodGet).Queries("versioning", "")
	router.HandleFunc(bucket, s.handlePutBucketVersioning).Methods(http.MethodPut).Queries("versioning", "")
	router.HandleFunc(bucket, s.handleGetBucketLifecycle).Methods(http.MethodGet).Queries("lifecycle", "")
	router.HandleFunc(bucket, s.handlePutBucketLifecycle).Methods(http.MethodPut).Queries("lifecycle", "")
	router.HandleFunc(bucket, s.handleDeleteBucketLifecycle).Methods(http.MethodDelete).Queries("lifecycle", "")
	router.HandleFunc(bucket, s.handleListObjectVersions).Methods(http.MethodGet).Queries("versions", "")
	router.HandleFunc(bucket, s.handleListMultipartUploads).Methods(http.MethodGet).Queries("uploads", "")
	router.HandleFunc(bucket, s.handleDeleteObjects).Methods(http.MethodPost).Queries("delete", "")

	// Bucket
	router.HandleFunc(bucket, s.handleListObjects).Methods(http.MethodGet)
	router.HandleFunc(bucket, s.handleCreateBucket).Methods(http.MethodPut)
	router.HandleFunc(bucket, s.handleDeleteBucket).Methods(http.MethodDelete)
	router.HandleFunc(bucket, s.handleHeadBucket).Methods(http.MethodHead)
	router.HandleFunc(bucket+"/", s.handleListObjects).Methods(http.MethodGet)

	// Object subresources
	object := "/{bucket}/{key:.+}"
	router.HandleFunc(object, s.handleCreateMultipartUpload).Methods(http.MethodPost).Queries("uploads", "")
	router.HandleFunc(object, s.handleCompleteMultipartUpload).Methods(http.MethodPost).Queries("uploadId", "{uploadId}")
	router.HandleFunc(object, s.handleUploadPart).Methods(http.MethodPut).Queries("uploadId", "{uploadId}", "partNumber", "{partNumber}")
	router.HandleFunc(object, s.handleUploadPart).Methods(http.MethodPut).Queries("partNumber", "{partNumber}", "uploadId", "{uploadId}")
	router.HandleFunc(object, s.handleListParts).Methods(http.MethodGet).Queries("uploadId", "{uploadId}")
	router.HandleFunc(object, s.handleAbortMultipartUpload).Methods(http.MethodDelete).Queries("uploadId", "{uploadId}")
	router.HandleFunc(object, s.handleGetObjectACL).Methods(http.MethodGet).Queries("acl", "")
	router.HandleFunc(object, s.handlePutObjectACL).Methods(http.MethodPut).Queries("acl", "")
	router.HandleFunc(object, s.handleGetObjectTagging).Methods(http.MethodGet).Queries("tagging", "")
	router.HandleFunc(object, s.handlePutObjectTagging).Methods(http.MethodPut).Queries("tagging", "")
	router.HandleFunc(object, s.handleDeleteObjectTagging).Methods(http.MethodDelete).Queries("tagging", "")

	// Object
	router.HandleFunc(object, s.handleGetObject).Methods(http.MethodGet)
	router.HandleFunc(object, s.handleHeadObject).Methods(http.MethodHead)
	router.HandleFunc(object, s.handlePutObject).Methods(http.MethodPut)
	router.HandleFunc(object, s.handleDeleteObject).Methods(http.MethodDelete)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, s3err.ErrInvalidRequest.WithMessage("unsupported operation"))
	})
	return router
}

// Start runs the HTTP server and the lifecycle janitor until ctx is
// canceled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.janitor.Start()

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.http.Addr).Info("API server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.janitor.Stop()
		s.store.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}

	s.janitor.Stop()
	if err := s.store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close metadata store")
	}
	return nil
}

// bucketVar extracts the bucket name from the route. Bucket name grammar
// admits no percent escapes, so no decoding applies.
func bucketVar(r *http.Request) string {
	return mux.Vars(r)["bucket"]
}

// objectVars extracts the bucket and object key from the route. The router
// matches encoded paths so keys with encoded slashes survive routing; the
// key is decoded here before it reaches the engine.
func objectVars(r *http.Request) (bucket, key string, err error) {
	vars := mux.Vars(r)
	key, err = url.PathUnescape(vars["key"])
	if err != nil {
		return vars["bucket"], "", s3err.ErrInvalidURI
	}
	return vars["bucket"], key, nil
}

// authorize answers whether the current principal may perform action on
// the bucket (and key, when the operation is object-scoped).
func (s *Server) authorize(r *http.Request, action, bucketName, key string) error {
	bucket, err := s.engine.GetBucket(r.Context(), bucketName)
	if err != nil {
		return err
	}
	acl, err := s.engine.GetBucketACL(r.Context(), bucketName)
	if err != nil {
		return err
	}
	pol, err := s.engine.LookupBucketPolicy(r.Context(), bucketName)
	if err != nil {
		return err
	}

	resource := policy.BucketARN(bucketName)
	if key != "" {
		resource = policy.ObjectARN(bucketName, key)
	}

	allowed := policy.Authorize(policy.Request{
		Principal: auth.PrincipalFromContext(r.Context()),
		Action:    action,
		Resource:  resource,
		Owner:     bucket.Owner,
		ACL:       acl,
		Policy:    pol,
	})
	if !allowed {
		return s3err.ErrAccessDenied
	}
	return nil
}

// requireAuth rejects anonymous requests; operations without a bucket
// scope (CreateBucket, ListBuckets) have no ACL or policy to consult.
func requireAuth(r *http.Request) error {
	if auth.UserFromContext(r.Context()) == nil {
		return s3err.ErrAccessDenied
	}
	return nil
}

// requestBody returns the payload reader, decoding the aws-chunked framing
// when the client used streaming signatures.
func requestBody(r *http.Request) io.Reader {
	if IsChunkedPayload(r) {
		return auth.NewChunkedReader(r.Body)
	}
	return r.Body
}

// IsChunkedPayload reports whether the request body uses aws-chunked
// framing.
func IsChunkedPayload(r *http.Request) bool {
	if auth.IsChunkedEncoding(r.Header.Get("Content-Encoding")) {
		return true
	}
	return strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-")
}

// userMetadataFromHeaders collects x-amz-meta-* headers, keys lowercased.
func userMetadataFromHeaders(h http.Header) map[string]string {
	var meta map[string]string
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-amz-meta-") || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
	}
	return meta
}

func setUserMetadataHeaders(w http.ResponseWriter, meta map[string]string) {
	for name, value := range meta {
		w.Header().Set("x-amz-meta-"+name, value)
	}
}

// parseRange interprets an RFC 7233 single byte range against an object of
// the given size. A nil result means "whole object".
func parseRange(header string, size int64) (*blob.Range, error) {
	if header == "" {
		return nil, nil
	}
	value, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(value, ",") {
		return nil, s3err.ErrInvalidRange
	}

	start, end, found := strings.Cut(value, "-")
	if !found {
		return nil, s3err.ErrInvalidRange
	}

	// Suffix range: bytes=-N is the last N bytes.
	if start == "" {
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n <= 0 {
			return nil, s3err.ErrInvalidRange
		}
		if n > size {
			n = size
		}
		return &blob.Range{Start: size - n, End: size - 1}, nil
	}

	first, err := strconv.ParseInt(start, 10, 64)
	if err != nil || first < 0 {
		return nil, s3err.ErrInvalidRange
	}
	last := size - 1
	if end != "" {
		last, err = strconv.ParseInt(end, 10, 64)
		if err != nil || last < first {
			return nil, s3err.ErrInvalidRange
		}
	}
	if first >= size {
		return nil, s3err.ErrInvalidRange
	}
	if last > size-1 {
		last = size - 1
	}
	return &blob.Range{Start: first, End: last}, nil
}
