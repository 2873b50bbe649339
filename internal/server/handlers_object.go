package server

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cirrusfs/cirrusfs/internal/auth"
	"github.com/cirrusfs/cirrusfs/internal/engine"
	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/policy"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

// parseCopySource splits an x-amz-copy-source header into bucket, key and
// optional versionId. The header may be URL-encoded and may carry a
// leading slash.
func parseCopySource(header string) (bucket, key, versionID string, err error) {
	source := header
	if idx := strings.Index(source, "?"); idx >= 0 {
		query, parseErr := url.ParseQuery(source[idx+1:])
		if parseErr == nil {
			versionID = query.Get("versionId")
		}
		source = source[:idx]
	}
	if decoded, decodeErr := url.PathUnescape(source); decodeErr == nil {
		source = decoded
	}
	source = strings.TrimPrefix(source, "/")

	bucket, key, found := strings.Cut(source, "/")
	if !found || bucket == "" || key == "" {
		return "", "", "", s3err.ErrInvalidArgument.WithMessage("x-amz-copy-source must name a bucket and key")
	}
	return bucket, key, versionID, nil
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:PutObject", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}

	if source := r.Header.Get("x-amz-copy-source"); source != "" {
		s.copyObject(w, r, bucket, key, source)
		return
	}

	version, err := s.engine.PutObject(r.Context(), engine.PutObjectInput{
		Bucket:        bucket,
		Key:           key,
		Body:          requestBody(r),
		ContentType:   r.Header.Get("Content-Type"),
		UserMetadata:  userMetadataFromHeaders(r.Header),
		Owner:         auth.PrincipalFromContext(r.Context()),
		ContentSHA256: r.Header.Get("X-Amz-Content-Sha256"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+version.ETag+`"`)
	w.Header().Set("x-amz-version-id", version.VersionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) copyObject(w http.ResponseWriter, r *http.Request, bucket, key, source string) {
	srcBucket, srcKey, srcVersion, err := parseCopySource(source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:GetObject", srcBucket, srcKey); err != nil {
		s.writeError(w, r, err)
		return
	}

	replace := strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE")
	version, err := s.engine.CopyObject(r.Context(), engine.CopyObjectInput{
		SourceBucket:    srcBucket,
		SourceKey:       srcKey,
		SourceVersionID: srcVersion,
		DestBucket:      bucket,
		DestKey:         key,
		Owner:           auth.PrincipalFromContext(r.Context()),
		ReplaceMetadata: replace,
		UserMetadata:    userMetadataFromHeaders(r.Header),
		ContentType:     r.Header.Get("Content-Type"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("x-amz-version-id", version.VersionID)
	writeXML(w, http.StatusOK, copyObjectResult{
		ETag:         `"` + version.ETag + `"`,
		LastModified: formatTime(version.LastModified),
	})
}

// setObjectHeaders writes the standard metadata headers shared by GET and
// HEAD.
func setObjectHeaders(w http.ResponseWriter, version *metadata.ObjectVersion) {
	contentType := version.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+version.ETag+`"`)
	w.Header().Set("Last-Modified", version.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("x-amz-version-id", version.VersionID)
	w.Header().Set("Accept-Ranges", "bytes")
	setUserMetadataHeaders(w, version.UserMetadata)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:GetObject", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	versionID := r.URL.Query().Get("versionId")

	version, err := s.engine.StatObject(r.Context(), bucket, key, versionID)
	if err != nil {
		if version != nil && version.IsDeleteMarker {
			w.Header().Set("x-amz-delete-marker", "true")
		}
		s.writeError(w, r, err)
		return
	}

	rng, err := parseRange(r.Header.Get("Range"), version.Size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	version, body, err := s.engine.GetObject(r.Context(), bucket, key, versionID, rng)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer body.Close()

	setObjectHeaders(w, version)
	if rng != nil {
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(rng.Start, 10)+"-"+strconv.FormatInt(rng.End, 10)+"/"+strconv.FormatInt(version.Size, 10))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.End-rng.Start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(version.Size, 10))
		w.WriteHeader(http.StatusOK)
	}
	io.Copy(w, body)
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		w.WriteHeader(s3err.From(err).StatusCode)
		return
	}
	if err := s.authorize(r, "s3:GetObject", bucket, key); err != nil {
		w.WriteHeader(s3err.From(err).StatusCode)
		return
	}

	version, err := s.engine.StatObject(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		if version != nil && version.IsDeleteMarker {
			w.Header().Set("x-amz-delete-marker", "true")
		}
		w.WriteHeader(s3err.From(err).StatusCode)
		return
	}

	setObjectHeaders(w, version)
	w.Header().Set("Content-Length", strconv.FormatInt(version.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:DeleteObject", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.DeleteObject(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.IsDeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	if result.VersionID != "" {
		w.Header().Set("x-amz-version-id", result.VersionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetObjectACL(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:GetObjectAcl", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	acl, err := s.engine.GetObjectACL(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, aclToXML(acl))
}

func (s *Server) handlePutObjectACL(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:PutObjectAcl", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	versionID := r.URL.Query().Get("versionId")

	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		if !policy.IsCannedACL(canned) {
			s.writeError(w, r, s3err.ErrInvalidArgument.WithMessage("unknown canned ACL %q", canned))
			return
		}
		version, err := s.engine.StatObject(r.Context(), bucket, key, versionID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.engine.PutObjectACL(r.Context(), bucket, key, versionID, policy.CannedACL(canned, version.Owner)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acl, err := engine.ParseACLFromXML(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.PutObjectACL(r.Context(), bucket, key, versionID, acl); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:GetObjectTagging", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	tags, versionID, err := s.engine.GetObjectTagging(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("x-amz-version-id", versionID)
	writeXML(w, http.StatusOK, taggingDocument{Tags: tags})
}

func (s *Server) handlePutObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:PutObjectTagging", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var doc taggingDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		s.writeError(w, r, s3err.ErrMalformedXML)
		return
	}
	versionID, err := s.engine.PutObjectTagging(r.Context(), bucket, key, r.URL.Query().Get("versionId"), doc.Tags)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("x-amz-version-id", versionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:PutObjectTagging", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	versionID, err := s.engine.DeleteObjectTagging(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("x-amz-version-id", versionID)
	w.WriteHeader(http.StatusNoContent)
}
