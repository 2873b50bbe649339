package server

import (
	"encoding/xml"
	"io"
	"net/http"
	"strconv"

	"github.com/cirrusfs/cirrusfs/internal/auth"
	"github.com/cirrusfs/cirrusfs/internal/engine"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

// maxConfigBodySize bounds policy, ACL, tagging and lifecycle documents.
const maxConfigBodySize = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize+1))
	if err != nil {
		return nil, s3err.ErrInternal.WithMessage("failed to read request body")
	}
	if len(data) > maxConfigBodySize {
		return nil, s3err.ErrInvalidRequest.WithMessage("request body is too large")
	}
	return data, nil
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	if err := requireAuth(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	principal := auth.PrincipalFromContext(r.Context())

	buckets, err := s.engine.ListBuckets(r.Context(), principal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result := listAllMyBucketsResult{
		Owner:   ownerXML{ID: principal, DisplayName: principal},
		Buckets: make([]bucketXML, 0, len(buckets)),
	}
	for _, bucket := range buckets {
		result.Buckets = append(result.Buckets, bucketXML{
			Name:         bucket.Name,
			CreationDate: formatTime(bucket.CreatedAt),
		})
	}
	writeXML(w, http.StatusOK, result)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	if err := requireAuth(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	bucket := bucketVar(r)

	if _, err := s.engine.CreateBucket(r.Context(), bucket, auth.PrincipalFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}

	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		if err := s.engine.PutBucketCannedACL(r.Context(), bucket, canned); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:DeleteBucket", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.DeleteBucket(r.Context(), bucket); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		// HEAD responses carry no body; only the status survives.
		w.WriteHeader(s3err.From(err).StatusCode)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:GetBucketLocation", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, locationConstraint{Location: s.cfg.Region})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:ListBucket", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	maxKeys := -1
	if raw := query.Get("max-keys"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, r, s3err.ErrInvalidArgument.WithMessage("max-keys must be a non-negative integer"))
			return
		}
		maxKeys = parsed
	}

	input := engine.ListObjectsInput{
		Bucket:    bucket,
		Prefix:    query.Get("prefix"),
		Delimiter: query.Get("delimiter"),
		MaxKeys:   maxKeys,
		V2:        query.Get("list-type") == "2",
	}
	if input.V2 {
		input.ContinuationToken = query.Get("continuation-token")
		input.StartAfter = query.Get("start-after")
	} else {
		input.Marker = query.Get("marker")
	}

	page, err := s.engine.ListObjects(r.Context(), input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contents := make([]objectXML, 0, len(page.Objects))
	for _, obj := range page.Objects {
		contents = append(contents, objectXML{
			Key:          obj.Key,
			LastModified: formatTime(obj.LastModified),
			ETag:         `"` + obj.ETag + `"`,
			Size:         obj.Size,
			StorageClass: "STANDARD",
			Owner:        ownerXML{ID: obj.Owner, DisplayName: obj.Owner},
		})
	}
	prefixes := make([]commonPrefixXML, 0, len(page.CommonPrefixes))
	for _, p := range page.CommonPrefixes {
		prefixes = append(prefixes, commonPrefixXML{Prefix: p})
	}

	effectiveMax := maxKeys
	if effectiveMax < 0 || effectiveMax > 1000 {
		effectiveMax = 1000
	}

	if input.V2 {
		writeXML(w, http.StatusOK, listBucketV2Result{
			Name:                  bucket,
			Prefix:                input.Prefix,
			Delimiter:             input.Delimiter,
			MaxKeys:               effectiveMax,
			KeyCount:              len(contents) + len(prefixes),
			IsTruncated:           page.IsTruncated,
			StartAfter:            input.StartAfter,
			ContinuationToken:     input.ContinuationToken,
			NextContinuationToken: page.NextContinuationToken,
			Contents:              contents,
			CommonPrefixes:        prefixes,
		})
		return
	}

	result := listBucketResult{
		Name:           bucket,
		Prefix:         input.Prefix,
		Delimiter:      input.Delimiter,
		MaxKeys:        effectiveMax,
		IsTruncated:    page.IsTruncated,
		Marker:         input.Marker,
		Contents:       contents,
		CommonPrefixes: prefixes,
	}
	if page.IsTruncated {
		result.NextMarker = page.NextMarker
	}
	writeXML(w, http.StatusOK, result)
}

func (s *Server) handleListObjectVersions(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:ListBucketVersions", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	maxKeys := -1
	if raw := query.Get("max-keys"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, r, s3err.ErrInvalidArgument.WithMessage("max-keys must be a non-negative integer"))
			return
		}
		maxKeys = parsed
	}

	input := engine.ListVersionsInput{
		Bucket:          bucket,
		Prefix:          query.Get("prefix"),
		Delimiter:       query.Get("delimiter"),
		KeyMarker:       query.Get("key-marker"),
		VersionIDMarker: query.Get("version-id-marker"),
		MaxKeys:         maxKeys,
	}
	page, err := s.engine.ListObjectVersions(r.Context(), input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	effectiveMax := maxKeys
	if effectiveMax < 0 || effectiveMax > 1000 {
		effectiveMax = 1000
	}
	result := listVersionsResult{
		Name:            bucket,
		Prefix:          input.Prefix,
		Delimiter:       input.Delimiter,
		MaxKeys:         effectiveMax,
		IsTruncated:     page.IsTruncated,
		KeyMarker:       input.KeyMarker,
		VersionIDMarker: input.VersionIDMarker,
	}
	if page.IsTruncated {
		result.NextKeyMarker = page.NextKeyMarker
		result.NextVersionIDMarker = page.NextVersionIDMarker
	}
	for _, version := range page.Versions {
		owner := ownerXML{ID: version.Owner, DisplayName: version.Owner}
		if version.IsDeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, deleteMarkerXML{
				Key:          version.Key,
				VersionID:    version.VersionID,
				IsLatest:     version.IsLatest,
				LastModified: formatTime(version.LastModified),
				Owner:        owner,
			})
			continue
		}
		result.Versions = append(result.Versions, versionXML{
			Key:          version.Key,
			VersionID:    version.VersionID,
			IsLatest:     version.IsLatest,
			LastModified: formatTime(version.LastModified),
			ETag:         `"` + version.ETag + `"`,
			Size:         version.Size,
			StorageClass: "STANDARD",
			Owner:        owner,
		})
	}
	for _, p := range page.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefixXML{Prefix: p})
	}
	writeXML(w, http.StatusOK, result)
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:DeleteObject", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req deleteRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(req.Objects) == 0 || len(req.Objects) > 1000 {
		s.writeError(w, r, s3err.ErrMalformedXML.WithMessage("the Delete request must name between 1 and 1000 objects"))
		return
	}

	identifiers := make([]engine.ObjectIdentifier, 0, len(req.Objects))
	for _, obj := range req.Objects {
		identifiers = append(identifiers, engine.ObjectIdentifier{Key: obj.Key, VersionID: obj.VersionID})
	}

	outcomes, err := s.engine.DeleteObjects(r.Context(), bucket, identifiers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result := deleteResult{}
	for _, outcome := range outcomes {
		if outcome.ErrorCode != "" {
			result.Errors = append(result.Errors, deleteErrorXML{
				Key:     outcome.Key,
				Code:    outcome.ErrorCode,
				Message: outcome.ErrorMessage,
			})
			continue
		}
		if req.Quiet {
			continue
		}
		deleted := deletedXML{Key: outcome.Key}
		if outcome.IsDeleteMarker {
			deleted.DeleteMarker = true
			deleted.DeleteMarkerVersionID = outcome.VersionID
		} else {
			deleted.VersionID = outcome.VersionID
		}
		result.Deleted = append(result.Deleted, deleted)
	}
	writeXML(w, http.StatusOK, result)
}

func (s *Server) handleGetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:GetBucketPolicy", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	document, err := s.engine.GetBucketPolicy(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(document)
}

func (s *Server) handlePutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:PutBucketPolicy", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	document, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.PutBucketPolicy(r.Context(), bucket, document); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:DeleteBucketPolicy", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.DeleteBucketPolicy(r.Context(), bucket); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBucketACL(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:GetBucketAcl", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	acl, err := s.engine.GetBucketACL(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, aclToXML(acl))
}

func (s *Server) handlePutBucketACL(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:PutBucketAcl", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}

	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		if err := s.engine.PutBucketCannedACL(r.Context(), bucket, canned); err != nil {
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
	if err := s.engine.PutBucketACL(r.Context(), bucket, acl); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBucketTagging(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:GetBucketTagging", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	tags, err := s.engine.GetBucketTagging(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, taggingDocument{Tags: tags})
}

func (s *Server) handlePutBucketTagging(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:PutBucketTagging", bucket, ""); err != nil {
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
	if err := s.engine.PutBucketTagging(r.Context(), bucket, doc.Tags); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteBucketTagging(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:PutBucketTagging", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.DeleteBucketTagging(r.Context(), bucket); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:GetBucketVersioning", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.engine.VersioningStatus(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, versioningConfiguration{Status: status})
}

func (s *Server) handlePutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:PutBucketVersioning", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var doc versioningConfiguration
	if err := xml.Unmarshal(body, &doc); err != nil {
		s.writeError(w, r, s3err.ErrMalformedXML)
		return
	}
	if err := s.engine.SetVersioningStatus(r.Context(), bucket, doc.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:GetLifecycleConfiguration", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	config, err := s.engine.GetBucketLifecycle(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, config)
}

func (s *Server) handlePutBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:PutLifecycleConfiguration", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var config engine.LifecycleConfiguration
	if err := xml.Unmarshal(body, &config); err != nil {
		s.writeError(w, r, s3err.ErrMalformedXML)
		return
	}
	if err := s.engine.PutBucketLifecycle(r.Context(), bucket, &config); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:PutLifecycleConfiguration", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.DeleteBucketLifecycle(r.Context(), bucket); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
