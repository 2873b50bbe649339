package server

import (
	"encoding/xml"
	"net/http"
	"strconv"

	"github.com/cirrusfs/cirrusfs/internal/auth"
	"github.com/cirrusfs/cirrusfs/internal/engine"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:PutObject", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}

	upload, err := s.engine.CreateMultipartUpload(r.Context(), bucket, key,
		r.Header.Get("Content-Type"),
		userMetadataFromHeaders(r.Header),
		auth.PrincipalFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeXML(w, http.StatusOK, initiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.UploadID,
	})
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:PutObject", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	uploadID := query.Get("uploadId")
	partNumber, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil {
		s.writeError(w, r, s3err.ErrInvalidArgument.WithMessage("partNumber must be an integer"))
		return
	}

	if source := r.Header.Get("x-amz-copy-source"); source != "" {
		s.uploadPartCopy(w, r, bucket, key, uploadID, partNumber, source)
		return
	}

	part, err := s.engine.UploadPart(r.Context(), bucket, key, uploadID, partNumber,
		requestBody(r), r.Header.Get("X-Amz-Content-Sha256"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+part.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string, partNumber int, source string) {
	srcBucket, srcKey, srcVersion, err := parseCopySource(source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:GetObject", srcBucket, srcKey); err != nil {
		s.writeError(w, r, err)
		return
	}

	// x-amz-copy-source-range carries the same bytes=first-last syntax as
	// the Range header.
	version, err := s.engine.StatObject(r.Context(), srcBucket, srcKey, srcVersion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rng, err := parseRange(r.Header.Get("x-amz-copy-source-range"), version.Size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	part, err := s.engine.UploadPartCopy(r.Context(), bucket, key, uploadID, partNumber,
		srcBucket, srcKey, srcVersion, rng)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeXML(w, http.StatusOK, copyPartResult{
		ETag:         `"` + part.ETag + `"`,
		LastModified: formatTime(part.LastModified),
	})
}

func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:PutObject", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var manifest completeMultipartUpload
	if err := xml.Unmarshal(body, &manifest); err != nil {
		s.writeError(w, r, s3err.ErrMalformedXML)
		return
	}

	declared := make([]engine.CompletedPart, 0, len(manifest.Parts))
	for _, part := range manifest.Parts {
		declared = append(declared, engine.CompletedPart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
	}

	version, err := s.engine.CompleteMultipartUpload(r.Context(), bucket, key, uploadID, declared)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("x-amz-version-id", version.VersionID)
	writeXML(w, http.StatusOK, completeMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     `"` + version.ETag + `"`,
	})
}

func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:AbortMultipartUpload", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.AbortMultipartUpload(r.Context(), bucket, key, r.URL.Query().Get("uploadId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request) {
	bucket, key, err := objectVars(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, "s3:ListMultipartUploadParts", bucket, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	upload, parts, err := s.engine.ListParts(r.Context(), bucket, key, uploadID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result := listPartsResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
		Owner:    ownerXML{ID: upload.Owner, DisplayName: upload.Owner},
	}
	for _, part := range parts {
		result.Parts = append(result.Parts, partXML{
			PartNumber:   part.PartNumber,
			LastModified: formatTime(part.LastModified),
			ETag:         `"` + part.ETag + `"`,
			Size:         part.Size,
		})
	}
	writeXML(w, http.StatusOK, result)
}

func (s *Server) handleListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket := bucketVar(r)
	if err := s.authorize(r, "s3:ListBucketMultipartUploads", bucket, ""); err != nil {
		s.writeError(w, r, err)
		return
	}

	uploads, err := s.engine.ListMultipartUploads(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result := listMultipartUploadsResult{Bucket: bucket}
	for _, upload := range uploads {
		result.Uploads = append(result.Uploads, uploadXML{
			Key:       upload.Key,
			UploadID:  upload.UploadID,
			Initiated: formatTime(upload.CreatedAt),
			Owner:     ownerXML{ID: upload.Owner, DisplayName: upload.Owner},
		})
	}
	writeXML(w, http.StatusOK, result)
}
