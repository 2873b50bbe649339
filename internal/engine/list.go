package engine

import (
	"context"
	"strings"

	"github.com/cirrusfs/cirrusfs/internal/metadata"
)

const (
	maxKeysLimit = 1000
	listBatch    = 1000
)

func clampMaxKeys(maxKeys int) int {
	if maxKeys < 0 || maxKeys > maxKeysLimit {
		return maxKeysLimit
	}
	return maxKeys
}

// ListObjectsInput covers both ListObjects (v1) and ListObjectsV2.
type ListObjectsInput struct {
	Bucket            string
	Prefix            string
	Delimiter         string
	Marker            string // v1 resume point, exclusive
	ContinuationToken string // v2 resume point, inclusive
	StartAfter        string // v2, exclusive; ContinuationToken wins when both are set
	MaxKeys           int    // -1 means unset
	V2                bool
}

// ListObjectsResult is a flat page of current objects plus rolled-up
// common prefixes.
type ListObjectsResult struct {
	Objects        []*metadata.ObjectVersion
	CommonPrefixes []string
	IsTruncated    bool
	// NextMarker resumes a v1 listing; it is the last returned key or
	// common prefix.
	NextMarker string
	// NextContinuationToken resumes a v2 listing; it names the first key
	// not yet returned.
	NextContinuationToken string
}

// ListObjects walks the current (latest, non-delete-marker) objects under a
// prefix, rolling keys up into common prefixes at the delimiter. Each key
// and each distinct common prefix counts once toward MaxKeys.
func (e *Engine) ListObjects(ctx context.Context, input ListObjectsInput) (*ListObjectsResult, error) {
	if _, err := e.GetBucket(ctx, input.Bucket); err != nil {
		return nil, err
	}

	maxKeys := clampMaxKeys(input.MaxKeys)
	result := &ListObjectsResult{}
	if maxKeys == 0 {
		return result, nil
	}

	after := input.Marker
	inclusive := false
	if input.V2 {
		if input.ContinuationToken != "" {
			after, inclusive = input.ContinuationToken, true
		} else {
			after = input.StartAfter
		}
	}

	count := 0
	lastPrefix := ""
	// A listing resumed at a common-prefix marker must not emit that
	// prefix again; rows still under it are skipped like any other
	// already-counted prefix.
	if !inclusive {
		if commonPrefix, rolled := rollUp(after, input.Prefix, input.Delimiter); rolled {
			lastPrefix = commonPrefix
		}
	}
	for {
		rows, err := e.meta.ListCurrentObjects(ctx, input.Bucket, metadata.ListOptions{
			Prefix:    input.Prefix,
			After:     after,
			Inclusive: inclusive,
			Limit:     listBatch,
		})
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			commonPrefix, rolled := rollUp(row.Key, input.Prefix, input.Delimiter)
			if rolled && commonPrefix == lastPrefix {
				continue
			}
			if count == maxKeys {
				result.IsTruncated = true
				result.NextContinuationToken = row.Key
				return result, nil
			}
			if rolled {
				result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix)
				result.NextMarker = commonPrefix
				lastPrefix = commonPrefix
			} else {
				result.Objects = append(result.Objects, row)
				result.NextMarker = row.Key
			}
			count++
		}

		if len(rows) < listBatch {
			break
		}
		after, inclusive = rows[len(rows)-1].Key, false
	}

	result.NextMarker = ""
	return result, nil
}

// rollUp reports whether key collapses into a common prefix under the
// delimiter, and if so which one.
func rollUp(key, prefix, delimiter string) (string, bool) {
	if delimiter == "" {
		return "", false
	}
	tail := strings.TrimPrefix(key, prefix)
	idx := strings.Index(tail, delimiter)
	if idx < 0 {
		return "", false
	}
	return prefix + tail[:idx+len(delimiter)], true
}

// ListVersionsInput drives GET ?versions.
type ListVersionsInput struct {
	Bucket          string
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int // -1 means unset
}

// ListVersionsResult is a page of every version and delete marker, newest
// first within each key.
type ListVersionsResult struct {
	Versions            []*metadata.ObjectVersion
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// ListObjectVersions walks all versions (delete markers included) under a
// prefix in key order, versions of a key newest first. Each version and
// each distinct common prefix counts once toward MaxKeys.
func (e *Engine) ListObjectVersions(ctx context.Context, input ListVersionsInput) (*ListVersionsResult, error) {
	if _, err := e.GetBucket(ctx, input.Bucket); err != nil {
		return nil, err
	}

	maxKeys := clampMaxKeys(input.MaxKeys)
	result := &ListVersionsResult{}
	if maxKeys == 0 {
		return result, nil
	}

	keyMarker := input.KeyMarker
	versionMarker := input.VersionIDMarker

	count := 0
	lastPrefix := ""
	if commonPrefix, rolled := rollUp(keyMarker, input.Prefix, input.Delimiter); rolled {
		lastPrefix = commonPrefix
	}
	for {
		rows, err := e.meta.ListObjectVersions(ctx, input.Bucket, metadata.VersionListOptions{
			Prefix:          input.Prefix,
			KeyMarker:       keyMarker,
			VersionIDMarker: versionMarker,
			Limit:           listBatch,
		})
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			commonPrefix, rolled := rollUp(row.Key, input.Prefix, input.Delimiter)
			if rolled && commonPrefix == lastPrefix {
				continue
			}
			if count == maxKeys {
				result.IsTruncated = true
				return result, nil
			}
			if rolled {
				result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix)
				result.NextKeyMarker = commonPrefix
				result.NextVersionIDMarker = ""
				lastPrefix = commonPrefix
			} else {
				result.Versions = append(result.Versions, row)
				result.NextKeyMarker = row.Key
				result.NextVersionIDMarker = row.VersionID
			}
			count++
		}

		if len(rows) < listBatch {
			break
		}
		keyMarker = rows[len(rows)-1].Key
		versionMarker = rows[len(rows)-1].VersionID
	}

	result.NextKeyMarker = ""
	result.NextVersionIDMarker = ""
	return result, nil
}
