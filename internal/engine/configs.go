package engine

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net"

	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/policy"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

// ValidateBucketName applies the S3 bucket naming rules: 3-63 characters,
// lowercase letters, digits, hyphens and dots, starting and ending with a
// letter or digit, no adjacent dots, and not formatted like an IPv4
// address.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must be between 3 and 63 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.':
			if i == 0 || i == len(name)-1 {
				return s3err.ErrInvalidBucketName.WithMessage("bucket name must start and end with a letter or digit")
			}
			if c == '.' && name[i-1] == '.' {
				return s3err.ErrInvalidBucketName.WithMessage("bucket name must not contain adjacent periods")
			}
		default:
			return s3err.ErrInvalidBucketName.WithMessage("bucket name contains invalid character %q", string(c))
		}
	}
	if ip := net.ParseIP(name); ip != nil && ip.To4() != nil {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must not be formatted as an IP address")
	}
	return nil
}

// VersioningStatus returns the bucket versioning state: "" (never
// configured), Enabled, or Suspended.
func (e *Engine) VersioningStatus(ctx context.Context, bucket string) (string, error) {
	data, err := e.meta.GetBucketConfig(ctx, bucket, metadata.ConfigVersioning)
	if err == metadata.ErrConfigNotFound {
		return metadata.VersioningUnset, nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetVersioningStatus transitions the bucket to Enabled or Suspended.
// Versioning can never return to the unset state.
func (e *Engine) SetVersioningStatus(ctx context.Context, bucket, status string) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if status != metadata.VersioningEnabled && status != metadata.VersioningSuspended {
		return s3err.ErrInvalidArgument.WithMessage("versioning status must be Enabled or Suspended")
	}
	return e.meta.PutBucketConfig(ctx, bucket, metadata.ConfigVersioning, []byte(status))
}

// GetBucketPolicy returns the stored policy document.
func (e *Engine) GetBucketPolicy(ctx context.Context, bucket string) ([]byte, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	data, err := e.meta.GetBucketConfig(ctx, bucket, metadata.ConfigPolicy)
	if err == metadata.ErrConfigNotFound {
		return nil, s3err.ErrNoSuchBucketPolicy
	}
	return data, err
}

// PutBucketPolicy validates and stores a policy document verbatim, so GET
// returns the exact bytes that were PUT.
func (e *Engine) PutBucketPolicy(ctx context.Context, bucket string, document []byte) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	parsed, err := policy.Parse(document)
	if err != nil {
		return s3err.ErrMalformedPolicy.WithMessage("%s", err)
	}
	if err := parsed.Validate(); err != nil {
		return s3err.ErrMalformedPolicy.WithMessage("%s", err)
	}
	return e.meta.PutBucketConfig(ctx, bucket, metadata.ConfigPolicy, document)
}

// DeleteBucketPolicy removes the policy. Deleting an absent policy
// succeeds.
func (e *Engine) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	return e.meta.DeleteBucketConfig(ctx, bucket, metadata.ConfigPolicy)
}

// LookupBucketPolicy returns the parsed policy, or nil when none is set.
// Authorization uses this on every request, so parse failures of a stored
// document are surfaced rather than treated as "no policy".
func (e *Engine) LookupBucketPolicy(ctx context.Context, bucket string) (*policy.Policy, error) {
	data, err := e.meta.GetBucketConfig(ctx, bucket, metadata.ConfigPolicy)
	if err == metadata.ErrConfigNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy.Parse(data)
}

// GetBucketACL returns the bucket ACL. Every bucket has one from creation.
func (e *Engine) GetBucketACL(ctx context.Context, bucket string) (*policy.ACL, error) {
	meta, err := e.GetBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	data, err := e.meta.GetBucketConfig(ctx, bucket, metadata.ConfigACL)
	if err == metadata.ErrConfigNotFound {
		return policy.DefaultACL(meta.Owner), nil
	}
	if err != nil {
		return nil, err
	}
	return policy.ParseACL(data)
}

// PutBucketACL replaces the bucket ACL.
func (e *Engine) PutBucketACL(ctx context.Context, bucket string, acl *policy.ACL) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	data, err := acl.Encode()
	if err != nil {
		return err
	}
	return e.meta.PutBucketConfig(ctx, bucket, metadata.ConfigACL, data)
}

// PutBucketCannedACL applies a canned ACL by name.
func (e *Engine) PutBucketCannedACL(ctx context.Context, bucket, canned string) error {
	meta, err := e.GetBucket(ctx, bucket)
	if err != nil {
		return err
	}
	if !policy.IsCannedACL(canned) {
		return s3err.ErrInvalidArgument.WithMessage("unknown canned ACL %q", canned)
	}
	return e.PutBucketACL(ctx, bucket, policy.CannedACL(canned, meta.Owner))
}

// Tag is one key/value pair of a tag set.
type Tag struct {
	Key   string `json:"key" xml:"Key"`
	Value string `json:"value" xml:"Value"`
}

const maxTagsPerResource = 50

func validateTags(tags []Tag) error {
	if len(tags) > maxTagsPerResource {
		return s3err.ErrInvalidArgument.WithMessage("tag set exceeds %d tags", maxTagsPerResource)
	}
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if tag.Key == "" || len(tag.Key) > 128 {
			return s3err.ErrInvalidArgument.WithMessage("tag keys must be 1-128 characters")
		}
		if len(tag.Value) > 256 {
			return s3err.ErrInvalidArgument.WithMessage("tag values must be at most 256 characters")
		}
		if seen[tag.Key] {
			return s3err.ErrInvalidArgument.WithMessage("duplicate tag key %q", tag.Key)
		}
		seen[tag.Key] = true
	}
	return nil
}

func decodeTags(data []byte) ([]Tag, error) {
	var tags []Tag
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("invalid stored tag set: %w", err)
	}
	return tags, nil
}

// GetBucketTagging returns the bucket tag set.
func (e *Engine) GetBucketTagging(ctx context.Context, bucket string) ([]Tag, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	data, err := e.meta.GetBucketConfig(ctx, bucket, metadata.ConfigTagging)
	if err == metadata.ErrConfigNotFound {
		return nil, s3err.ErrNoSuchTagSet
	}
	if err != nil {
		return nil, err
	}
	return decodeTags(data)
}

// PutBucketTagging replaces the bucket tag set.
func (e *Engine) PutBucketTagging(ctx context.Context, bucket string, tags []Tag) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if err := validateTags(tags); err != nil {
		return err
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	return e.meta.PutBucketConfig(ctx, bucket, metadata.ConfigTagging, data)
}

// DeleteBucketTagging removes the bucket tag set. Idempotent.
func (e *Engine) DeleteBucketTagging(ctx context.Context, bucket string) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	return e.meta.DeleteBucketConfig(ctx, bucket, metadata.ConfigTagging)
}

// GetObjectTagging returns the tag set of one object version.
func (e *Engine) GetObjectTagging(ctx context.Context, bucket, key, versionID string) ([]Tag, string, error) {
	version, err := e.StatObject(ctx, bucket, key, versionID)
	if err != nil {
		return nil, "", err
	}
	data, err := e.meta.GetObjectTags(ctx, bucket, key)
	if err == metadata.ErrTagSetNotFound {
		return []Tag{}, version.VersionID, nil
	}
	if err != nil {
		return nil, "", err
	}
	tags, err := decodeTags(data)
	return tags, version.VersionID, err
}

// PutObjectTagging replaces the tag set of one object version.
func (e *Engine) PutObjectTagging(ctx context.Context, bucket, key, versionID string, tags []Tag) (string, error) {
	version, err := e.StatObject(ctx, bucket, key, versionID)
	if err != nil {
		return "", err
	}
	if err := validateTags(tags); err != nil {
		return "", err
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return version.VersionID, e.meta.PutObjectTags(ctx, bucket, key, data)
}

// DeleteObjectTagging removes the tag set of one object version.
func (e *Engine) DeleteObjectTagging(ctx context.Context, bucket, key, versionID string) (string, error) {
	version, err := e.StatObject(ctx, bucket, key, versionID)
	if err != nil {
		return "", err
	}
	return version.VersionID, e.meta.DeleteObjectTags(ctx, bucket, key)
}

// GetObjectACL returns the object ACL, defaulting to private owned by the
// object owner.
func (e *Engine) GetObjectACL(ctx context.Context, bucket, key, versionID string) (*policy.ACL, error) {
	version, err := e.StatObject(ctx, bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	data, err := e.meta.GetObjectACL(ctx, bucket, key)
	if err == metadata.ErrConfigNotFound {
		return policy.DefaultACL(version.Owner), nil
	}
	if err != nil {
		return nil, err
	}
	return policy.ParseACL(data)
}

// PutObjectACL replaces the object ACL.
func (e *Engine) PutObjectACL(ctx context.Context, bucket, key, versionID string, acl *policy.ACL) error {
	_, err := e.StatObject(ctx, bucket, key, versionID)
	if err != nil {
		return err
	}
	data, err := acl.Encode()
	if err != nil {
		return err
	}
	return e.meta.PutObjectACL(ctx, bucket, key, data)
}

// LifecycleConfiguration is a bucket's lifecycle rule set. The XML shape
// matches the S3 PutBucketLifecycleConfiguration body.
type LifecycleConfiguration struct {
	XMLName xml.Name        `xml:"LifecycleConfiguration" json:"-"`
	Rules   []LifecycleRule `xml:"Rule" json:"rules"`
}

// LifecycleRule expires current versions after a number of days and hard
// deletes noncurrent versions past a retention window.
type LifecycleRule struct {
	ID         string           `xml:"ID,omitempty" json:"id,omitempty"`
	Status     string           `xml:"Status" json:"status"`
	Filter     *LifecycleFilter `xml:"Filter,omitempty" json:"filter,omitempty"`
	Prefix     string           `xml:"Prefix,omitempty" json:"prefix,omitempty"`
	Expiration *struct {
		Days int `xml:"Days" json:"days"`
	} `xml:"Expiration,omitempty" json:"expiration,omitempty"`
	NoncurrentVersionExpiration *struct {
		NoncurrentDays          int `xml:"NoncurrentDays" json:"noncurrent_days"`
		NewerNoncurrentVersions int `xml:"NewerNoncurrentVersions,omitempty" json:"newer_noncurrent_versions,omitempty"`
	} `xml:"NoncurrentVersionExpiration,omitempty" json:"noncurrent_version_expiration,omitempty"`
}

// LifecycleFilter narrows a rule to keys under a prefix.
type LifecycleFilter struct {
	Prefix string `xml:"Prefix" json:"prefix"`
}

// KeyPrefix returns the effective prefix of the rule, whether it came from
// the Filter element or the legacy top-level Prefix.
func (r *LifecycleRule) KeyPrefix() string {
	if r.Filter != nil {
		return r.Filter.Prefix
	}
	return r.Prefix
}

// Enabled reports whether the rule is active.
func (r *LifecycleRule) Enabled() bool {
	return r.Status == "Enabled"
}

func (c *LifecycleConfiguration) validate() error {
	if len(c.Rules) == 0 {
		return s3err.ErrMalformedXML.WithMessage("lifecycle configuration must contain at least one rule")
	}
	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.Status != "Enabled" && rule.Status != "Disabled" {
			return s3err.ErrMalformedXML.WithMessage("rule status must be Enabled or Disabled")
		}
		if rule.Expiration == nil && rule.NoncurrentVersionExpiration == nil {
			return s3err.ErrMalformedXML.WithMessage("rule must specify an expiration action")
		}
		if rule.Expiration != nil && rule.Expiration.Days < 1 {
			return s3err.ErrMalformedXML.WithMessage("Expiration.Days must be a positive integer")
		}
		if nve := rule.NoncurrentVersionExpiration; nve != nil {
			if nve.NoncurrentDays < 1 {
				return s3err.ErrMalformedXML.WithMessage("NoncurrentDays must be a positive integer")
			}
			if nve.NewerNoncurrentVersions < 0 {
				return s3err.ErrMalformedXML.WithMessage("NewerNoncurrentVersions must not be negative")
			}
		}
	}
	return nil
}

// GetBucketLifecycle returns the stored lifecycle configuration.
func (e *Engine) GetBucketLifecycle(ctx context.Context, bucket string) (*LifecycleConfiguration, error) {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}
	data, err := e.meta.GetBucketConfig(ctx, bucket, metadata.ConfigLifecycle)
	if err == metadata.ErrConfigNotFound {
		return nil, s3err.ErrNoSuchLifecycle
	}
	if err != nil {
		return nil, err
	}
	var config LifecycleConfiguration
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("invalid stored lifecycle configuration: %w", err)
	}
	return &config, nil
}

// PutBucketLifecycle validates and stores the lifecycle configuration.
func (e *Engine) PutBucketLifecycle(ctx context.Context, bucket string, config *LifecycleConfiguration) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if err := config.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return e.meta.PutBucketConfig(ctx, bucket, metadata.ConfigLifecycle, data)
}

// DeleteBucketLifecycle removes the lifecycle configuration. Idempotent.
func (e *Engine) DeleteBucketLifecycle(ctx context.Context, bucket string) error {
	if _, err := e.GetBucket(ctx, bucket); err != nil {
		return err
	}
	return e.meta.DeleteBucketConfig(ctx, bucket, metadata.ConfigLifecycle)
}

// ParseACLFromXML decodes the S3 AccessControlPolicy request body into the
// stored ACL shape.
func ParseACLFromXML(data []byte) (*policy.ACL, error) {
	var doc accessControlPolicyXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, s3err.ErrMalformedXML.WithMessage("invalid AccessControlPolicy document")
	}
	acl := &policy.ACL{
		Owner: policy.Owner{ID: doc.Owner.ID, DisplayName: doc.Owner.DisplayName},
	}
	for _, grant := range doc.AccessControlList.Grants {
		acl.Grants = append(acl.Grants, policy.Grant{
			Grantee: policy.Grantee{
				Type:        grant.Grantee.Type,
				ID:          grant.Grantee.ID,
				DisplayName: grant.Grantee.DisplayName,
				URI:         grant.Grantee.URI,
			},
			Permission: grant.Permission,
		})
	}
	return acl, nil
}

type accessControlPolicyXML struct {
	XMLName xml.Name `xml:"AccessControlPolicy"`
	Owner   struct {
		ID          string `xml:"ID"`
		DisplayName string `xml:"DisplayName"`
	} `xml:"Owner"`
	AccessControlList struct {
		Grants []struct {
			Grantee struct {
				Type        string `xml:"type,attr"`
				ID          string `xml:"ID"`
				DisplayName string `xml:"DisplayName"`
				URI         string `xml:"URI"`
			} `xml:"Grantee"`
			Permission string `xml:"Permission"`
		} `xml:"Grant"`
	} `xml:"AccessControlList"`
}
