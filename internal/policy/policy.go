package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StringOrSlice is a JSON value that may be a single string or a list of
// strings, the "one or many" shape IAM documents use for Action and
// Resource. Values() normalizes; anything deeper than a flat list is
// rejected at parse time.
type StringOrSlice struct {
	values []string
}

// UnmarshalJSON accepts "x" or ["x","y"].
func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		s.values = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		s.values = many
		return nil
	}
	return fmt.Errorf("value must be a string or a list of strings")
}

// MarshalJSON emits a bare string for single values.
func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	if len(s.values) == 1 {
		return json.Marshal(s.values[0])
	}
	return json.Marshal(s.values)
}

// Values returns the normalized list.
func (s StringOrSlice) Values() []string {
	return s.values
}

// NewStringOrSlice builds a value from a list.
func NewStringOrSlice(values ...string) StringOrSlice {
	return StringOrSlice{values: values}
}

// Principal is either the wildcard "*" or {"AWS": "<id>"|[...ids]}.
type Principal struct {
	wildcard bool
	aws      []string
}

// UnmarshalJSON accepts "*" or an object with an AWS key.
func (p *Principal) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str != "*" {
			return fmt.Errorf("principal string must be \"*\"")
		}
		p.wildcard = true
		return nil
	}
	var obj struct {
		AWS StringOrSlice `json:"AWS"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("principal must be \"*\" or {\"AWS\": ...}")
	}
	if len(obj.AWS.Values()) == 0 {
		return fmt.Errorf("principal is missing an AWS entry")
	}
	p.aws = obj.AWS.Values()
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (p Principal) MarshalJSON() ([]byte, error) {
	if p.wildcard {
		return json.Marshal("*")
	}
	return json.Marshal(map[string]StringOrSlice{"AWS": NewStringOrSlice(p.aws...)})
}

// Matches reports whether the principal clause covers the given identity.
// The anonymous principal is the empty string and is only matched by "*".
func (p Principal) Matches(principal string) bool {
	if p.wildcard {
		return true
	}
	for _, id := range p.aws {
		if id == "*" || id == principal {
			return true
		}
	}
	return false
}

// Statement is one policy statement.
type Statement struct {
	Sid       string        `json:"Sid,omitempty"`
	Effect    string        `json:"Effect"`
	Principal Principal     `json:"Principal"`
	Action    StringOrSlice `json:"Action"`
	Resource  StringOrSlice `json:"Resource"`
}

// Policy is a bucket policy document.
type Policy struct {
	Version   string      `json:"Version"`
	ID        string      `json:"Id,omitempty"`
	Statement []Statement `json:"Statement"`
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the structural rules a stored policy must satisfy.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("policy version is required")
	}
	if len(p.Statement) == 0 {
		return fmt.Errorf("policy must have at least one statement")
	}
	for i, stmt := range p.Statement {
		if stmt.Effect != "Allow" && stmt.Effect != "Deny" {
			return fmt.Errorf("statement %d: effect must be 'Allow' or 'Deny'", i)
		}
		if len(stmt.Action.Values()) == 0 {
			return fmt.Errorf("statement %d: must specify at least one action", i)
		}
		if len(stmt.Resource.Values()) == 0 {
			return fmt.Errorf("statement %d: must specify at least one resource", i)
		}
	}
	return nil
}

// Decision is the outcome of policy evaluation.
type Decision int

const (
	// DecisionNone means no statement matched; evaluation falls through to ACLs.
	DecisionNone Decision = iota
	// DecisionAllow means a matching Allow exists and no matching Deny.
	DecisionAllow
	// DecisionDeny means a matching explicit Deny exists; it beats any Allow.
	DecisionDeny
)

// Evaluate runs the statement set against (principal, action, resource).
// An explicit Deny always wins.
func (p *Policy) Evaluate(principal, action, resource string) Decision {
	if p == nil {
		return DecisionNone
	}

	decision := DecisionNone
	for _, stmt := range p.Statement {
		if !stmt.matches(principal, action, resource) {
			continue
		}
		if stmt.Effect == "Deny" {
			return DecisionDeny
		}
		decision = DecisionAllow
	}
	return decision
}

func (s Statement) matches(principal, action, resource string) bool {
	if !s.Principal.Matches(principal) {
		return false
	}
	if !matchAny(s.Action.Values(), action, matchAction) {
		return false
	}
	return matchAny(s.Resource.Values(), resource, matchResource)
}

func matchAny(patterns []string, value string, match func(pattern, value string) bool) bool {
	for _, pattern := range patterns {
		if match(pattern, value) {
			return true
		}
	}
	return false
}

// matchAction matches exact actions plus the "*", "s3:*" and trailing-star
// wildcard forms.
func matchAction(pattern, action string) bool {
	if pattern == action || pattern == "*" || pattern == "s3:*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(action, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// matchResource matches ARN patterns exactly or by trailing-star prefix.
func matchResource(pattern, resource string) bool {
	if pattern == resource || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// BucketARN returns the ARN of a bucket resource.
func BucketARN(bucket string) string {
	return "arn:aws:s3:::" + bucket
}

// ObjectARN returns the ARN of an object resource.
func ObjectARN(bucket, key string) string {
	return "arn:aws:s3:::" + bucket + "/" + key
}
