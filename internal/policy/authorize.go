package policy

import (
	"strings"
)

// RequiredPermission maps an S3 action to the ACL permission that satisfies
// it when no policy decides the request.
func RequiredPermission(action string) string {
	switch action {
	case "s3:GetBucketAcl", "s3:GetObjectAcl":
		return PermissionReadACP
	case "s3:PutBucketAcl", "s3:PutObjectAcl":
		return PermissionWriteACP
	}
	if strings.HasPrefix(action, "s3:Get") || strings.HasPrefix(action, "s3:List") || strings.HasPrefix(action, "s3:Head") {
		return PermissionRead
	}
	return PermissionWrite
}

// Request is one authorization question.
type Request struct {
	Principal string // "" for anonymous
	Action    string // e.g. "s3:GetObject"
	Resource  string // ARN
	Owner     string // bucket owner principal id
	ACL       *ACL
	Policy    *Policy
}

// Authorize applies the access decision rule:
//  1. the bucket owner is always allowed;
//  2. a matching explicit policy Deny denies, a matching Allow allows;
//  3. otherwise ACL grants decide;
//  4. otherwise implicit deny.
func Authorize(req Request) bool {
	if req.Principal != "" && req.Principal == req.Owner {
		return true
	}

	if req.Policy != nil {
		switch req.Policy.Evaluate(req.Principal, req.Action, req.Resource) {
		case DecisionDeny:
			return false
		case DecisionAllow:
			return true
		}
	}

	return req.ACL.Allows(req.Principal, RequiredPermission(req.Action))
}
