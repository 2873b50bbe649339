package policy

import (
	"encoding/json"
	"fmt"
)

// ACL permissions.
const (
	PermissionFullControl = "FULL_CONTROL"
	PermissionWrite       = "WRITE"
	PermissionWriteACP    = "WRITE_ACP"
	PermissionRead        = "READ"
	PermissionReadACP     = "READ_ACP"
)

// Grantee group URIs.
const (
	GroupAllUsers           = "http://acs.amazonaws.com/groups/global/AllUsers"
	GroupAuthenticatedUsers = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
)

// Grantee types.
const (
	GranteeTypeCanonicalUser = "CanonicalUser"
	GranteeTypeGroup         = "Group"
)

// Canned ACL names.
const (
	CannedPrivate           = "private"
	CannedPublicRead        = "public-read"
	CannedPublicReadWrite   = "public-read-write"
	CannedAuthenticatedRead = "authenticated-read"
)

// Owner identifies the resource owner.
type Owner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Grantee is the recipient of a grant: a canonical user id or a group URI.
type Grantee struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// Grant pairs a grantee with a permission.
type Grant struct {
	Grantee    Grantee `json:"grantee"`
	Permission string  `json:"permission"`
}

// ACL is an owner plus a grant list. The owner always implicitly holds
// FULL_CONTROL whether or not a grant says so.
type ACL struct {
	Owner  Owner   `json:"owner"`
	Grants []Grant `json:"grants"`
}

// ParseACL decodes a stored ACL document.
func ParseACL(data []byte) (*ACL, error) {
	var acl ACL
	if err := json.Unmarshal(data, &acl); err != nil {
		return nil, fmt.Errorf("invalid ACL document: %w", err)
	}
	return &acl, nil
}

// Encode serializes the ACL for storage.
func (a *ACL) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DefaultACL is the private ACL created with every bucket.
func DefaultACL(ownerID string) *ACL {
	return CannedACL(CannedPrivate, ownerID)
}

// CannedACL expands a canned ACL name into a grant list. Unknown names fall
// back to private.
func CannedACL(name, ownerID string) *ACL {
	acl := &ACL{
		Owner: Owner{ID: ownerID, DisplayName: ownerID},
		Grants: []Grant{{
			Grantee:    Grantee{Type: GranteeTypeCanonicalUser, ID: ownerID, DisplayName: ownerID},
			Permission: PermissionFullControl,
		}},
	}

	switch name {
	case CannedPublicRead:
		acl.Grants = append(acl.Grants, Grant{
			Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAllUsers},
			Permission: PermissionRead,
		})
	case CannedPublicReadWrite:
		acl.Grants = append(acl.Grants,
			Grant{
				Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAllUsers},
				Permission: PermissionRead,
			},
			Grant{
				Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAllUsers},
				Permission: PermissionWrite,
			})
	case CannedAuthenticatedRead:
		acl.Grants = append(acl.Grants, Grant{
			Grantee:    Grantee{Type: GranteeTypeGroup, URI: GroupAuthenticatedUsers},
			Permission: PermissionRead,
		})
	}

	return acl
}

// IsCannedACL reports whether name is a recognized canned ACL.
func IsCannedACL(name string) bool {
	switch name {
	case CannedPrivate, CannedPublicRead, CannedPublicReadWrite, CannedAuthenticatedRead:
		return true
	}
	return false
}

// Allows reports whether the ACL grants the required permission to the
// principal. The anonymous principal ("") belongs to AllUsers; any other
// non-owner principal additionally belongs to AuthenticatedUsers.
// FULL_CONTROL satisfies every requirement.
func (a *ACL) Allows(principal, permission string) bool {
	if a == nil {
		return false
	}
	if principal != "" && principal == a.Owner.ID {
		return true
	}

	for _, grant := range a.Grants {
		if grant.Permission != permission && grant.Permission != PermissionFullControl {
			continue
		}
		switch grant.Grantee.Type {
		case GranteeTypeCanonicalUser:
			if principal != "" && grant.Grantee.ID == principal {
				return true
			}
		case GranteeTypeGroup:
			if grant.Grantee.URI == GroupAllUsers {
				return true
			}
			if grant.Grantee.URI == GroupAuthenticatedUsers && principal != "" {
				return true
			}
		}
	}
	return false
}
