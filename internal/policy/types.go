package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a user's account role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// ParseRole normalizes s to a known role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleClient, RoleFreelancer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// ResourceKind names what a capability check is about.
type ResourceKind string

const (
	KindTimer    ResourceKind = "timer"
	KindProject  ResourceKind = "project"
	KindApproval ResourceKind = "approval"
	KindUpload   ResourceKind = "upload"
	KindProfile  ResourceKind = "profile"
)

// Subject is the caller.
type Subject struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Resource is the object being accessed.
type Resource struct {
	Kind           ResourceKind `json:"kind"`
	OwnerID        string       `json:"owner_id"`
	ProjectMembers []string     `json:"project_members"`
}

// Capabilities is the resolved permission set for a subject on a resource.
type Capabilities struct {
	CanView        bool `json:"can_view"`
	CanEdit        bool `json:"can_edit"`
	CanApprove     bool `json:"can_approve"`
	CanUpload      bool `json:"can_upload"`
	CanManageTimer bool `json:"can_manage_timer"`
}

func cacheKey(s Subject, r Resource) string {
	members := append([]string(nil), r.ProjectMembers...)
	sort.Strings(members)
	return strings.Join([]string{
		string(s.Role), s.UserID, string(r.Kind), r.OwnerID, strings.Join(members, ","),
	}, "|")
}

func input(s Subject, r Resource) map[string]interface{} {
	members := r.ProjectMembers
	if members == nil {
		members = []string{}
	}
	return map[string]interface{}{
		"subject": map[string]interface{}{
			"user_id": s.UserID,
			"role":    string(s.Role),
		},
		"resource": map[string]interface{}{
			"kind":            string(r.Kind),
			"owner_id":        r.OwnerID,
			"project_members": members,
		},
	}
}
