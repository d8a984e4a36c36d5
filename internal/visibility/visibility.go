// Package visibility decides which viewers may read a board post.
package visibility

import (
	"strings"

	"haven/api/internal/rbac"
)

type Mode string

const (
	ModePublic       Mode = "public"
	ModeAuthorOnly   Mode = "author_only_implicit"
	ModeRoleBased    Mode = "role_based"
	ModeUserSpecific Mode = "user_specific"
)

// Subject is everything the evaluator needs to know about a post.
type Subject struct {
	Mode     Mode     `json:"mode"`
	AuthorID string   `json:"authorId"`
	Roles    []string `json:"roles,omitempty"`
	Users    []string `json:"users,omitempty"`
}

// CanView applies the rules in order; the first match grants access.
func CanView(subject Subject, viewerID, viewerRole string) bool {
	if subject.Mode == ModePublic {
		return true
	}
	if viewerID != "" && subject.AuthorID == viewerID {
		return true
	}
	if rbac.IsAdmin(viewerRole) {
		return true
	}
	switch subject.Mode {
	case ModeRoleBased:
		return viewerRole != "" && contains(subject.Roles, viewerRole)
	case ModeUserSpecific:
		return viewerID != "" && contains(subject.Users, viewerID)
	default:
		return false
	}
}

func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModePublic:
		return ModePublic, true
	case ModeAuthorOnly:
		return ModeAuthorOnly, true
	case ModeRoleBased:
		return ModeRoleBased, true
	case ModeUserSpecific:
		return ModeUserSpecific, true
	default:
		return "", false
	}
}

// Grants returns the grant set a post with the given mode persists. Grants that
// do not apply to the mode are dropped.
func Grants(mode Mode, roles, users []string) ([]string, []string) {
	switch mode {
	case ModeRoleBased:
		return dedupe(roles), []string{}
	case ModeUserSpecific:
		return []string{}, dedupe(users)
	default:
		return []string{}, []string{}
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
