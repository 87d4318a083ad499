package domain

import "strings"

type Role string

const (
	RoleObserver   Role = "observer"
	RoleMember     Role = "member"
	RoleMaintainer Role = "maintainer"
	RoleOwner      Role = "owner"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleObserver:
		return RoleObserver, true
	case RoleMember:
		return RoleMember, true
	case RoleMaintainer:
		return RoleMaintainer, true
	case RoleOwner:
		return RoleOwner, true
	default:
		return "", false
	}
}
