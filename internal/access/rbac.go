package access

import "github.com/tasklane/tasklane/internal/domain"

var roleLevels = map[domain.Role]int{
	domain.RoleObserver:   1,
	domain.RoleMember:     2,
	domain.RoleMaintainer: 3,
	domain.RoleOwner:      4,
}

// Rank returns the level of a role; unknown roles rank 0.
func Rank(role domain.Role) int {
	if r, ok := domain.ParseRole(string(role)); ok {
		return roleLevels[r]
	}
	return 0
}

// HasAtLeast reports whether membership's role ranks at or above required.
func HasAtLeast(membership domain.Membership, required domain.Role) bool {
	requiredLevel := Rank(required)
	if requiredLevel == 0 {
		return false
	}
	return Rank(membership.Role) >= requiredLevel
}
