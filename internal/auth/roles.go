package auth

// Role is the access level carried in a token's claims.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleRanks orders roles; a higher rank satisfies any lower requirement.
// Unknown roles rank zero and satisfy nothing.
var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole maps a claim string onto a known role.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role meets the required level.
func RoleAtLeast(role, required Role) bool {
	return roleRanks[role] >= roleRanks[required]
}
