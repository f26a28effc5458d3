package auth

import "fmt"

// Role is the closed set of user roles.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleManager           Role = "manager"
	RoleBiller            Role = "biller"
	RoleRCMSpecialist     Role = "rcm_specialist"
	RoleAppealsSpecialist Role = "appeals_specialist"
)

// AllRoles lists every valid role.
var AllRoles = []Role{
	RoleAdmin,
	RoleManager,
	RoleBiller,
	RoleRCMSpecialist,
	RoleAppealsSpecialist,
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleBiller, RoleRCMSpecialist, RoleAppealsSpecialist:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// ParseRole returns the Role named s or an error for unknown names.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
