package models

import "fmt"

// Role identifies a workflow participant. The set is fixed: agent identity is
// validated at construction instead of being interned at runtime.
type Role string

const (
	RoleCTO             Role = "cto"
	RoleCHRO            Role = "chro"
	RoleOperationsHead  Role = "operations_head"
	RoleProductManager  Role = "product_manager"
	RoleSeniorArchitect Role = "senior_architect"
	RoleUIUXEngineer    Role = "uiux_engineer"
	RoleSeniorDeveloper Role = "senior_developer"
	RoleTestLead        Role = "test_lead"
	RoleApprover        Role = "approver"

	// RoleOrchestrator is the engine's own sender identity on the message bus.
	RoleOrchestrator Role = "orchestrator"
)

// RoleBroadcast is the broadcast destination marker. It is valid only as a
// message recipient, never as a sender or heartbeat identity.
const RoleBroadcast Role = "*"

// allRoles fixes the enumeration order used by liveness reports.
var allRoles = []Role{
	RoleCTO,
	RoleCHRO,
	RoleOperationsHead,
	RoleProductManager,
	RoleSeniorArchitect,
	RoleUIUXEngineer,
	RoleSeniorDeveloper,
	RoleTestLead,
	RoleApprover,
	RoleOrchestrator,
}

var roleTable = func() map[Role]struct{} {
	table := make(map[Role]struct{}, len(allRoles))
	for _, role := range allRoles {
		table[role] = struct{}{}
	}

	return table
}()

// ParseRole validates a raw role name against the fixed role table.
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if _, ok := roleTable[role]; !ok {
		return "", fmt.Errorf("unknown role: %q", s)
	}

	return role, nil
}

// Valid reports whether the role is part of the fixed role table.
func (r Role) Valid() bool {
	_, ok := roleTable[r]

	return ok
}

// Roles returns every role in declaration order, for liveness enumeration.
// The order is stable so operational reports don't shuffle between calls.
func Roles() []Role {
	roles := make([]Role, len(allRoles))
	copy(roles, allRoles)

	return roles
}
