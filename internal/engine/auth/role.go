package auth

import "strings"

// Role is the role string stored for an actor. The zero value stands for a
// missing role (session not loaded yet, or user without assignment).
type Role string

const (
	RoleNone                  Role = ""
	RoleCEO                   Role = "ceo"
	RoleSupervisor            Role = "supervisor"
	RoleRespTechnique         Role = "resp_technique"
	RoleFrontdesk             Role = "frontdesk"
	RoleDirecteurOperationnel Role = "directeur_operationnel"
	RoleCentraliste           Role = "centraliste"
)

// Legacy role names still present in user records.
var aliases = map[Role]Role{
	"superviseur":           RoleSupervisor,
	"responsable_technique": RoleRespTechnique,
	"directeur_operations":  RoleDirecteurOperationnel,
	"agent_administratif":   RoleFrontdesk,
}

var canonicalRoles = []Role{
	RoleCEO,
	RoleSupervisor,
	RoleRespTechnique,
	RoleFrontdesk,
	RoleDirecteurOperationnel,
	RoleCentraliste,
}

// ParseRole trims the raw value. It never fails; unknown values stay as-is
// and resolve to the minimal capability set.
func ParseRole(raw string) Role {
	return Role(strings.TrimSpace(raw))
}

// Canonical maps legacy aliases onto their canonical role.
func (r Role) Canonical() Role {
	if c, ok := aliases[r]; ok {
		return c
	}
	return r
}

// Known reports whether the role (after alias resolution) is one of the
// canonical roles.
func (r Role) Known() bool {
	c := r.Canonical()
	for _, k := range canonicalRoles {
		if c == k {
			return true
		}
	}
	return false
}

// HasOverrideAuthority reports whether the role may reopen validated documents.
func (r Role) HasOverrideAuthority() bool {
	switch r.Canonical() {
	case RoleCEO, RoleSupervisor:
		return true
	}
	return false
}

func (r Role) is(roles ...Role) bool {
	c := r.Canonical()
	for _, want := range roles {
		if c == want {
			return true
		}
	}
	return false
}

// CanonicalRoles lists the canonical roles in display order.
func CanonicalRoles() []Role {
	out := make([]Role, len(canonicalRoles))
	copy(out, canonicalRoles)
	return out
}

// Aliases returns a copy of the legacy alias table.
func Aliases() map[Role]Role {
	out := make(map[Role]Role, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}
