package auth

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

// Capability names a single permission flag of a CapabilitySet.
type Capability string

const (
	CanReadPrix            Capability = "canReadPrix"
	CanEditFormules        Capability = "canEditFormules"
	CanManageClients       Capability = "canManageClients"
	CanCreateBons          Capability = "canCreateBons"
	CanValidateTechnique   Capability = "canValidateTechnique"
	CanUpdateConsumption   Capability = "canUpdateConsumption"
	CanAssignTrucks        Capability = "canAssignTrucks"
	CanGenerateInvoice     Capability = "canGenerateInvoice"
	CanApproveDerogations  Capability = "canApproveDerogations"
	CanAdjustStockManually Capability = "canAdjustStockManually"
	CanViewStockModule     Capability = "canViewStockModule"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{
	CanReadPrix,
	CanEditFormules,
	CanManageClients,
	CanCreateBons,
	CanValidateTechnique,
	CanUpdateConsumption,
	CanAssignTrucks,
	CanGenerateInvoice,
	CanApproveDerogations,
	CanAdjustStockManually,
	CanViewStockModule,
}

// CapabilitySet is derived from a role and never stored.
type CapabilitySet struct {
	ReadPrix            bool `json:"canReadPrix"`
	EditFormules        bool `json:"canEditFormules"`
	ManageClients       bool `json:"canManageClients"`
	CreateBons          bool `json:"canCreateBons"`
	ValidateTechnique   bool `json:"canValidateTechnique"`
	UpdateConsumption   bool `json:"canUpdateConsumption"`
	AssignTrucks        bool `json:"canAssignTrucks"`
	GenerateInvoice     bool `json:"canGenerateInvoice"`
	ApproveDerogations  bool `json:"canApproveDerogations"`
	AdjustStockManually bool `json:"canAdjustStockManually"`
	ViewStockModule     bool `json:"canViewStockModule"`
}

// Resolve maps a role to its capabilities. It is total: unknown and empty
// roles get the minimal set.
func Resolve(role Role) CapabilitySet {
	admin := role.is(RoleCEO, RoleSupervisor)
	return CapabilitySet{
		ReadPrix:            admin,
		EditFormules:        admin,
		ManageClients:       admin || role.is(RoleFrontdesk),
		CreateBons:          admin || role.is(RoleFrontdesk),
		ValidateTechnique:   admin || role.is(RoleRespTechnique),
		UpdateConsumption:   admin || role.is(RoleCentraliste),
		AssignTrucks:        admin || role.is(RoleDirecteurOperationnel, RoleFrontdesk),
		GenerateInvoice:     admin || role.is(RoleFrontdesk),
		ApproveDerogations:  admin,
		AdjustStockManually: admin,
		// Null and unknown roles pass this one as well.
		ViewStockModule: !role.is(RoleCentraliste),
	}
}

// Has reports whether the named capability is granted.
func (c CapabilitySet) Has(want Capability) bool {
	switch want {
	case CanReadPrix:
		return c.ReadPrix
	case CanEditFormules:
		return c.EditFormules
	case CanManageClients:
		return c.ManageClients
	case CanCreateBons:
		return c.CreateBons
	case CanValidateTechnique:
		return c.ValidateTechnique
	case CanUpdateConsumption:
		return c.UpdateConsumption
	case CanAssignTrucks:
		return c.AssignTrucks
	case CanGenerateInvoice:
		return c.GenerateInvoice
	case CanApproveDerogations:
		return c.ApproveDerogations
	case CanAdjustStockManually:
		return c.AdjustStockManually
	case CanViewStockModule:
		return c.ViewStockModule
	default:
		return false
	}
}

// Names returns the granted capabilities in AllCapabilities order.
func (c CapabilitySet) Names() []Capability {
	return lo.Filter(AllCapabilities, func(name Capability, _ int) bool {
		return c.Has(name)
	})
}

// Actor is the authenticated identity an operation runs as. It is passed
// explicitly to every engine call.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// Capabilities resolves the actor's role on every call.
func (a Actor) Capabilities() CapabilitySet {
	return Resolve(a.Role)
}

// DisplayName falls back to the id when no name is known.
func (a Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// ErrPermissionDenied matches every PermissionError.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionError indicates the actor's role lacks a capability.
type PermissionError struct {
	Capability Capability
	Role       Role
}

func (e PermissionError) Error() string {
	role := string(e.Role)
	if role == "" {
		role = "<none>"
	}
	return fmt.Sprintf("permission denied: role %s lacks %s", role, e.Capability)
}

func (e PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Require returns a PermissionError unless the actor holds want.
func Require(actor Actor, want Capability) error {
	if actor.Capabilities().Has(want) {
		return nil
	}
	return PermissionError{Capability: want, Role: actor.Role}
}

// Override authority is not part of CapabilitySet; it is reported under
// this pseudo capability name.
const OverrideAuthority Capability = "overrideAuthority"

// RequireOverride returns a PermissionError unless the actor may roll back.
func RequireOverride(actor Actor) error {
	if actor.Role.HasOverrideAuthority() {
		return nil
	}
	return PermissionError{Capability: OverrideAuthority, Role: actor.Role}
}
