package ledger

import (
	"fmt"
	"slices"
)

type Role string

const (
	RoleMember Role = "member"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Principal is the caller's proof of who is acting. Every core operation
// takes one explicitly; nothing in the core assumes ambient privileges.
type Principal struct {
	MemberID    int64   `json:"member_id,omitempty"`
	BusinessIDs []int64 `json:"business_ids,omitempty"`
	Role        Role    `json:"role"`
}

// SystemPrincipal is used by scheduled jobs and the operator CLI.
func SystemPrincipal() Principal {
	return Principal{Role: RoleSystem}
}

func MemberPrincipal(memberID int64) Principal {
	return Principal{MemberID: memberID, Role: RoleMember}
}

func StaffPrincipal(memberID int64, businessIDs ...int64) Principal {
	return Principal{MemberID: memberID, BusinessIDs: businessIDs, Role: RoleStaff}
}

// Privileged reports whether p is an admin or the system.
func (p Principal) Privileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleSystem
}

// AuthorizeMember allows the member themself or a privileged principal.
func (p Principal) AuthorizeMember(memberID int64) error {
	if p.Privileged() {
		return nil
	}
	if p.MemberID != 0 && p.MemberID == memberID {
		return nil
	}
	return fmt.Errorf("%w: cannot act for member %d", ErrForbidden, memberID)
}

// AuthorizeBusiness allows staff of the business or a privileged principal.
func (p Principal) AuthorizeBusiness(businessID int64) error {
	if p.Privileged() {
		return nil
	}
	if p.Role == RoleStaff && slices.Contains(p.BusinessIDs, businessID) {
		return nil
	}
	return fmt.Errorf("%w: cannot act for business %d", ErrForbidden, businessID)
}

// AuthorizePrivileged allows only admins and the system.
func (p Principal) AuthorizePrivileged() error {
	if p.Privileged() {
		return nil
	}
	return fmt.Errorf("%w: requires admin", ErrForbidden)
}
