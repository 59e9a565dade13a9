package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPermissionCode is returned when a code is not registered in the catalog
	ErrUnknownPermissionCode = errors.New("unknown permission code")

	// ErrInvalidPermissionCode is returned when a code is not of the form area.resource.action
	ErrInvalidPermissionCode = errors.New("invalid permission code")

	// ErrRoleUnknownInTenant is returned when a role name is neither a global role
	// nor a role defined for the tenant
	ErrRoleUnknownInTenant = errors.New("role unknown in tenant")

	// ErrSystemOnlyRole is returned when a role that can only be held
	// system-wide is assigned within a tenant
	ErrSystemOnlyRole = errors.New("role can only be held system-wide")

	// ErrInvalidGlobalRole is returned for names outside the fixed global role set
	ErrInvalidGlobalRole = errors.New("invalid global role")

	// ErrInvalidRoleName is returned for malformed tenant role names
	ErrInvalidRoleName = errors.New("invalid role name")

	ErrTenantRoleExists   = errors.New("tenant role already exists")
	ErrTenantRoleNotFound = errors.New("tenant role not found")

	// ErrInvalidExpiry is returned when a grant or deny expires at or before the time it is written
	ErrInvalidExpiry = errors.New("expiry must be in the future")

	// ErrEmptyIdentifier is returned when a user or tenant id is empty
	ErrEmptyIdentifier = errors.New("identifier must not be empty")

	// ErrVersionConflict is returned when an upsert precondition does not match the stored row
	ErrVersionConflict = errors.New("version conflict")
)

// ConflictError describes a failed optimistic-concurrency precondition
type ConflictError struct {
	Key      string
	Expected int64
	// Actual is 0 when the row does not exist
	Actual int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// IsValidationError reports whether err is a caller input problem
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidPermissionCode) ||
		errors.Is(err, ErrInvalidGlobalRole) ||
		errors.Is(err, ErrInvalidRoleName) ||
		errors.Is(err, ErrSystemOnlyRole) ||
		errors.Is(err, ErrInvalidExpiry) ||
		errors.Is(err, ErrEmptyIdentifier)
}
