package rbac

import "errors"

var (
	ErrRoleNotFound       = errors.New("rbac: role not found")
	ErrAssignmentNotFound = errors.New("rbac: assignment not found")
	ErrRequestNotFound    = errors.New("rbac: role request not found")
	ErrDelegationNotFound = errors.New("rbac: delegation not found")
	ErrInvalidScope       = errors.New("rbac: invalid scope")
	ErrInvalidState       = errors.New("rbac: invalid state transition")
	ErrUnauthorized       = errors.New("rbac: unauthorized")
	ErrInvalidWindow      = errors.New("rbac: invalid delegation window")
	ErrSelfDelegation     = errors.New("rbac: cannot delegate to self")
	ErrUnknownIdentity    = errors.New("rbac: unknown identity")
	ErrStorageConflict    = errors.New("rbac: storage conflict")
	ErrInvalidInput       = errors.New("rbac: invalid input")
)
