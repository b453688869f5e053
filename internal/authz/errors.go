package authz

import "errors"

var (
	ErrNotFound        = errors.New("authz: not found")
	ErrConflict        = errors.New("authz: resource conflict")
	ErrInvalidInput    = errors.New("authz: invalid input")
	ErrForbidden       = errors.New("authz: forbidden")
	ErrAlreadyResolved = errors.New("authz: request already resolved")
)
