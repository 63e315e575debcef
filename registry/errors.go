package registry

import "errors"

var (
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid node state")
	ErrInvalidStatus = errors.New("invalid node status")
)
