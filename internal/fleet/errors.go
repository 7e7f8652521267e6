package fleet

import "errors"

var (
	// ErrDuplicateServer is returned when adding a profile whose name
	// is already registered.
	ErrDuplicateServer = errors.New("server already exists")

	// ErrServerNotFound is returned for operations on an unknown
	// server name.
	ErrServerNotFound = errors.New("server not found")

	// ErrDuplicateGroup is returned when creating a group whose name
	// is already registered.
	ErrDuplicateGroup = errors.New("group already exists")
)
