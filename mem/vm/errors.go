package vm

import "errors"

// Errors returned by address-space operations.
var (
	ErrOverlap        = errors.New("range overlaps an existing mapping")
	ErrNotMapped      = errors.New("range is not mapped")
	ErrInvalidRange   = errors.New("invalid range")
	ErrInvalidMapping = errors.New("invalid mapping")
	ErrInvalidPerm    = errors.New("invalid permission")
	ErrNoSpace        = errors.New("no free virtual range large enough")
	ErrDestroyed      = errors.New("address space destroyed")
	ErrKernelSpace    = errors.New("operation not allowed on the kernel address space")
	ErrActive         = errors.New("address space is active on a core")
)
