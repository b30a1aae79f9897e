package vkmem

import "github.com/pkg/errors"

// ErrNotHostVisible is returned from mapping operations when the allocation
// lives in a memory type without the HOST_VISIBLE property.
var ErrNotHostVisible error = errors.New("allocation memory is not host-visible")

// ErrInvalidAllocation is returned when an operation receives a zero or
// already-freed allocation token.
var ErrInvalidAllocation error = errors.New("allocation is not valid")
