package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not a power
// of two. name identifies the offending value in the error message.
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment. alignment must
// be a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment. alignment
// must be a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
