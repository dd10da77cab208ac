package memheap

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 verifies a size or alignment is a power of two. Descriptor heap
// offsets and state alignments are all power-of-two quantities.
func CheckPow2[T Number](value T, name string) error {
	if value&(value-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, value)
	}
	return nil
}

// AlignUp rounds a heap offset or size up to the given power-of-two
// alignment.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds a heap offset down to the given power-of-two alignment.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
