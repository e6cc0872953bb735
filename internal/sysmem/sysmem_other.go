//go:build windows || plan9 || js

package sysmem

import "github.com/pkg/errors"

// Windows thread-local teardown and /proc/self/maps emulation are
// explicitly out of scope. This stub keeps the module buildable on
// those platforms without pretending to implement the real OS
// boundary.
type unsupportedAllocator struct{}

// NewOSAllocator on an unsupported platform returns an Allocator whose
// methods always fail; callers must supply their own via
// pageheap.WithAllocator.
func NewOSAllocator() Allocator { return unsupportedAllocator{} }

func (unsupportedAllocator) PageSize() uintptr { return 4096 }

func (unsupportedAllocator) SystemAlloc(uintptr, uintptr) (uintptr, bool, error) {
	return 0, false, errors.New("sysmem: unsupported platform")
}

func (unsupportedAllocator) SystemCommit(uintptr, uintptr) error {
	return errors.New("sysmem: unsupported platform")
}

func (unsupportedAllocator) SystemDecommit(uintptr, uintptr) error {
	return errors.New("sysmem: unsupported platform")
}

func (unsupportedAllocator) SystemRelease(uintptr, uintptr) error {
	return errors.New("sysmem: unsupported platform")
}
