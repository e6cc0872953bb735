//go:build !windows && !plan9 && !js

package sysmem

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// osAllocator is the real implementation: reserve with Mmap
// PROT_NONE, commit by Mprotect to PROT_READ|PROT_WRITE, decommit and
// release via Madvise. The Go runtime's mem_linux.go/defs_linux_amd64.go
// name the same flags (_PROT_NONE, _MAP_ANON, _MAP_PRIVATE, the
// MADV_DONTNEED/MADV_FREE decommit choice) without this package's
// syscall plumbing, since the runtime calls into its own assembly
// stubs instead of a public syscall package.
type osAllocator struct {
	pageSize uintptr
}

// NewOSAllocator returns an Allocator backed by real mmap/mprotect/madvise.
func NewOSAllocator() Allocator {
	return &osAllocator{pageSize: uintptr(os.Getpagesize())}
}

func (a *osAllocator) PageSize() uintptr { return a.pageSize }

// SystemAlloc reserves address space with PROT_NONE -- unreadable,
// unwritable, and not counted against the process's resident set --
// then trims any slack introduced to satisfy alignment. The returned
// range is never committed (committed=false): the page heap must call
// SystemCommit before touching it.
func (a *osAllocator) SystemAlloc(bytes, alignment uintptr) (uintptr, bool, error) {
	if bytes == 0 {
		return 0, false, errors.New("sysmem: zero-length allocation")
	}
	reserve := bytes
	if alignment > a.pageSize {
		reserve += alignment
	}
	mem, err := unix.Mmap(-1, 0, int(reserve), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return 0, false, errors.Wrap(err, "sysmem: mmap reserve failed")
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	aligned := alignUp(base, alignment)

	if head := aligned - base; head > 0 {
		if err := unix.Munmap(mem[:head]); err != nil {
			return 0, false, errors.Wrap(err, "sysmem: trim alignment head failed")
		}
	}
	tailStart := aligned - base + bytes
	if tailStart < uintptr(len(mem)) {
		if err := unix.Munmap(mem[tailStart:]); err != nil {
			return 0, false, errors.Wrap(err, "sysmem: trim alignment tail failed")
		}
	}
	return aligned, false, nil
}

func addrSlice(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}

// SystemCommit transitions Reserved -> Ready by granting read/write
// access, the same transition rsc's span.Expand performs with Mprotect.
func (a *osAllocator) SystemCommit(addr, bytes uintptr) error {
	if err := unix.Mprotect(addrSlice(addr, bytes), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "sysmem: mprotect commit failed")
	}
	return nil
}

// SystemDecommit relinquishes physical backing via MADV_DONTNEED,
// matching the Go runtime's default (non-harddecommit) Linux behavior:
// the mapping stays readable and writable, but its pages are zero-
// filled on next touch and no longer count against RSS.
func (a *osAllocator) SystemDecommit(addr, bytes uintptr) error {
	if err := unix.Madvise(addrSlice(addr, bytes), unix.MADV_DONTNEED); err != nil {
		return errors.Wrap(err, "sysmem: madvise(MADV_DONTNEED) failed")
	}
	return nil
}

// SystemRelease is a stronger hint than SystemDecommit: it tries
// MADV_FREE first (lets the kernel reclaim lazily, cheaper under
// memory pressure) and falls back to MADV_DONTNEED when the platform
// or kernel doesn't support it.
func (a *osAllocator) SystemRelease(addr, bytes uintptr) error {
	if err := unix.Madvise(addrSlice(addr, bytes), unix.MADV_FREE); err == nil {
		return nil
	}
	return a.SystemDecommit(addr, bytes)
}
