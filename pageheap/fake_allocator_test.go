package pageheap

import (
	"sync"

	"github.com/pkg/errors"
)

// fakeAllocator is an in-memory stand-in for sysmem.Allocator: it
// hands out ever-increasing fake addresses instead of calling mmap,
// records which range bases were last committed or decommitted, and
// lets tests inject failures.
type fakeAllocator struct {
	mu        sync.Mutex
	pageSize  uintptr
	next      uintptr
	committed map[uintptr]bool

	failCommit    bool
	failDecommit  bool
	failAlloc     bool
	commitFailures int // when > 0, SystemCommit fails and decrements this instead of consulting failCommit
}

func newFakeAllocator(pageSize uintptr) *fakeAllocator {
	return &fakeAllocator{
		pageSize:  pageSize,
		next:      pageSize, // keep address 0 unused so PageID 0 is a real, distinguishable page
		committed: make(map[uintptr]bool),
	}
}

func (a *fakeAllocator) PageSize() uintptr { return a.pageSize }

func (a *fakeAllocator) SystemAlloc(bytes, alignment uintptr) (uintptr, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAlloc {
		return 0, false, errors.New("fakeAllocator: SystemAlloc forced failure")
	}
	addr := a.next // a.next is always a multiple of the page size, which is all SystemAlloc ever needs to satisfy here
	a.next = addr + bytes
	return addr, false, nil
}

func (a *fakeAllocator) SystemCommit(addr, bytes uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.commitFailures > 0 {
		a.commitFailures--
		return errors.New("fakeAllocator: SystemCommit forced failure")
	}
	if a.failCommit {
		return errors.New("fakeAllocator: SystemCommit forced failure")
	}
	a.committed[addr] = true
	return nil
}

func (a *fakeAllocator) SystemDecommit(addr, bytes uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failDecommit {
		return errors.New("fakeAllocator: SystemDecommit forced failure")
	}
	a.committed[addr] = false
	return nil
}

func (a *fakeAllocator) SystemRelease(addr, bytes uintptr) error {
	return a.SystemDecommit(addr, bytes)
}
