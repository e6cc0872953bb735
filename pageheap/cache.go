package pageheap

import "sync/atomic"

// sizeClassCache is a lossy, fixed-capacity, direct-mapped page-to-
// sizeclass accelerator for the deallocation fast path only, never
// authoritative. Size class 0 is the sentinel for "unknown" or "empty
// slot" and must never be cached, matching the convention of treating
// zero specially (mspan's sizeclass 0 means "large object or free").
//
// Slots are a PageID tag plus a size class, packed so TryGet/Put can
// use a single atomic load/store each -- no locking.
type sizeClassCache struct {
	mask  uint
	slots []atomic.Uint64
}

// cache slot layout: high 32 bits are (tag+1) so zero means empty,
// low 32 bits are the size class.
func packSlot(tag PageID, sizeClass uint32) uint64 {
	return (uint64(tag)+1)<<32 | uint64(sizeClass)
}

func unpackSlot(v uint64) (tag PageID, sizeClass uint32, present bool) {
	if v == 0 {
		return 0, 0, false
	}
	return PageID((v >> 32) - 1), uint32(v), true
}

func newSizeClassCache(capacity uint) *sizeClassCache {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		capacity = nextPow2(capacity)
	}
	return &sizeClassCache{
		mask:  uint(capacity - 1),
		slots: make([]atomic.Uint64, capacity),
	}
}

func nextPow2(n uint) uint {
	if n < 1 {
		return 1
	}
	p := uint(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (c *sizeClassCache) index(p PageID) uint {
	return uint(p) & c.mask
}

// TryGet returns the cached size class for p, if any. A miss or a
// stale tag (another page aliased to the same slot) both report
// found=false; correctness never depends on a hit.
func (c *sizeClassCache) TryGet(p PageID) (sizeClass uint32, found bool) {
	v := c.slots[c.index(p)].Load()
	tag, sc, ok := unpackSlot(v)
	if !ok || tag != p || sc == 0 {
		return 0, false
	}
	return sc, true
}

// Put unconditionally overwrites the slot for p. sizeClass 0 is
// rejected -- it is the sentinel, never a cacheable value.
func (c *sizeClassCache) Put(p PageID, sizeClass uint32) {
	if sizeClass == 0 {
		return
	}
	c.slots[c.index(p)].Store(packSlot(p, sizeClass))
}

// Invalidate clears the slot for p if it currently holds p. It is a
// no-op if p is not cached (possibly because another page now
// occupies the slot) -- repeated calls with the same page are idempotent.
func (c *sizeClassCache) Invalidate(p PageID) {
	slot := &c.slots[c.index(p)]
	for {
		v := slot.Load()
		tag, _, ok := unpackSlot(v)
		if !ok || tag != p {
			return
		}
		if slot.CompareAndSwap(v, 0) {
			return
		}
	}
}
