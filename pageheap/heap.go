package pageheap

import (
	"sync"

	"github.com/pkg/errors"
)

// Heap is the Heap Manager: it owns allocation (New), release (Delete),
// growth (GrowHeap), split/coalesce, and the incremental scavenger,
// behind one coarse lock -- "the page heap lock". It generalizes the
// runtime's single global mheap_ into an explicit, constructible type;
// Default() supplies an optional process-wide singleton.
type Heap struct {
	mu sync.Mutex

	cfg Config

	dir      *directory
	cache    *sizeClassCache
	normal   *freeIndex
	returned *freeIndex

	aggressiveDecommit bool
	scavengeCounter    int64

	counters counters

	spanPool sync.Pool
}

// New constructs a Heap. A zero Config (or any Option left unset)
// falls back to DefaultConfig's values, following the functional-
// options pattern used throughout this module's configuration types.
func New(cfg Config, opts ...Option) (*Heap, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.fillDefaults()

	h := &Heap{
		cfg:                cfg,
		dir:                newDirectory(cfg.PageShift, cfg.AddressBits),
		cache:              newSizeClassCache(cfg.SizeClassCacheCapacity),
		normal:             newFreeIndex(OnNormalFreelist),
		returned:           newFreeIndex(OnReturnedFreelist),
		aggressiveDecommit: cfg.AggressiveDecommit,
		scavengeCounter:    int64(cfg.InitialScavengeDelay),
	}
	return h, nil
}

func (h *Heap) pageBytes() uintptr { return h.cfg.PageSize() }

func (h *Heap) bytesOf(n Length) uint64 { return uint64(n) * uint64(h.pageBytes()) }

func (h *Heap) allocSpan() *Span {
	if v := h.spanPool.Get(); v != nil {
		return v.(*Span)
	}
	return &Span{}
}

// releaseSpanObj returns a destroyed span's record to the per-heap
// pool rather than discarding it: merging destroys one participant,
// and recycling the record avoids churning the allocator on every
// coalesce.
func (h *Heap) releaseSpanObj(s *Span) {
	*s = Span{}
	h.spanPool.Put(s)
}

func (h *Heap) publishEndpoints(s *Span) {
	h.dir.set(s.Start, s)
	if s.Length > 1 {
		h.dir.set(s.end()-1, s)
	}
}

func (h *Heap) insertNormal(s *Span) {
	h.normal.insert(s)
	h.counters.freeBytes.Add(h.bytesOf(s.Length))
}

func (h *Heap) removeNormal(s *Span) {
	h.normal.remove(s)
	h.counters.freeBytes.Add(-h.bytesOf(s.Length))
}

func (h *Heap) insertReturned(s *Span) {
	h.returned.insert(s)
	h.counters.unmappedBytes.Add(h.bytesOf(s.Length))
}

func (h *Heap) removeReturned(s *Span) {
	h.returned.remove(s)
	h.counters.unmappedBytes.Add(-h.bytesOf(s.Length))
}

func (h *Heap) removeFromFreeIndex(s *Span) {
	switch s.Location {
	case OnNormalFreelist:
		h.removeNormal(s)
	case OnReturnedFreelist:
		h.removeReturned(s)
	}
}

func (h *Heap) commitRangeLocked(s *Span) error {
	bytes := h.bytesOf(s.Length)
	if err := h.cfg.Allocator.SystemCommit(uintptr(s.Start)*h.pageBytes(), uintptr(bytes)); err != nil {
		return err
	}
	h.counters.commitCount.Add(1)
	h.counters.totalCommitBytes.Add(bytes)
	h.counters.committedBytes.Add(bytes)
	return nil
}

func (h *Heap) decommitRangeLocked(s *Span) error {
	bytes := h.bytesOf(s.Length)
	if err := h.cfg.Allocator.SystemDecommit(uintptr(s.Start)*h.pageBytes(), uintptr(bytes)); err != nil {
		return err
	}
	h.counters.decommitCount.Add(1)
	h.counters.totalDecommitBytes.Add(bytes)
	h.counters.committedBytes.Add(-bytes)
	return nil
}

func (h *Heap) invalidateCacheRangeLocked(start PageID, n Length) {
	for p := start; p < start.add(n); p++ {
		h.cache.Invalidate(p)
	}
}

// absorb merges neighbor into s in place, resolving the coalescing
// rule: normal+normal stays normal, returned+returned stays returned,
// and a mixed pair resolves to
// normal (recommitting the returned participant) unless aggressive
// decommit is set, in which case it resolves to returned (decommitting
// the normal participant). The OS call, if any, runs before any
// bookkeeping mutation, so a failure leaves both spans untouched.
func (h *Heap) absorb(s, neighbor *Span) error {
	var mergedLoc Location
	switch {
	case s.Location == neighbor.Location:
		mergedLoc = s.Location
	case h.aggressiveDecommit:
		mergedLoc = OnReturnedFreelist
		normalPart := s
		if neighbor.Location == OnNormalFreelist {
			normalPart = neighbor
		}
		if normalPart.Location == OnNormalFreelist {
			if err := h.decommitRangeLocked(normalPart); err != nil {
				return err
			}
		}
	default:
		mergedLoc = OnNormalFreelist
		returnedPart := s
		if neighbor.Location == OnReturnedFreelist {
			returnedPart = neighbor
		}
		if returnedPart.Location == OnReturnedFreelist {
			if err := h.commitRangeLocked(returnedPart); err != nil {
				return err
			}
		}
	}

	h.removeFromFreeIndex(neighbor)
	if neighbor.Start < s.Start {
		s.Start = neighbor.Start
	}
	s.Length += neighbor.Length
	s.Location = mergedLoc
	h.publishEndpoints(s)
	h.releaseSpanObj(neighbor)
	return nil
}

// coalesceLocked merges s with its left and right free neighbors, if
// any, discovered via the Span Directory rather than neighbor
// pointers, avoiding cyclic adjacency links between spans. s must not
// yet be inserted into either free index; the caller inserts whatever
// this returns.
func (h *Heap) coalesceLocked(s *Span) *Span {
	if s.Start > 0 {
		if left := h.dir.get(s.Start - 1); left != nil && left.Location != InUse && left.end() == s.Start {
			if err := h.absorb(s, left); err != nil {
				h.cfg.Logger.Error().Err(err).Msg("pageheap: coalesce left failed, leaving spans unmerged")
			}
		}
	}
	if right := h.dir.get(s.end()); right != nil && right.Location != InUse && right.Start == s.end() {
		if err := h.absorb(s, right); err != nil {
			h.cfg.Logger.Error().Err(err).Msg("pageheap: coalesce right failed, leaving spans unmerged")
		}
	}
	return s
}

// New carves an n-page span for the caller.
func (h *Heap) New(n Length) (*Span, error) {
	if n < 1 {
		return nil, errors.New("pageheap: New requires n >= 1")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.newLocked(n)
}

func (h *Heap) newLocked(n Length) (*Span, error) {
	s := h.normal.bestFit(n)
	fromReturned := false
	if s == nil {
		s = h.returned.bestFit(n)
		fromReturned = s != nil
	}
	if s == nil {
		if err := h.growHeapLocked(n); err != nil {
			h.cfg.Logger.Error().Err(err).Msgf("pageheap: New: GrowHeap(%d) failed", n)
			return nil, err
		}
		return h.newLocked(n)
	}

	if fromReturned {
		h.removeReturned(s)
	} else {
		h.removeNormal(s)
	}

	a := s
	if s.Length > n {
		remLen := s.Length - n
		remStart := s.Start.add(n)
		loc := s.Location
		a.Length = n
		b := h.allocSpan()
		b.reset(remStart, remLen, loc)
		h.publishEndpoints(a)
		h.publishEndpoints(b)
		if fromReturned {
			h.insertReturned(b)
		} else {
			h.insertNormal(b)
		}
	}

	if fromReturned {
		if err := h.commitRangeLocked(a); err != nil {
			h.insertReturned(a)
			h.cfg.Logger.Error().Err(err).Msg("pageheap: New: commit of returned span failed, falling back to GrowHeap")
			if err2 := h.growHeapLocked(n); err2 != nil {
				return nil, errors.Wrap(err, "pageheap: New: commit failed and GrowHeap also failed")
			}
			return h.newLocked(n)
		}
	}

	a.Location = InUse
	a.SizeClass = 0
	for p := a.Start; p < a.end(); p++ {
		h.dir.set(p, a)
	}
	h.invalidateCacheRangeLocked(a.Start, a.Length)
	h.counters.inUseBytes.Add(h.bytesOf(a.Length))

	h.cfg.Logger.Debug().Msgf("pageheap: New: carved span at page %d, %d pages", a.Start, a.Length)
	return a, nil
}

// growHeapLocked requests at least max(n, MinSystemAlloc) pages from
// the OS, registers the new range, coalesces it with whatever free
// neighbor it landed next to, and leaves it inserted for the caller's
// retry of New's allocation attempt.
func (h *Heap) growHeapLocked(n Length) error {
	req := n
	if req < h.cfg.MinSystemAlloc {
		req = h.cfg.MinSystemAlloc
	}

	if !h.ensureLimitLocked(req, true) {
		return errors.New("pageheap: GrowHeap: size ceiling exceeded")
	}

	bytes := h.bytesOf(req)
	addr, committed, err := h.cfg.Allocator.SystemAlloc(uintptr(bytes), h.pageBytes())
	if err != nil {
		return errors.Wrap(err, "pageheap: GrowHeap: OS allocation failed")
	}

	start := PageID(addr / h.pageBytes())
	if err := h.dir.ensure(start, req); err != nil {
		_ = h.cfg.Allocator.SystemRelease(addr, uintptr(bytes))
		return errors.Wrap(err, "pageheap: GrowHeap: directory ensure failed")
	}

	loc := OnReturnedFreelist
	if committed {
		loc = OnNormalFreelist
	}

	// free/unmapped bytes are counted when the span enters its index.
	h.counters.systemBytes.Add(bytes)
	if loc == OnNormalFreelist {
		h.counters.committedBytes.Add(bytes)
	}

	s := h.allocSpan()
	s.reset(start, req, loc)
	h.publishEndpoints(s)
	final := h.coalesceLocked(s)
	switch final.Location {
	case OnNormalFreelist:
		h.insertNormal(final)
	case OnReturnedFreelist:
		h.insertReturned(final)
	}

	h.cfg.Logger.Debug().Msgf("pageheap: GrowHeap: obtained %d pages at page %d, committed=%v", req, start, committed)
	return nil
}

// ensureLimitLocked checks the configured size ceiling. Releasing
// (decommitting) the largest normal span never reduces system_bytes,
// since system_bytes must stay monotone non-decreasing -- so
// allowRelease can only relieve real memory pressure for the upcoming
// SystemAlloc, never change this predicate's outcome once the ceiling
// is already exceeded. See DESIGN.md for the rationale.
func (h *Heap) ensureLimitLocked(n Length, allowRelease bool) bool {
	if h.cfg.SizeLimitBytes == 0 {
		return true
	}
	need := h.counters.systemBytes.Load() + h.bytesOf(n)
	if need <= h.cfg.SizeLimitBytes {
		return true
	}
	if !allowRelease {
		return false
	}
	for {
		sp := h.normal.largest()
		if sp == nil {
			break
		}
		if h.releaseSpanLocked(sp) == 0 {
			break
		}
	}
	return false
}

// Delete returns s to the heap, coalescing with adjacent free
// neighbors.
func (h *Heap) Delete(s *Span) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.Location != InUse {
		return errors.New("pageheap: Delete: span is not in use")
	}
	if s.SizeClass != 0 {
		return errors.New("pageheap: Delete: span still carries a size class; front end must clear it first")
	}

	freedPages := s.Length
	h.invalidateCacheRangeLocked(s.Start, s.Length)
	h.counters.inUseBytes.Add(-h.bytesOf(s.Length))

	s.Location = OnNormalFreelist
	final := h.coalesceLocked(s)

	switch final.Location {
	case OnNormalFreelist:
		h.insertNormal(final)
	case OnReturnedFreelist:
		h.insertReturned(final)
	}

	h.cfg.Logger.Debug().Msgf("pageheap: Delete: freed span now at page %d, %d pages", final.Start, final.Length)
	h.incrementalScavengeLocked(freedPages)
	return nil
}

// Split trims s to n pages and returns a new in-use span covering the
// remainder.
func (h *Heap) Split(s *Span, n Length) (*Span, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.Location != InUse {
		return nil, errors.New("pageheap: Split: span is not in use")
	}
	if s.SizeClass != 0 {
		return nil, errors.New("pageheap: Split: span carries a size class")
	}
	if n == 0 || n >= s.Length {
		return nil, errors.Errorf("pageheap: Split: n must satisfy 0 < n < %d", s.Length)
	}

	remLen := s.Length - n
	remStart := s.Start.add(n)
	t := h.allocSpan()
	t.reset(remStart, remLen, InUse)
	s.Length = n
	h.publishEndpoints(s)
	h.publishEndpoints(t)
	return t, nil
}

// RegisterSizeClass sets s.SizeClass and populates interior directory
// entries so any page of s maps back to s.
func (h *Heap) RegisterSizeClass(s *Span, sc uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.SizeClass = sc
	for p := s.Start; p < s.end(); p++ {
		h.dir.set(p, s)
	}
}

// GetDescriptor is the deallocation-path lookup. It is lock-free --
// the caller supplies synchronization for the returned span's contents.
func (h *Heap) GetDescriptor(p PageID) *Span {
	return h.dir.get(p)
}

// TryGetSizeClass consults the lossy page->sizeclass cache; a miss
// never implies the page is unknown, only that the caller must fall
// back to GetDescriptor.
func (h *Heap) TryGetSizeClass(p PageID) (uint32, bool) {
	return h.cache.TryGet(p)
}

// SetCachedSizeClass populates the lossy cache.
func (h *Heap) SetCachedSizeClass(p PageID, sc uint32) {
	h.cache.Put(p, sc)
}

// InvalidateCachedSizeClass clears p's cache slot; a no-op if p was
// not cached.
func (h *Heap) InvalidateCachedSizeClass(p PageID) {
	h.cache.Invalidate(p)
}

// SetAggressiveDecommit toggles the mixed-location coalescing policy.
// Idempotent: setting the same value twice does no extra work beyond
// the assignment.
func (h *Heap) SetAggressiveDecommit(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aggressiveDecommit = on
}
