package pageheap

import "github.com/pkg/errors"

// Check performs a lightweight invariant audit: the counter identity
// committed+unmapped <= system and free+unmapped+inUse == system. It
// panics on violation -- there is no meaningful recovery from a
// corrupted heap, the same posture the Go runtime throws a
// fatal error over a broken mheap invariant.
func (h *Heap) Check() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkCountersLocked()
}

func (h *Heap) checkCountersLocked() {
	st := h.counters.snapshot()
	if st.CommittedBytes+st.UnmappedBytes > st.SystemBytes {
		panic(errors.Errorf(
			"pageheap: invariant violated: committed_bytes(%d)+unmapped_bytes(%d) > system_bytes(%d)",
			st.CommittedBytes, st.UnmappedBytes, st.SystemBytes))
	}
	if got := st.FreeBytes + st.UnmappedBytes + st.InUseBytes; got != st.SystemBytes {
		panic(errors.Errorf(
			"pageheap: invariant violated: free_bytes+unmapped_bytes+in_use_bytes(%d) != system_bytes(%d)",
			got, st.SystemBytes))
	}
}

// CheckExpensive supplements Check with an exhaustive free-index
// audit: every indexed span's Location matches the index holding it,
// and the Span Directory resolves that span's own endpoints back to
// itself. Meant for tests and offline diagnostics, not the hot path.
func (h *Heap) CheckExpensive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkCountersLocked()

	h.checkIndexLocked(h.normal)
	h.checkIndexLocked(h.returned)
}

func (h *Heap) checkIndexLocked(fi *freeIndex) {
	fi.ascend(func(s *Span) bool {
		if s.Location != fi.location {
			panic(errors.Errorf(
				"pageheap: invariant violated: span at page %d has location %s but sits in the %s index",
				s.Start, s.Location, fi.location))
		}
		if h.dir.get(s.Start) != s {
			panic(errors.Errorf(
				"pageheap: invariant violated: directory[%d] does not resolve to its owning span", s.Start))
		}
		if s.Length > 1 && h.dir.get(s.end()-1) != s {
			panic(errors.Errorf(
				"pageheap: invariant violated: directory[%d] does not resolve to its owning span", s.end()-1))
		}
		return true
	})
}
