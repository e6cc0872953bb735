package pageheap

import "sync/atomic"

// counters holds the byte/operation counters the heap's invariants
// depend on, collected into one struct the way the Go runtime's
// mstats/sysMemStat pair does. All fields are updated under the heap
// lock; atomics let Stats be read without it.
type counters struct {
	systemBytes        atomic.Uint64
	committedBytes     atomic.Uint64
	unmappedBytes      atomic.Uint64
	freeBytes          atomic.Uint64
	inUseBytes         atomic.Uint64
	commitCount        atomic.Uint64
	totalCommitBytes   atomic.Uint64
	decommitCount      atomic.Uint64
	totalDecommitBytes atomic.Uint64
	scavengeCount      atomic.Uint64
}

// Stats is a point-in-time snapshot of the heap's byte and operation
// counters, collected into a single reportable struct.
type Stats struct {
	SystemBytes        uint64
	CommittedBytes     uint64
	UnmappedBytes      uint64
	FreeBytes          uint64
	InUseBytes         uint64
	CommitCount        uint64
	TotalCommitBytes   uint64
	DecommitCount      uint64
	TotalDecommitBytes uint64
	ScavengeCount      uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		SystemBytes:        c.systemBytes.Load(),
		CommittedBytes:     c.committedBytes.Load(),
		UnmappedBytes:      c.unmappedBytes.Load(),
		FreeBytes:          c.freeBytes.Load(),
		InUseBytes:         c.inUseBytes.Load(),
		CommitCount:        c.commitCount.Load(),
		TotalCommitBytes:   c.totalCommitBytes.Load(),
		DecommitCount:      c.decommitCount.Load(),
		TotalDecommitBytes: c.totalDecommitBytes.Load(),
		ScavengeCount:      c.scavengeCount.Load(),
	}
}

// SpanStats is one histogram bucket: how many free spans of some
// length class, and how many total pages they cover.
type SpanStats struct {
	Count uint64
	Pages uint64
}

// SmallSpanStats buckets free spans of length 1..len(Normal) pages,
// index i holding spans of length i+1. Spans longer than that belong
// in LargeSpanStats instead. The split point is Config.MaxPages,
// mirroring the reference implementation's kMaxPages boundary.
type SmallSpanStats struct {
	Normal   []SpanStats
	Returned []SpanStats
}

// LargeSpanStats summarizes free spans longer than Config.MaxPages.
type LargeSpanStats struct {
	Normal   SpanStats
	Returned SpanStats
}

// GetSmallSpanStats returns the small-span histogram, "small" meaning
// length <= h.cfg.MaxPages -- a reporting distinction only.
func (h *Heap) GetSmallSpanStats() SmallSpanStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := SmallSpanStats{
		Normal:   make([]SpanStats, h.cfg.MaxPages),
		Returned: make([]SpanStats, h.cfg.MaxPages),
	}
	bucket := func(buckets []SpanStats, s *Span) {
		if s.Length >= 1 && s.Length <= h.cfg.MaxPages {
			b := &buckets[s.Length-1]
			b.Count++
			b.Pages += uint64(s.Length)
		}
	}
	h.normal.ascend(func(s *Span) bool { bucket(out.Normal, s); return true })
	h.returned.ascend(func(s *Span) bool { bucket(out.Returned, s); return true })
	return out
}

// GetLargeSpanStats summarizes spans longer than h.cfg.MaxPages.
func (h *Heap) GetLargeSpanStats() LargeSpanStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out LargeSpanStats
	accumulate := func(total *SpanStats, s *Span) {
		if s.Length > h.cfg.MaxPages {
			total.Count++
			total.Pages += uint64(s.Length)
		}
	}
	h.normal.ascend(func(s *Span) bool { accumulate(&out.Normal, s); return true })
	h.returned.ascend(func(s *Span) bool { accumulate(&out.Returned, s); return true })
	return out
}

// Stats returns a snapshot of the heap's byte and operation counters.
func (h *Heap) Stats() Stats {
	return h.counters.snapshot()
}
