package pageheap

// Location records which set a Span belongs to.
type Location uint8

const (
	// InUse spans are owned by a caller of New, implicitly -- the free
	// indices hold no reference to them, and the Span Directory holds
	// only non-owning ones.
	InUse Location = iota
	// OnNormalFreelist spans are committed and ready for immediate reuse.
	OnNormalFreelist
	// OnReturnedFreelist spans are decommitted; their pages may fault on
	// read until re-committed.
	OnReturnedFreelist
)

func (l Location) String() string {
	switch l {
	case InUse:
		return "in-use"
	case OnNormalFreelist:
		return "normal"
	case OnReturnedFreelist:
		return "returned"
	default:
		return "unknown"
	}
}

// Span is a maximal contiguous run of pages with identical ownership
// state. A Span's identity may be reused across creations and
// destructions (see heap.go's spanPool); only its fields, not its
// address, carry meaning to callers.
type Span struct {
	Start    PageID
	Length   Length
	Location Location

	// SizeClass is 0 when the span is free or holds a single large
	// object; otherwise it is the size-class tag set by the front end
	// via RegisterSizeClass.
	SizeClass uint32

	// Sample is an opaque back-pointer reserved for the front end's
	// profiling machinery. The page heap never reads or writes it.
	Sample any
}

// contains reports whether p falls within the span's page range.
func (s *Span) contains(p PageID) bool {
	return p >= s.Start && p < s.Start.add(s.Length)
}

// end returns the first page past the span, i.e. Start+Length.
func (s *Span) end() PageID {
	return s.Start.add(s.Length)
}

// reset clears a span for reuse from the pool, installing fresh
// identity. Used only by the Heap Manager when a destroyed span's
// record is recycled instead of discarded.
func (s *Span) reset(start PageID, length Length, loc Location) {
	s.Start = start
	s.Length = length
	s.Location = loc
	s.SizeClass = 0
	s.Sample = nil
}
