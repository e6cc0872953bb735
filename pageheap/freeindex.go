package pageheap

import "github.com/google/btree"

// btreeDegree matches the degree a block-map free list reaches for
// when it backs an ordered free-range set with github.com/google/btree;
// a modest branching factor keeps node splits cheap for the lengths a
// page heap actually sees.
const btreeDegree = 32

// lessSpan orders spans by (length, start) -- the key for both free
// indices: smallest length first, ties broken by smallest start,
// which is exactly ascending order under this comparator.
func lessSpan(a, b *Span) bool {
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Start < b.Start
}

// freeIndex is one of the two ordered multisets of free spans --
// normal or returned -- backed by github.com/google/btree's generic
// BTreeG, the way a block-map free list keeps an ordered set of free
// ranges. This replaces a hand-rolled treap or a by-length array with
// one ordered structure.
type freeIndex struct {
	location Location
	tree     *btree.BTreeG[*Span]
}

func newFreeIndex(loc Location) *freeIndex {
	return &freeIndex{
		location: loc,
		tree:     btree.NewG[*Span](btreeDegree, lessSpan),
	}
}

func (fi *freeIndex) insert(s *Span) {
	s.Location = fi.location
	fi.tree.ReplaceOrInsert(s)
}

func (fi *freeIndex) remove(s *Span) {
	fi.tree.Delete(s)
}

// bestFit returns the smallest span with length >= n, tie-broken by
// smallest start, or nil. O(log N).
func (fi *freeIndex) bestFit(n Length) *Span {
	var found *Span
	pivot := &Span{Length: n}
	fi.tree.AscendGreaterOrEqual(pivot, func(item *Span) bool {
		found = item
		return false
	})
	return found
}

// largest returns the span with the greatest length (ties broken by
// greatest start), or nil. Used by the scavenger's release policy.
func (fi *freeIndex) largest() *Span {
	sp, _ := fi.tree.Max()
	return sp
}

func (fi *freeIndex) len() int { return fi.tree.Len() }

func (fi *freeIndex) ascend(fn func(*Span) bool) { fi.tree.Ascend(fn) }
