package pageheap

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned by directory.ensure when an interior node
// allocation fails. The heap propagates this as allocation failure.
var ErrOutOfMemory = errors.New("pageheap: directory out of memory")

// directory is the Span Directory: a multi-level radix tree keyed by
// PageID, generalizing the Go runtime's two-level mheap.arenas map
// (arenas [1 << arenaL1Bits]*[1 << arenaL2Bits]*heapArena) from arena
// metadata to Span pointers directly. Depth is chosen once at
// construction from the configured address width: two levels up to a
// 48-bit address space, three beyond it.
//
// Reads (get) are lock-free: interior nodes and leaf slots are
// published with atomic stores, so a reader either sees a fully
// constructed node or nil -- never a partially built one. Writers
// (set, ensure) race-create interior nodes with compare-and-swap so
// concurrent creators converge on the same node.
type directory struct {
	pageShift  uint
	levelBits  []int
	levelShift []uint
	root       *dirNode
}

// dirNode is a single concrete node type for both interior and leaf
// levels -- children is populated for interior nodes, leaves for leaf
// nodes, never both. A single type with no virtual dispatch keeps
// get/set devirtualized.
type dirNode struct {
	children []atomic.Pointer[dirNode]
	leaves   []atomic.Pointer[Span]
}

func newDirNode(bits int, leaf bool) *dirNode {
	n := &dirNode{}
	if leaf {
		n.leaves = make([]atomic.Pointer[Span], 1<<bits)
	} else {
		n.children = make([]atomic.Pointer[dirNode], 1<<bits)
	}
	return n
}

// directoryShape picks level count and per-level bit widths from the
// configured address width: two levels for a 32-bit or 48-bit address
// space, three for a 64-bit one.
func directoryShape(pageShift uint, addressBits int) (levelBits []int) {
	indexBits := addressBits - int(pageShift)
	if indexBits < 1 {
		indexBits = 1
	}
	levels := 2
	if addressBits > 48 {
		levels = 3
	}
	return splitBits(indexBits, levels)
}

func splitBits(total, levels int) []int {
	out := make([]int, levels)
	base := total / levels
	rem := total % levels
	for i := 0; i < levels; i++ {
		out[i] = base
		if i < rem {
			out[i]++
		}
		if out[i] < 1 {
			out[i] = 1
		}
	}
	return out
}

func newDirectory(pageShift uint, addressBits int) *directory {
	levelBits := directoryShape(pageShift, addressBits)
	shift := make([]uint, len(levelBits))
	acc := uint(0)
	for i := len(levelBits) - 1; i >= 0; i-- {
		shift[i] = acc
		acc += uint(levelBits[i])
	}
	d := &directory{
		pageShift:  pageShift,
		levelBits:  levelBits,
		levelShift: shift,
	}
	d.root = newDirNode(levelBits[0], len(levelBits) == 1)
	return d
}

func (d *directory) index(p PageID, level int) int {
	mask := uint(1)<<uint(d.levelBits[level]) - 1
	return int((uint(p) >> d.levelShift[level]) & mask)
}

// get returns the span owning page p, or nil. O(tree depth), lock-free.
func (d *directory) get(p PageID) *Span {
	n := d.root
	last := len(d.levelBits) - 1
	for lvl := 0; lvl < last; lvl++ {
		n = n.children[d.index(p, lvl)].Load()
		if n == nil {
			return nil
		}
	}
	return n.leaves[d.index(p, last)].Load()
}

// set writes the leaf slot for page p, allocating interior nodes
// lazily as needed.
func (d *directory) set(p PageID, s *Span) {
	n := d.root
	last := len(d.levelBits) - 1
	for lvl := 0; lvl < last; lvl++ {
		n = d.childFor(n, p, lvl)
	}
	n.leaves[d.index(p, last)].Store(s)
}

// childFor returns (creating if necessary) the child of n on the path
// to page p at level lvl.
func (d *directory) childFor(n *dirNode, p PageID, lvl int) *dirNode {
	idx := d.index(p, lvl)
	slot := &n.children[idx]
	if child := slot.Load(); child != nil {
		return child
	}
	leaf := lvl+1 == len(d.levelBits)-1
	fresh := newDirNode(d.levelBits[lvl+1], leaf)
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return slot.Load()
}

// ensure pre-allocates interior nodes covering [start, start+n) so a
// subsequent set cannot fail. Allocation failures (simulated here via
// recovered out-of-memory panics from oversized make calls) surface
// as ErrOutOfMemory, which the Heap Manager propagates as allocation
// failure.
func (d *directory) ensure(start PageID, n Length) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrOutOfMemory, "ensure [%d,%d): %v", start, start.add(n), r)
		}
	}()

	last := len(d.levelBits) - 1
	if last == 0 {
		return nil
	}
	// Visiting every chunk boundary at the finest interior level is
	// sufficient: childFor is idempotent, so touching the start page
	// and the first page of every later leaf-chunk, up to the one
	// holding the end page, covers every interior node the range
	// could touch.
	chunk := PageID(Length(1) << uint(d.levelBits[last]))
	end := start.add(n)
	for p := start; ; {
		walk := d.root
		for lvl := 0; lvl < last; lvl++ {
			walk = d.childFor(walk, p, lvl)
		}
		next := (p/chunk + 1) * chunk
		if next >= end {
			break
		}
		p = next
	}
	return nil
}

// nextRange returns the span recorded in the first populated
// directory slot at or after page start, or nil. That span can begin
// before start: when start falls inside a span, the slot of the span's
// last page (or of any interior page that was set) is found first.
// Nothing in the package calls it; a tree walk that skips empty
// subtrees is adequate off the hot path.
func (d *directory) nextRange(start PageID) *Span {
	sp, _ := d.nextAt(d.root, start, 0)
	return sp
}

func (d *directory) nextAt(n *dirNode, start PageID, lvl int) (*Span, bool) {
	idx := d.index(start, lvl)
	width := 1 << d.levelBits[lvl]
	if lvl == len(d.levelBits)-1 {
		for i := idx; i < width; i++ {
			if sp := n.leaves[i].Load(); sp != nil {
				return sp, true
			}
		}
		return nil, false
	}
	for i := idx; i < width; i++ {
		child := n.children[i].Load()
		if child == nil {
			continue
		}
		childStart := PageID(0)
		if i == idx {
			childStart = start
		}
		if sp, ok := d.nextAt(child, childStart, lvl+1); ok {
			return sp, true
		}
	}
	return nil, false
}
