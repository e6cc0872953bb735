package pageheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageShift = 13 // pagesize 8192, matching spec's boundary scenarios

func newTestHeap(t *testing.T, opts ...Option) (*Heap, *fakeAllocator) {
	t.Helper()
	alloc := newFakeAllocator(1 << testPageShift)
	cfg := DefaultConfig()
	cfg.PageShift = testPageShift
	cfg.MinSystemAlloc = 4
	cfg.InitialScavengeDelay = 8
	cfg.MaxScavengeDelay = 1 << 10
	opts = append([]Option{WithAllocator(alloc)}, opts...)
	h, err := New(cfg, opts...)
	require.NoError(t, err)
	return h, alloc
}

// Scenario 1: simple alloc/free.
func TestScenarioSimpleAllocFree(t *testing.T) {
	h, _ := newTestHeap(t)

	s1, err := h.New(1)
	require.NoError(t, err)
	assert.Equal(t, Length(1), s1.Length)
	assert.Equal(t, InUse, s1.Location)

	require.NoError(t, h.Delete(s1))

	found := false
	h.normal.ascend(func(s *Span) bool {
		if s.contains(s1.Start) {
			found = true
			assert.GreaterOrEqual(t, s.Length, Length(1))
		}
		return true
	})
	assert.True(t, found)
}

// Scenario 2: coalesce both sides.
func TestScenarioCoalesceBothSides(t *testing.T) {
	h, _ := newTestHeap(t)
	h.cfg.MinSystemAlloc = 1 // each New(1) grows exactly one page, leaving no stray remainder to contaminate the merge

	a, err := h.New(1)
	require.NoError(t, err)
	b, err := h.New(1)
	require.NoError(t, err)
	c, err := h.New(1)
	require.NoError(t, err)
	require.Equal(t, a.Start+1, b.Start)
	require.Equal(t, b.Start+1, c.Start)
	aStart := a.Start // a's record is recycled once Delete(b) merges it away

	require.NoError(t, h.Delete(a))
	require.NoError(t, h.Delete(c))
	assert.Equal(t, 2, h.normal.len())

	require.NoError(t, h.Delete(b))
	assert.Equal(t, 1, h.normal.len())
	merged := h.normal.largest()
	require.NotNil(t, merged)
	assert.Equal(t, Length(3), merged.Length)
	assert.Equal(t, aStart, merged.Start)
}

// Scenario 3: best-fit over first-fit.
func TestScenarioBestFit(t *testing.T) {
	h, _ := newTestHeap(t)

	s3 := &Span{Start: 0, Length: 3}
	s5 := &Span{Start: 10, Length: 5}
	s7 := &Span{Start: 30, Length: 7}
	h.insertNormal(s3)
	h.insertNormal(s5)
	h.insertNormal(s7)

	got, err := h.New(4)
	require.NoError(t, err)
	assert.Equal(t, s5.Start, got.Start)
	assert.Equal(t, Length(4), got.Length)

	assert.Equal(t, 3, h.normal.len()) // s3, s7, and the length-1 remainder of s5
	rem := h.normal.bestFit(1)
	require.NotNil(t, rem)
	assert.Equal(t, Length(1), rem.Length)
	assert.Equal(t, s5.Start.add(4), rem.Start)
}

// Scenario 4: prefer normal over returned.
func TestScenarioPreferNormalOverReturned(t *testing.T) {
	h, _ := newTestHeap(t)

	normalSpan := &Span{Start: 0, Length: 10}
	returnedSpan := &Span{Start: 100, Length: 10}
	h.insertNormal(normalSpan)
	h.insertReturned(returnedSpan)

	got, err := h.New(10)
	require.NoError(t, err)
	assert.Equal(t, normalSpan.Start, got.Start)
	assert.Equal(t, uint64(0), h.Stats().CommitCount)
}

// Scenario 5: scavenger progress.
func TestScenarioScavengerProgress(t *testing.T) {
	h, _ := newTestHeap(t)

	// Place the large span straight on the normal index: freeing it via
	// Delete would itself drain the counter and trigger a release.
	big := &Span{Start: 0, Length: 1000}
	h.insertNormal(big)
	require.Equal(t, int64(h.cfg.InitialScavengeDelay), h.scavengeCounter)

	for i := Length(0); i < h.cfg.InitialScavengeDelay; i++ {
		filler := &Span{Start: PageID(10000) + PageID(i), Length: 1, Location: InUse}
		require.NoError(t, h.Delete(filler))
	}

	assert.Equal(t, uint64(1), h.Stats().ScavengeCount)
	assert.Equal(t, uint64(1), h.Stats().DecommitCount)
}

// Scenario 6: aggressive decommit merge.
func TestScenarioAggressiveDecommitMerge(t *testing.T) {
	h, _ := newTestHeap(t)
	h.cfg.MinSystemAlloc = 1 // grow exactly one page, so a has no returned remainder to merge with on Delete
	h.SetAggressiveDecommit(true)

	a, err := h.New(1)
	require.NoError(t, err)
	require.NoError(t, h.Delete(a)) // a is now normal

	// Build a returned span immediately to the right of a by granting
	// and scavenging it directly, bypassing GrowHeap's own placement.
	r := &Span{Start: a.Start + 1, Length: 1}
	h.publishEndpoints(r)
	h.insertNormal(r)
	released := h.releaseSpanLocked(r)
	require.Equal(t, Length(1), released)

	// Trigger the merge path directly: re-run coalesce over a's range.
	h.removeNormal(a)
	merged := h.coalesceLocked(a)
	switch merged.Location {
	case OnNormalFreelist:
		h.insertNormal(merged)
	case OnReturnedFreelist:
		h.insertReturned(merged)
	}

	assert.Equal(t, OnReturnedFreelist, merged.Location)
	assert.Equal(t, Length(2), merged.Length)
}

func TestNewGrowsHeapWhenEmpty(t *testing.T) {
	h, alloc := newTestHeap(t)
	s, err := h.New(2)
	require.NoError(t, err)
	assert.Equal(t, Length(2), s.Length)
	assert.Greater(t, uint64(alloc.next), uint64(1<<testPageShift))
}

func TestDeleteRejectsNonInUseSpan(t *testing.T) {
	h, _ := newTestHeap(t)
	s := &Span{Start: 0, Length: 1, Location: OnNormalFreelist}
	err := h.Delete(s)
	assert.Error(t, err)
}

func TestDeleteRejectsSpanWithSizeClass(t *testing.T) {
	h, _ := newTestHeap(t)
	s, err := h.New(1)
	require.NoError(t, err)
	h.RegisterSizeClass(s, 3)
	assert.Error(t, h.Delete(s))
}

func TestSplit(t *testing.T) {
	h, _ := newTestHeap(t)
	s, err := h.New(4)
	require.NoError(t, err)

	rest, err := h.Split(s, 1)
	require.NoError(t, err)
	assert.Equal(t, Length(1), s.Length)
	assert.Equal(t, Length(3), rest.Length)
	assert.Equal(t, s.Start.add(1), rest.Start)
	assert.Equal(t, InUse, rest.Location)
}

func TestSplitRejectsOutOfRange(t *testing.T) {
	h, _ := newTestHeap(t)
	s, err := h.New(4)
	require.NoError(t, err)

	_, err = h.Split(s, 0)
	assert.Error(t, err)
	_, err = h.Split(s, 4)
	assert.Error(t, err)
}

func TestGetDescriptorAndSizeClassCache(t *testing.T) {
	h, _ := newTestHeap(t)
	s, err := h.New(2)
	require.NoError(t, err)

	for p := s.Start; p < s.end(); p++ {
		assert.Same(t, s, h.GetDescriptor(p))
	}

	h.RegisterSizeClass(s, 5)
	for p := s.Start; p < s.end(); p++ {
		assert.Same(t, s, h.GetDescriptor(p))
	}

	h.SetCachedSizeClass(s.Start, 5)
	sc, ok := h.TryGetSizeClass(s.Start)
	assert.True(t, ok)
	assert.Equal(t, uint32(5), sc)

	h.InvalidateCachedSizeClass(s.Start)
	_, ok = h.TryGetSizeClass(s.Start)
	assert.False(t, ok)
}

func TestNewDeleteInvalidatesCache(t *testing.T) {
	h, _ := newTestHeap(t)
	s, err := h.New(1)
	require.NoError(t, err)
	h.SetCachedSizeClass(s.Start, 9)

	h.RegisterSizeClass(s, 0)
	require.NoError(t, h.Delete(s))

	_, ok := h.TryGetSizeClass(s.Start)
	assert.False(t, ok, "Delete must invalidate any cached size class for the freed range")
}

func TestReleaseAtLeastNPagesIdempotentAtZero(t *testing.T) {
	h, _ := newTestHeap(t)
	h.insertNormal(&Span{Start: 0, Length: 5})
	got := h.ReleaseAtLeastNPages(0)
	assert.Equal(t, Length(0), got)
	assert.Equal(t, uint64(0), h.Stats().DecommitCount)
}

func TestReleaseAtLeastNPages(t *testing.T) {
	h, _ := newTestHeap(t)
	h.insertNormal(&Span{Start: 0, Length: 3})
	h.insertNormal(&Span{Start: 10, Length: 5})

	got := h.ReleaseAtLeastNPages(4)
	assert.GreaterOrEqual(t, got, Length(4))
	assert.Equal(t, 1, h.normal.len()) // releasing the 5-page span alone meets m; the 3-page span stays normal
}

func TestCommitFailureFallsBackToGrowHeap(t *testing.T) {
	h, alloc := newTestHeap(t)
	returnedSpan := &Span{Start: 0, Length: 4}
	h.insertReturned(returnedSpan)
	alloc.commitFailures = 1 // the first commit attempt fails; the retry after GrowHeap must succeed

	s, err := h.New(4)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, Length(4), s.Length)
}

func TestOSAllocationFailureSurfacesAsError(t *testing.T) {
	h, alloc := newTestHeap(t)
	alloc.failAlloc = true
	_, err := h.New(1)
	assert.Error(t, err)
}

func TestCheckExpensivePassesOnHealthyHeap(t *testing.T) {
	h, _ := newTestHeap(t)
	s1, err := h.New(3)
	require.NoError(t, err)
	_, err = h.New(2)
	require.NoError(t, err)
	require.NoError(t, h.Delete(s1))

	assert.NotPanics(t, func() { h.CheckExpensive() })
}
