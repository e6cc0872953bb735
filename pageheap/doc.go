// Package pageheap implements a page-level heap: the layer of a
// general-purpose allocator that manages virtual address space in units of
// fixed-size pages and hands out spans -- maximal runs of contiguous pages
// -- to a size-class front end.
//
// The design follows the classic tcmalloc/runtime page heap: a Span
// Directory maps page numbers to their owning Span, a Free-Span Index keeps
// committed ("normal") and decommitted ("returned") free spans in two
// best-fit ordered sets, and a Heap Manager drives allocation, coalescing,
// and an incremental scavenger that returns idle memory to the OS.
//
// The package does not classify small objects, does not provide per-thread
// caching, and does not defragment by relocation -- those remain the
// front end's job.
package pageheap
