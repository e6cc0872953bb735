package pageheap

import "sync"

var (
	defaultOnce sync.Once
	defaultHeap *Heap
)

// Default returns the process-wide page heap, lazily constructed on
// first use with DefaultConfig(). Most programs should build their
// own Heap via New so tests can inject a fake Allocator; Default
// exists for callers that genuinely want one global arena, the way
// the Go runtime has exactly one mheap_.
func Default() *Heap {
	defaultOnce.Do(func() {
		h, err := New(DefaultConfig())
		if err != nil {
			panic(err)
		}
		defaultHeap = h
	})
	return defaultHeap
}
