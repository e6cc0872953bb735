package pageheap

import (
	"github.com/phuslu/log"

	"github.com/sinainnet/gperftools/internal/sysmem"
)

// Config configures a Heap. Zero-value fields are filled from
// DefaultConfig by New; a caller normally starts from DefaultConfig()
// and applies Options, following the functional-option pattern used
// for file-backed store options elsewhere in this module's ecosystem.
type Config struct {
	// PageShift is kPageShift: address bits shifted out of a byte
	// address to get a PageID.
	PageShift uint

	// AddressBits selects the Span Directory's depth (two levels up
	// to 48 bits, three beyond).
	AddressBits int

	// MinSystemAlloc is kMinSystemAlloc: the minimum number of pages
	// requested from the OS allocator on growth, even if the caller
	// asked for fewer.
	MinSystemAlloc Length

	// MaxPages is the small/large span-stats reporting boundary,
	// matching the reference implementation's kMaxPages.
	MaxPages Length

	// InitialScavengeDelay seeds scavenge_counter_ (kDefaultReleaseDelay).
	InitialScavengeDelay Length

	// MaxScavengeDelay caps scavenge_counter_'s growth (kMaxReleaseDelay).
	MaxScavengeDelay Length

	// SizeLimitBytes is the optional hard ceiling on system_bytes.
	// Zero means unlimited.
	SizeLimitBytes uint64

	// AggressiveDecommit sets the initial mixed-location coalescing
	// policy: whether a normal+returned merge resolves to returned
	// (aggressive) or normal (lazy, the default).
	AggressiveDecommit bool

	// SizeClassCacheCapacity sizes the lossy page->sizeclass cache.
	// Rounded up to a power of two.
	SizeClassCacheCapacity uint

	// Allocator is the OS boundary. Defaults to sysmem.NewOSAllocator().
	// Tests inject a fake to exercise commit/decommit failure paths.
	Allocator sysmem.Allocator

	// Logger receives debug records for New, Delete and GrowHeap and
	// error records for OS-boundary failures. Defaults to a phuslu/log
	// logger at info level.
	Logger *log.Logger
}

// DefaultConfig returns the configuration used when New is called
// with a zero Config, or when Option functions are applied to an
// otherwise-unset Config.
func DefaultConfig() Config {
	return Config{
		PageShift:              13,
		AddressBits:            48,
		MinSystemAlloc:         1 << 7, // 128 pages (~1MiB at an 8KiB page)
		MaxPages:               1 << 7, // kMaxPages
		InitialScavengeDelay:   64,
		MaxScavengeDelay:       1 << 20,
		SizeLimitBytes:         0,
		AggressiveDecommit:     false,
		SizeClassCacheCapacity: 1 << 16,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.PageShift == 0 {
		c.PageShift = d.PageShift
	}
	if c.AddressBits == 0 {
		c.AddressBits = d.AddressBits
	}
	if c.MinSystemAlloc == 0 {
		c.MinSystemAlloc = d.MinSystemAlloc
	}
	if c.MaxPages == 0 {
		c.MaxPages = d.MaxPages
	}
	if c.InitialScavengeDelay == 0 {
		c.InitialScavengeDelay = d.InitialScavengeDelay
	}
	if c.MaxScavengeDelay == 0 {
		c.MaxScavengeDelay = d.MaxScavengeDelay
	}
	if c.SizeClassCacheCapacity == 0 {
		c.SizeClassCacheCapacity = d.SizeClassCacheCapacity
	}
	if c.Allocator == nil {
		c.Allocator = sysmem.NewOSAllocator()
	}
	if c.Logger == nil {
		defaultLogger := log.Logger{
			Level:  log.InfoLevel,
			Writer: &log.ConsoleWriter{ColorOutput: false, EndWithMessage: true},
		}
		c.Logger = &defaultLogger
	}
}

// PageSize returns 1<<PageShift, the unit of Length.
func (c Config) PageSize() uintptr {
	return uintptr(1) << c.PageShift
}

// Option mutates a Config; apply with New(cfg, opts...).
type Option func(*Config)

// WithSizeLimit installs a hard ceiling on system_bytes.
func WithSizeLimit(bytes uint64) Option {
	return func(c *Config) { c.SizeLimitBytes = bytes }
}

// WithAggressiveDecommit sets the initial coalescing policy.
func WithAggressiveDecommit(on bool) Option {
	return func(c *Config) { c.AggressiveDecommit = on }
}

// WithAllocator overrides the OS boundary, primarily for tests.
func WithAllocator(a sysmem.Allocator) Option {
	return func(c *Config) { c.Allocator = a }
}

// WithLogger overrides the structured logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithPageShift overrides kPageShift.
func WithPageShift(shift uint) Option {
	return func(c *Config) { c.PageShift = shift }
}
