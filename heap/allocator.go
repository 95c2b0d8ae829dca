// Package heap implements a huge-page-aware page allocator.
//
// # Overview
//
// The Allocator backs a general-purpose allocator's slow path: it hands
// out and reclaims contiguous runs of pages while biasing placement so
// that most resident memory stays backed by whole huge pages. Address
// space comes from a backing.Store in huge-page-sized, tag-partitioned
// reservations; a tracker.Tracker carves spans out of them and a
// lifetime.Predictor steers spans it expects to die young away from
// long-lived memory.
//
// # Concurrency
//
// One exclusive lock guards every mutating entry point and the stats
// snapshot of an instance. The lock is coarse by design: this layer is
// the cold path under per-thread caches, and accounting consistency is
// worth more than parallelism here. No operation blocks on I/O and
// none is retried; the only syscalls are the store's reservation and
// release calls.
//
// # Ownership
//
// A Span belongs exclusively to the caller between New and Delete. An
// Allocator owns its regions for the life of the process; instances
// are never torn down, and one instance per MemoryTag may coexist with
// no sharing between them.
//
// # Errors
//
// Address-space exhaustion surfaces as an error wrapping
// backing.ErrExhausted; aborting or degrading is the caller's call.
// Contract violations (bad lengths or alignments, deleting a span that
// is not live, object-count mismatches) panic: continuing would corrupt
// region bookkeeping silently.
package heap

import (
	"fmt"
	"sync"

	"github.com/pagekit/hugeheap/heap/backing"
	"github.com/pagekit/hugeheap/heap/lifetime"
	"github.com/pagekit/hugeheap/heap/pages"
	"github.com/pagekit/hugeheap/heap/span"
	"github.com/pagekit/hugeheap/heap/tracker"
)

// HugeRegionCountOption re-exports the tracker's region retention
// policy at the configuration surface.
type HugeRegionCountOption = tracker.RegionCountOption

const (
	HugeRegionCountSlack     = tracker.RegionCountSlack
	HugeRegionCountAbandoned = tracker.RegionCountAbandoned
)

// Config fixes an allocator's policies at construction. All fields are
// immutable for the instance's lifetime.
type Config struct {
	// Tag is the memory class every reservation is made under.
	Tag backing.MemoryTag

	// Regions selects the speculative region retention policy.
	Regions HugeRegionCountOption

	// Lifetime configures the lifetime predictor.
	Lifetime lifetime.Options

	// Store supplies address space. Nil selects the OS-backed store.
	Store backing.Store
}

// liveSpan is the allocator's own record of one outstanding span, used
// to validate Delete calls.
type liveSpan struct {
	n       pages.Length
	objects int
}

// Allocator is one huge-page-aware page heap instance.
type Allocator struct {
	mu sync.Mutex

	cfg       Config
	store     backing.Store
	tracker   *tracker.Tracker
	predictor *lifetime.Predictor
	live      map[pages.PageID]liveSpan
}

// NewAllocator constructs an allocator. The instance is a process-scoped
// resource: it is never torn down and its reservations are permanent.
func NewAllocator(cfg Config) *Allocator {
	cfg.Tag = cfg.Tag.Normalize()
	store := cfg.Store
	if store == nil {
		store = backing.NewSystemStore()
	}
	return &Allocator{
		cfg:       cfg,
		store:     store,
		tracker:   tracker.New(store, tracker.Config{Tag: cfg.Tag, Regions: cfg.Regions}),
		predictor: lifetime.New(cfg.Lifetime),
		live:      make(map[pages.PageID]liveSpan),
	}
}

// New allocates a span of n pages, subdivided into objects fixed-size
// objects (0 for undivided spans). n must be in [1, pages.PerHugePage).
func (a *Allocator) New(n pages.Length, objects int) (*span.Span, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(n, 1, objects)
}

// NewAligned is New constrained to start pages divisible by align
// (in pages, at most one huge page).
func (a *Allocator) NewAligned(n, align pages.Length, objects int) (*span.Span, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(n, align, objects)
}

func (a *Allocator) alloc(n, align pages.Length, objects int) (*span.Span, error) {
	class := a.predictor.Classify(n, objects)
	steerShort := a.predictor.Steers() && class == lifetime.ShortLived

	first, err := a.tracker.AllocateAligned(n, align, steerShort)
	if err != nil {
		return nil, err
	}
	a.predictor.RecordAlloc(first, n, objects, class)
	a.live[first] = liveSpan{n: n, objects: objects}
	return span.New(first, n, objects), nil
}

// Delete returns a span. The span and object count must match a live
// allocation exactly; anything else is a fatal caller bug.
func (a *Allocator) Delete(s *span.Span, objects int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.live[s.FirstPage()]
	if !ok {
		panic(fmt.Sprintf("heap: delete of span at page %d that is not live", s.FirstPage()))
	}
	if rec.n != s.NumPages() || rec.objects != objects {
		panic(fmt.Sprintf("heap: delete of span at page %d with %v/%d objects, allocated as %v/%d",
			s.FirstPage(), s.NumPages(), objects, rec.n, rec.objects))
	}
	delete(a.live, s.FirstPage())
	a.tracker.Deallocate(s.FirstPage(), s.NumPages())
	a.predictor.RecordFree(s.FirstPage())
}

// ReleaseAtLeastNPages releases fully-idle huge pages back to the
// backing store until at least n pages are released or none remain.
// Partially-used huge pages keep their backing. Returns the pages
// actually released, possibly less than n.
func (a *Allocator) ReleaseAtLeastNPages(n pages.Length) pages.Length {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracker.ReleaseAtLeastNPages(n)
}

// ReleaseAtLeastNPagesBreakingHugepages releases at least
// min(n, free pages) even if that means fragmenting partially-used
// huge pages.
func (a *Allocator) ReleaseAtLeastNPagesBreakingHugepages(n pages.Length) pages.Length {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracker.ReleaseAtLeastNPagesBreakingHugepages(n)
}

// Tag returns the instance's memory tag.
func (a *Allocator) Tag() backing.MemoryTag { return a.cfg.Tag }

// SnapshotHugePages returns the fill state of every huge page, in
// address order. Diagnostic only; Stats stays authoritative.
func (a *Allocator) SnapshotHugePages() []tracker.HugePageInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracker.Snapshot()
}
