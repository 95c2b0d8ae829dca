// Package tracker maintains the region and huge-page bookkeeping at the
// core of the heap.
//
// Address space arrives from the backing store in regions of
// HugePagesPerRegion huge pages. Within each huge page the tracker
// keeps two page-granular bitmaps: used (pages inside live spans) and
// released (pages returned to the OS but still reserved). A page is
// free exactly when it is in neither; adjacent free ranges merge by
// construction, so a huge page becoming fully idle is observable from
// its used count alone.
//
// Spans never cross a huge page boundary: allocation lengths are
// bounded below one huge page and placement always carves from a single
// huge page. That keeps huge pages independently releasable and makes
// the fill state of each one meaningful on its own.
//
// The tracker is not safe for concurrent use; the owning allocator
// serializes access under its lock.
package tracker

import (
	"fmt"
	"os"
	"sort"

	"github.com/pagekit/hugeheap/heap/backing"
	"github.com/pagekit/hugeheap/heap/pages"
)

// Runtime debug flag for allocation logging - controlled by HEAP_LOG_ALLOC env var.
var logAlloc = os.Getenv("HEAP_LOG_ALLOC") != ""

// HugePagesPerRegion is the number of huge pages reserved from the
// backing store in one call.
const HugePagesPerRegion = 8

// RegionCountOption controls how many speculative idle huge pages the
// tracker prefers to keep backed, trading steady-state footprint for
// allocation latency.
type RegionCountOption int

const (
	// RegionCountSlack retains up to one region's worth of idle huge
	// pages.
	RegionCountSlack RegionCountOption = iota

	// RegionCountAbandoned retains idle huge pages in proportion to
	// recent churn: the count of huge pages that have gone from used to
	// empty and not been reused.
	RegionCountAbandoned
)

func (o RegionCountOption) String() string {
	switch o {
	case RegionCountSlack:
		return "slack"
	case RegionCountAbandoned:
		return "abandoned_count"
	}
	return fmt.Sprintf("region_count(%d)", int(o))
}

// hugePage is the tracked state of one huge page.
type hugePage struct {
	id            pages.HugePageID
	used          pageBits
	released      pageBits
	usedCount     int
	releasedCount int

	// lastTouch orders huge pages for least-recently-used release.
	lastTouch uint64

	// shortLived marks a huge page designated for predicted short-lived
	// spans; cleared when the huge page empties.
	shortLived bool

	// everUsed distinguishes abandoned huge pages (used then emptied)
	// from never-touched ones.
	everUsed bool
}

func (hp *hugePage) freeBacked() int {
	return numBits - hp.usedCount - hp.releasedCount
}

// canFit returns the lowest offset of a free run of n pages whose
// absolute page index is a multiple of align, or -1. Alignment is
// against the page index, not the offset within the huge page, so the
// search phase depends on the huge page's base. Released pages count
// as free; they are re-backed on use.
func (hp *hugePage) canFit(n, align int) int {
	base := uint64(hp.id.FirstPage())
	phase := int((uint64(align) - base%uint64(align)) % uint64(align))
	return hp.used.findRun(n, align, phase)
}

// region is one backing-store reservation.
type region struct {
	base pages.HugePageID
	hps  [HugePagesPerRegion]hugePage
}

// Config fixes a tracker's policies at construction.
type Config struct {
	Tag     backing.MemoryTag
	Regions RegionCountOption
}

// Tracker owns every region reserved for one allocator instance and
// implements placement, coalescing, and both release policies.
type Tracker struct {
	store backing.Store
	cfg   Config

	regions []*region // sorted by base
	index   map[pages.HugePageID]*hugePage

	live          pages.Length // pages inside live spans
	freeBacked    pages.Length // backed pages not in any span
	releasedPages pages.Length // unbacked pages still reserved

	clock     uint64
	abandoned int // huge pages gone used -> empty and not reused
}

// New returns an empty tracker drawing from store.
func New(store backing.Store, cfg Config) *Tracker {
	cfg.Tag = cfg.Tag.Normalize()
	return &Tracker{
		store: store,
		cfg:   cfg,
		index: make(map[pages.HugePageID]*hugePage),
	}
}

// Allocate finds a free run of n pages and marks it used. The span
// classification steers placement: short-lived spans prefer huge pages
// already designated short-lived so churn stays isolated from
// long-lived memory.
func (t *Tracker) Allocate(n pages.Length, shortLived bool) (pages.PageID, error) {
	return t.AllocateAligned(n, 1, shortLived)
}

// AllocateAligned is Allocate constrained to start pages divisible by
// align. Alignments above one huge page are a caller contract violation.
func (t *Tracker) AllocateAligned(n, align pages.Length, shortLived bool) (pages.PageID, error) {
	if n == 0 || n >= pages.PerHugePage {
		panic(fmt.Sprintf("tracker: allocation of %v (must be in [1, %d))", n, pages.PerHugePage))
	}
	if align == 0 || align > pages.PerHugePage {
		panic(fmt.Sprintf("tracker: alignment of %v (must be in [1, %d])", align, pages.PerHugePage))
	}

	for {
		hp, off := t.findPartial(int(n), int(align), shortLived)
		if hp == nil {
			hp, off = t.findFree(int(n), int(align))
		}
		if hp != nil {
			return t.commit(hp, off, int(n), shortLived), nil
		}
		// When align does not divide the huge page size, a fresh region
		// may still lack a huge page whose aligned offsets leave room,
		// so reservation repeats until placement succeeds.
		if err := t.reserveRegion(); err != nil {
			// Out of address space: fall back to a partially-used huge
			// page of the other class before failing the request.
			if hp, off = t.findPartial(int(n), int(align), !shortLived); hp != nil {
				return t.commit(hp, off, int(n), shortLived), nil
			}
			return 0, err
		}
	}
}

// Deallocate returns [first, first+n) to the free state. The range must
// exactly cover pages of one live span.
func (t *Tracker) Deallocate(first pages.PageID, n pages.Length) {
	hp := t.index[first.HugeIndex()]
	if hp == nil {
		panic(fmt.Sprintf("tracker: deallocate of untracked page %d", first))
	}
	off := int(first.HugeOffset())
	if off+int(n) > numBits {
		panic(fmt.Sprintf("tracker: deallocate of %v at offset %d crosses a huge page", n, off))
	}
	if !hp.used.rangeIsSet(off, int(n)) {
		panic(fmt.Sprintf("tracker: deallocate of pages not in use at %d+%v", first, n))
	}

	hp.used.clearRange(off, int(n))
	hp.usedCount -= int(n)
	t.live -= n
	t.freeBacked += n
	t.clock++
	hp.lastTouch = t.clock
	if hp.usedCount == 0 {
		hp.shortLived = false
		t.abandoned++
	}
}

// findPartial picks among partially-used huge pages of the given class
// the one with the fewest free pages that still fits, ties to lowest
// address.
func (t *Tracker) findPartial(n, align int, shortLived bool) (*hugePage, int) {
	var best *hugePage
	bestOff := -1
	for _, r := range t.regions {
		for i := range r.hps {
			hp := &r.hps[i]
			if hp.usedCount == 0 || hp.shortLived != shortLived {
				continue
			}
			if best != nil && hp.usedCount <= best.usedCount {
				continue
			}
			if off := hp.canFit(n, align); off >= 0 {
				best, bestOff = hp, off
			}
		}
	}
	return best, bestOff
}

// findFree picks among fully-idle huge pages one whose aligned offsets
// fit the run, preferring ones that are still backed (no re-back
// round-trip), ties to lowest address.
func (t *Tracker) findFree(n, align int) (*hugePage, int) {
	var best *hugePage
	bestOff := -1
	for _, r := range t.regions {
		for i := range r.hps {
			hp := &r.hps[i]
			if hp.usedCount != 0 {
				continue
			}
			if best != nil && hp.releasedCount >= best.releasedCount {
				continue
			}
			if off := hp.canFit(n, align); off >= 0 {
				best, bestOff = hp, off
			}
		}
	}
	return best, bestOff
}

// commit marks [off, off+n) of hp used, re-backing any released pages
// in the range first.
func (t *Tracker) commit(hp *hugePage, off, n int, shortLived bool) pages.PageID {
	if rel := hp.released.countRange(off, n); rel > 0 {
		first := hp.id.FirstPage()
		hp.released.setRuns(func(start, runLen int) bool {
			if start >= off+n {
				return false
			}
			end := start + runLen
			if end <= off {
				return true
			}
			if start < off {
				start = off
			}
			if end > off+n {
				end = off + n
			}
			if err := t.store.Back(first+pages.PageID(start), pages.Length(end-start)); err != nil {
				panic(fmt.Sprintf("tracker: backing store re-back failed: %v", err))
			}
			return true
		})
		hp.released.clearRange(off, n)
		hp.releasedCount -= rel
		t.releasedPages -= pages.Length(rel)
		t.freeBacked += pages.Length(rel)
	}

	if hp.usedCount == 0 {
		hp.shortLived = shortLived
		if hp.everUsed {
			t.abandoned--
		}
	}
	hp.used.setRange(off, n)
	hp.usedCount += n
	hp.everUsed = true
	t.clock++
	hp.lastTouch = t.clock
	t.live += pages.Length(n)
	t.freeBacked -= pages.Length(n)
	return hp.id.FirstPage() + pages.PageID(off)
}

// reserveRegion obtains one more region from the backing store.
func (t *Tracker) reserveRegion() error {
	base, err := t.store.Reserve(t.cfg.Tag, HugePagesPerRegion)
	if err != nil {
		return fmt.Errorf("tracker: reserve region: %w", err)
	}
	if logAlloc {
		fmt.Fprintf(os.Stderr, "tracker: reserved region of %d huge pages at %d (tag %v)\n",
			HugePagesPerRegion, base, t.cfg.Tag)
	}

	r := &region{base: base}
	for i := range r.hps {
		hp := &r.hps[i]
		hp.id = base + pages.HugePageID(i)
		t.index[hp.id] = hp
	}
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].base >= base
	})
	t.regions = append(t.regions, nil)
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r

	t.freeBacked += pages.Length(HugePagesPerRegion) * pages.PerHugePage
	return nil
}
