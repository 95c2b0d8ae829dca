package tracker

import (
	"fmt"
	"os"
	"sort"

	"github.com/pagekit/hugeheap/heap/pages"
)

// ReleaseAtLeastNPages releases fully-idle huge pages to the backing
// store, least-recently-used first, until at least n pages have been
// released or no fully-idle backed huge pages remain. Partially-used
// huge pages are never touched. Returns the pages actually released,
// which may be less than n.
//
// The region-count option withholds the most-recently-used idle huge
// pages from the first pass so a burst of frees does not immediately
// strip capacity a following burst of allocations would re-fault; the
// withheld pages are still released when needed to meet n.
func (t *Tracker) ReleaseAtLeastNPages(n pages.Length) pages.Length {
	idle := t.idleBacked()
	retain := t.retainCount(len(idle))

	released := t.unbackIdle(idle[:len(idle)-retain], n)
	if released < n && retain > 0 {
		released += t.unbackIdle(idle[len(idle)-retain:], n-released)
	}
	if logAlloc && released > 0 {
		fmt.Fprintf(os.Stderr, "tracker: released %v of %v requested\n", released, n)
	}
	return released
}

// ReleaseAtLeastNPagesBreakingHugepages releases like
// ReleaseAtLeastNPages but, when fully-idle capacity is not enough, it
// also releases free runs inside partially-used huge pages, sacrificing
// their full huge-page backing. It always releases min(n, free pages at
// call time) or more.
func (t *Tracker) ReleaseAtLeastNPagesBreakingHugepages(n pages.Length) pages.Length {
	idle := t.idleBacked()
	released := t.unbackIdle(idle, n)
	if released >= n {
		return released
	}

	// Break partially-used huge pages, most free space first, so the
	// fewest huge pages lose their backing.
	var partial []*hugePage
	for _, r := range t.regions {
		for i := range r.hps {
			hp := &r.hps[i]
			if hp.usedCount > 0 && hp.freeBacked() > 0 {
				partial = append(partial, hp)
			}
		}
	}
	sort.SliceStable(partial, func(i, j int) bool {
		return partial[i].freeBacked() > partial[j].freeBacked()
	})

	for _, hp := range partial {
		if released >= n {
			break
		}
		released += t.unbackFreeRuns(hp, n-released)
	}
	return released
}

// idleBacked returns the fully-idle huge pages that still have backed
// pages, least-recently-used first.
func (t *Tracker) idleBacked() []*hugePage {
	var idle []*hugePage
	for _, r := range t.regions {
		for i := range r.hps {
			hp := &r.hps[i]
			if hp.usedCount == 0 && hp.freeBacked() > 0 {
				idle = append(idle, hp)
			}
		}
	}
	// Abandoned huge pages go before never-used ones: virgin capacity is
	// the speculative reserve and should be the last to lose backing.
	sort.SliceStable(idle, func(i, j int) bool {
		if idle[i].everUsed != idle[j].everUsed {
			return idle[i].everUsed
		}
		return idle[i].lastTouch < idle[j].lastTouch
	})
	return idle
}

// retainCount returns how many idle huge pages the configured policy
// withholds from conservative release.
func (t *Tracker) retainCount(idle int) int {
	var r int
	switch t.cfg.Regions {
	case RegionCountSlack:
		r = HugePagesPerRegion
	case RegionCountAbandoned:
		r = t.abandoned
	}
	if r > idle {
		r = idle
	}
	return r
}

// unbackIdle unbacks whole idle huge pages from hps in order until
// target pages have been released.
func (t *Tracker) unbackIdle(hps []*hugePage, target pages.Length) pages.Length {
	var released pages.Length
	for _, hp := range hps {
		if released >= target {
			break
		}
		released += t.unbackFreeRuns(hp, target-released)
	}
	return released
}

// unbackFreeRuns releases free backed runs of hp until target pages
// have been released or none remain. The last run is trimmed so the
// release does not overshoot by more than necessary.
func (t *Tracker) unbackFreeRuns(hp *hugePage, target pages.Length) pages.Length {
	// Free backed pages are the zeros of used|released.
	var occ pageBits
	for w := range occ {
		occ[w] = ^(hp.used[w] | hp.released[w])
	}

	first := hp.id.FirstPage()
	var released pages.Length
	occ.setRuns(func(start, runLen int) bool {
		if released >= target {
			return false
		}
		// An idle huge page is always released whole, so it ends up
		// entirely unbacked; only partial huge pages trim to the target.
		if hp.usedCount > 0 {
			if remain := int(target - released); runLen > remain {
				runLen = remain
			}
		}
		if err := t.store.Unback(first+pages.PageID(start), pages.Length(runLen)); err != nil {
			panic(fmt.Sprintf("tracker: backing store unback failed: %v", err))
		}
		hp.released.setRange(start, runLen)
		hp.releasedCount += runLen
		released += pages.Length(runLen)
		return true
	})

	t.freeBacked -= released
	t.releasedPages += released
	return released
}
