package tracker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagekit/hugeheap/heap/backing"
	"github.com/pagekit/hugeheap/heap/pages"
)

func newTestTracker(t *testing.T, capHugePages uint64) (*Tracker, *backing.SimStore) {
	t.Helper()
	store := backing.NewSimStore(capHugePages)
	tr := New(store, Config{Tag: backing.TagNormal, Regions: RegionCountSlack})
	return tr, store
}

// checkCounters validates the accounting invariant and the per-huge-page
// bitmap consistency.
func checkCounters(t *testing.T, tr *Tracker) {
	t.Helper()
	var used, released int
	for _, r := range tr.regions {
		for i := range r.hps {
			hp := &r.hps[i]
			require.Equal(t, hp.usedCount, hp.used.count(), "huge page %d used count", hp.id)
			require.Equal(t, hp.releasedCount, hp.released.count(), "huge page %d released count", hp.id)
			for w := range hp.used {
				require.Zero(t, hp.used[w]&hp.released[w], "huge page %d: used and released overlap", hp.id)
			}
			used += hp.usedCount
			released += hp.releasedCount
		}
	}
	require.Equal(t, pages.Length(used), tr.LivePages())
	require.Equal(t, pages.Length(released), tr.ReleasedPages())
	require.Equal(t, tr.SystemPages(), tr.LivePages()+tr.FreePages()+tr.ReleasedPages())
}

func TestAllocateReservesOnDemand(t *testing.T) {
	tr, store := newTestTracker(t, 0)
	require.Equal(t, pages.Length(0), tr.SystemPages())

	first, err := tr.Allocate(10, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), store.ReserveCalls())
	require.Equal(t, pages.Length(HugePagesPerRegion)*pages.PerHugePage, tr.SystemPages())
	require.Equal(t, pages.Length(10), tr.LivePages())

	// The span is inside a tagged reservation.
	tag, ok := store.TagOf(first)
	require.True(t, ok)
	require.Equal(t, backing.TagNormal, tag)

	checkCounters(t, tr)
}

func TestAllocateContractViolationsPanic(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	require.Panics(t, func() { _, _ = tr.Allocate(0, false) })
	require.Panics(t, func() { _, _ = tr.Allocate(pages.PerHugePage, false) })
	require.Panics(t, func() { _, _ = tr.AllocateAligned(1, 0, false) })
	require.Panics(t, func() { _, _ = tr.AllocateAligned(1, pages.PerHugePage+1, false) })
}

func TestDeallocateContractViolationsPanic(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	first, err := tr.Allocate(10, false)
	require.NoError(t, err)

	require.Panics(t, func() { tr.Deallocate(first+1000000, 10) }, "untracked page")
	require.Panics(t, func() { tr.Deallocate(first, 20) }, "length exceeds allocation")

	tr.Deallocate(first, 10)
	require.Panics(t, func() { tr.Deallocate(first, 10) }, "double free")
}

func TestFreedRangeIsReused(t *testing.T) {
	tr, store := newTestTracker(t, 0)

	a, err := tr.Allocate(10, false)
	require.NoError(t, err)
	b, err := tr.Allocate(20, false)
	require.NoError(t, err)
	c, err := tr.Allocate(5, false)
	require.NoError(t, err)
	require.Equal(t, pages.Length(35), tr.LivePages())

	tr.Deallocate(b, 20)
	reserveCalls := store.ReserveCalls()

	d, err := tr.Allocate(15, false)
	require.NoError(t, err)
	// The freed 20-page hole is the only gap below the bump frontier and
	// must be reused without new backing.
	require.Equal(t, b, d)
	require.Equal(t, reserveCalls, store.ReserveCalls())
	require.Equal(t, pages.Length(10+5+15), tr.LivePages())

	tr.Deallocate(a, 10)
	tr.Deallocate(c, 5)
	tr.Deallocate(d, 15)
	require.Equal(t, pages.Length(0), tr.LivePages())
	checkCounters(t, tr)
}

func TestPlacementPrefersPartialHugePages(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	// Occupy two huge pages: hp0 nearly full, hp1 half full.
	a, err := tr.Allocate(200, false)
	require.NoError(t, err)
	b, err := tr.Allocate(200, false)
	require.NoError(t, err)
	require.NotEqual(t, a.HugeIndex(), b.HugeIndex())
	tr.Deallocate(b, 200)
	half, err := tr.Allocate(128, false)
	require.NoError(t, err)
	require.Equal(t, b.HugeIndex(), half.HugeIndex())

	// A small request must land in the fuller huge page that fits, not
	// open a fresh one.
	c, err := tr.Allocate(30, false)
	require.NoError(t, err)
	require.Equal(t, a.HugeIndex(), c.HugeIndex())

	// A request too big for hp0's 26 free pages goes to hp1, still not
	// to a fresh huge page.
	d, err := tr.Allocate(100, false)
	require.NoError(t, err)
	require.Equal(t, half.HugeIndex(), d.HugeIndex())

	checkCounters(t, tr)
}

func TestShortLivedIsolation(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	long1, err := tr.Allocate(10, false)
	require.NoError(t, err)
	short1, err := tr.Allocate(10, true)
	require.NoError(t, err)
	require.NotEqual(t, long1.HugeIndex(), short1.HugeIndex(),
		"short-lived spans must not share a huge page with long-lived ones")

	// Subsequent spans of each class fill their own huge page.
	long2, err := tr.Allocate(10, false)
	require.NoError(t, err)
	require.Equal(t, long1.HugeIndex(), long2.HugeIndex())

	short2, err := tr.Allocate(10, true)
	require.NoError(t, err)
	require.Equal(t, short1.HugeIndex(), short2.HugeIndex())

	// The designation clears when the huge page empties: a long-lived
	// span too big for the long-lived huge page's free space may take it.
	tr.Deallocate(short1, 10)
	tr.Deallocate(short2, 10)
	long3, err := tr.Allocate(250, false)
	require.NoError(t, err)
	require.Equal(t, short1.HugeIndex(), long3.HugeIndex())

	checkCounters(t, tr)
}

func TestAllocateAligned(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	// Misalign the frontier first.
	_, err := tr.Allocate(3, false)
	require.NoError(t, err)

	for _, align := range []pages.Length{1, 2, 16, 64, pages.PerHugePage} {
		p, err := tr.AllocateAligned(5, align, false)
		require.NoError(t, err)
		require.Zero(t, uint64(p)%uint64(align), "alignment %v", align)
	}
	checkCounters(t, tr)
}

func TestAllocateAlignedNonDividingHugePage(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	// Fill the first huge page so placement lands past page 0. Page
	// indexes there are not multiples of the in-page offset, so the run
	// search must align against the absolute index.
	_, err := tr.Allocate(255, false)
	require.NoError(t, err)

	for _, align := range []pages.Length{3, 7, 100, 255} {
		p, err := tr.AllocateAligned(7, align, false)
		require.NoError(t, err)
		require.Zero(t, uint64(p)%uint64(align), "alignment %v", align)
	}
	checkCounters(t, tr)
}

func TestExhaustionFallsBackAcrossClasses(t *testing.T) {
	tr, _ := newTestTracker(t, HugePagesPerRegion) // single region

	// Leave a little room in every huge page, all long-lived.
	var spans []pages.PageID
	for i := 0; i < HugePagesPerRegion; i++ {
		p, err := tr.Allocate(200, false)
		require.NoError(t, err)
		spans = append(spans, p)
	}

	// No short-lived huge page exists and no new region can be
	// reserved; the request must still be served from long-lived space.
	p, err := tr.Allocate(20, true)
	require.NoError(t, err)
	require.Contains(t, []pages.HugePageID{
		spans[0].HugeIndex(), spans[1].HugeIndex(), spans[2].HugeIndex(), spans[3].HugeIndex(),
		spans[4].HugeIndex(), spans[5].HugeIndex(), spans[6].HugeIndex(), spans[7].HugeIndex(),
	}, p.HugeIndex())

	// But a request too large for any leftover hole fails with the
	// store's exhaustion error.
	_, err = tr.Allocate(100, false)
	require.ErrorIs(t, err, backing.ErrExhausted)

	checkCounters(t, tr)
}

func TestReleaseConservativeOnlyIdle(t *testing.T) {
	tr, store := newTestTracker(t, 0)

	a, err := tr.Allocate(200, false)
	require.NoError(t, err)

	// Only partially-used huge pages: nothing idle may be touched...
	// except the 7 untouched huge pages of the region, which are idle by
	// definition. Occupy them all.
	var rest []pages.PageID
	for i := 0; i < HugePagesPerRegion-1; i++ {
		p, err := tr.Allocate(200, false)
		require.NoError(t, err)
		rest = append(rest, p)
	}

	released := tr.ReleaseAtLeastNPages(10000)
	require.Equal(t, pages.Length(0), released)
	require.Equal(t, uint64(0), store.UnbackCalls())

	// Free one huge page entirely; conservative release takes exactly
	// that huge page and leaves the partial ones alone.
	tr.Deallocate(a, 200)
	released = tr.ReleaseAtLeastNPages(10000)
	require.Equal(t, pages.PerHugePage, released)
	require.Equal(t, pages.PerHugePage, tr.ReleasedPages())
	for _, p := range rest {
		tr.Deallocate(p, 200)
	}
	checkCounters(t, tr)
}

func TestReleaseConservativeLRUOrder(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	a, err := tr.Allocate(200, false)
	require.NoError(t, err)
	b, err := tr.Allocate(200, false)
	require.NoError(t, err)

	// a's huge page goes idle first, so it is the LRU victim.
	tr.Deallocate(a, 200)
	tr.Deallocate(b, 200)

	released := tr.ReleaseAtLeastNPages(1)
	require.Equal(t, pages.PerHugePage, released)

	for _, info := range tr.Snapshot() {
		switch info.ID {
		case a.HugeIndex():
			require.Equal(t, pages.PerHugePage, info.Released)
		case b.HugeIndex():
			require.Equal(t, pages.Length(0), info.Released)
		}
	}
	checkCounters(t, tr)
}

func TestReleaseBreakingLowerBound(t *testing.T) {
	tr, store := newTestTracker(t, 0)

	a, err := tr.Allocate(200, false)
	require.NoError(t, err)
	b, err := tr.Allocate(200, false)
	require.NoError(t, err)
	require.NotEqual(t, a.HugeIndex(), b.HugeIndex())

	free := tr.FreePages()
	released := tr.ReleaseAtLeastNPagesBreakingHugepages(100000)
	require.GreaterOrEqual(t, released, free)
	require.Equal(t, pages.Length(0), tr.FreePages())
	require.Equal(t, uint64(tr.ReleasedPages()), store.UnbackedPages(),
		"store and tracker must agree on unbacked pages")
	checkCounters(t, tr)

	// Released pages are re-backed transparently on reuse.
	releasedBefore := tr.ReleasedPages()
	_, err = tr.Allocate(50, false)
	require.NoError(t, err)
	require.Equal(t, pages.Length(450), tr.LivePages())
	require.Equal(t, releasedBefore-50, tr.ReleasedPages())
	require.Equal(t, uint64(tr.ReleasedPages()), store.UnbackedPages())
	checkCounters(t, tr)
}

func TestReleaseBreakingTrimsToTarget(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	// One partial huge page, everything else occupied so the idle pass
	// finds nothing.
	var spans []pages.PageID
	for i := 0; i < HugePagesPerRegion; i++ {
		p, err := tr.Allocate(200, false)
		require.NoError(t, err)
		spans = append(spans, p)
	}

	released := tr.ReleaseAtLeastNPagesBreakingHugepages(30)
	require.Equal(t, pages.Length(30), released)
	require.Equal(t, pages.Length(30), tr.ReleasedPages())
	checkCounters(t, tr)
}

func TestAbandonedCountTracksChurn(t *testing.T) {
	store := backing.NewSimStore(0)
	tr := New(store, Config{Tag: backing.TagNormal, Regions: RegionCountAbandoned})

	a, err := tr.Allocate(200, false)
	require.NoError(t, err)
	require.Equal(t, 0, tr.AbandonedHugePages())

	tr.Deallocate(a, 200)
	require.Equal(t, 1, tr.AbandonedHugePages())

	// Reuse clears the abandoned state.
	b, err := tr.Allocate(10, false)
	require.NoError(t, err)
	require.Equal(t, a.HugeIndex(), b.HugeIndex())
	require.Equal(t, 0, tr.AbandonedHugePages())
	checkCounters(t, tr)
}

func TestRandomOpsKeepInvariants(t *testing.T) {
	tr, store := newTestTracker(t, 0)
	rng := rand.New(rand.NewSource(42)) // Fixed seed for reproducibility

	type alloc struct {
		first pages.PageID
		n     pages.Length
	}
	var live []alloc

	for i := 0; i < 500; i++ {
		switch op := rng.Intn(10); {
		case op < 5: // allocate
			n := pages.Length(1 + rng.Intn(int(pages.PerHugePage)-1))
			p, err := tr.Allocate(n, rng.Intn(2) == 0)
			require.NoError(t, err, "step %d", i)
			live = append(live, alloc{p, n})
		case op < 8: // deallocate
			if len(live) == 0 {
				continue
			}
			j := rng.Intn(len(live))
			tr.Deallocate(live[j].first, live[j].n)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		case op < 9:
			tr.ReleaseAtLeastNPages(pages.Length(rng.Intn(512)))
		default:
			tr.ReleaseAtLeastNPagesBreakingHugepages(pages.Length(rng.Intn(512)))
		}
		checkCounters(t, tr)
		require.Equal(t, uint64(tr.ReleasedPages()), store.UnbackedPages(), "step %d", i)
	}

	for _, a := range live {
		tr.Deallocate(a.first, a.n)
	}
	require.Equal(t, pages.Length(0), tr.LivePages())
	checkCounters(t, tr)
}

func BenchmarkAllocFree(b *testing.B) {
	store := backing.NewSimStore(0)
	tr := New(store, Config{Tag: backing.TagNormal, Regions: RegionCountSlack})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p, err := tr.Allocate(8, false)
		if err != nil {
			b.Fatal(err)
		}
		tr.Deallocate(p, 8)
	}
}
