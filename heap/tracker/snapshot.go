package tracker

import "github.com/pagekit/hugeheap/heap/pages"

// SystemPages returns all pages reserved from the backing store.
func (t *Tracker) SystemPages() pages.Length {
	return pages.Length(len(t.regions)) * HugePagesPerRegion * pages.PerHugePage
}

// FreePages returns backed pages not inside any live span.
func (t *Tracker) FreePages() pages.Length { return t.freeBacked }

// ReleasedPages returns reserved pages currently returned to the OS.
func (t *Tracker) ReleasedPages() pages.Length { return t.releasedPages }

// LivePages returns pages inside live spans.
func (t *Tracker) LivePages() pages.Length { return t.live }

// RegionCount returns the number of regions reserved.
func (t *Tracker) RegionCount() int { return len(t.regions) }

// AbandonedHugePages returns huge pages that emptied and have not been
// reused.
func (t *Tracker) AbandonedHugePages() int { return t.abandoned }

// HugePageInfo is a read-only view of one huge page's fill state.
type HugePageInfo struct {
	ID         pages.HugePageID
	Used       pages.Length
	Released   pages.Length
	ShortLived bool
	UsedMask   [bitWords]uint64
}

// Free returns the huge page's backed free pages.
func (i HugePageInfo) Free() pages.Length {
	return pages.PerHugePage - i.Used - i.Released
}

// Snapshot returns the fill state of every huge page in address order.
// It is diagnostic only; the tracker's counters stay authoritative.
func (t *Tracker) Snapshot() []HugePageInfo {
	out := make([]HugePageInfo, 0, len(t.regions)*HugePagesPerRegion)
	for _, r := range t.regions {
		for i := range r.hps {
			hp := &r.hps[i]
			out = append(out, HugePageInfo{
				ID:         hp.id,
				Used:       pages.Length(hp.usedCount),
				Released:   pages.Length(hp.releasedCount),
				ShortLived: hp.shortLived,
				UsedMask:   [bitWords]uint64(hp.used),
			})
		}
	}
	return out
}
