package heap

import (
	"encoding/json"
	"io"
	"math/bits"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pagekit/hugeheap/heap/lifetime"
	"github.com/pagekit/hugeheap/heap/tracker"
)

// printSnapshot is everything the renderers need, captured in one
// critical section so the output is self-consistent.
type printSnapshot struct {
	tag       string
	regions   string
	stats     BackingStats
	nRegions  int
	abandoned int
	hugePages []tracker.HugePageInfo
	opts      lifetime.Options
	predictor lifetime.Stats
}

func (a *Allocator) snapshot() printSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return printSnapshot{
		tag:       a.cfg.Tag.String(),
		regions:   a.cfg.Regions.String(),
		stats:     a.statsLocked(),
		nRegions:  a.tracker.RegionCount(),
		abandoned: a.tracker.AbandonedHugePages(),
		hugePages: a.tracker.Snapshot(),
		opts:      a.predictor.Options(),
		predictor: a.predictor.Stats(),
	}
}

// Print renders the allocator's state as human-readable text. With
// everything false the per-huge-page fill maps are omitted. Printing is
// diagnostic only: Stats is the authoritative read.
func (a *Allocator) Print(w io.Writer, everything bool) {
	snap := a.snapshot()
	p := message.NewPrinter(language.English)

	p.Fprintf(w, "HugePageAware: tag %s, region policy %s\n", snap.tag, snap.regions)
	p.Fprintf(w, "HugePageAware: %d regions, %d hugepages (%d abandoned)\n",
		snap.nRegions, len(snap.hugePages), snap.abandoned)
	p.Fprintf(w, "HugePageAware: %d bytes system, %d bytes free, %d bytes unmapped, %d bytes live\n",
		snap.stats.SystemBytes, snap.stats.FreeBytes, snap.stats.UnmappedBytes, snap.stats.LiveBytes())
	p.Fprintf(w, "HugePageAware: lifetime mode %s, strategy %s, threshold %v\n",
		snap.opts.Mode, snap.opts.Strategy, snap.opts.Threshold)
	p.Fprintf(w, "HugePageAware: %d predictions (%d short-lived), %d hits, %d misses, %d pending\n",
		snap.predictor.Predictions, snap.predictor.ShortPredicted,
		snap.predictor.Hits, snap.predictor.Misses, snap.predictor.Pending)

	if !everything {
		return
	}
	for _, hp := range snap.hugePages {
		class := "long"
		if hp.ShortLived {
			class = "short"
		}
		p.Fprintf(w, "HugePageAware: hugepage %d: %d used, %d free, %d released, %s [%s]\n",
			uint64(hp.ID), uint64(hp.Used), uint64(hp.Free()), uint64(hp.Released),
			class, fillMap(hp.UsedMask))
	}
}

// fillMap renders a huge page's used bitmap, one character per four
// pages: '.' for none used through '#' for all four.
func fillMap(mask [4]uint64) string {
	const glyphs = ".123#"
	var b strings.Builder
	for _, w := range mask {
		for nib := 0; nib < 16; nib++ {
			b.WriteByte(glyphs[bits.OnesCount64(w&0xF)])
			w >>= 4
		}
	}
	return b.String()
}

// structuredHugePage is one huge page in the structured dump.
type structuredHugePage struct {
	ID         uint64 `json:"id"`
	UsedPages  uint64 `json:"used_pages"`
	FreePages  uint64 `json:"free_pages"`
	Released   uint64 `json:"released_pages"`
	ShortLived bool   `json:"short_lived"`
}

// structuredDump is the machine-readable rendering contract.
type structuredDump struct {
	Tag            string               `json:"tag"`
	RegionPolicy   string               `json:"region_policy"`
	Regions        int                  `json:"regions"`
	AbandonedHuge  int                  `json:"abandoned_hugepages"`
	Stats          BackingStats         `json:"stats"`
	LiveBytes      uint64               `json:"live_bytes"`
	LifetimeMode   string               `json:"lifetime_mode"`
	Strategy       string               `json:"lifetime_strategy"`
	ThresholdNanos int64                `json:"lifetime_threshold_ns"`
	Predictor      lifetime.Stats       `json:"predictor"`
	HugePages      []structuredHugePage `json:"hugepages"`
}

// PrintStructured renders the same state as Print in a machine-parsable
// JSON document.
func (a *Allocator) PrintStructured(w io.Writer) error {
	snap := a.snapshot()

	dump := structuredDump{
		Tag:            snap.tag,
		RegionPolicy:   snap.regions,
		Regions:        snap.nRegions,
		AbandonedHuge:  snap.abandoned,
		Stats:          snap.stats,
		LiveBytes:      snap.stats.LiveBytes(),
		LifetimeMode:   snap.opts.Mode.String(),
		Strategy:       snap.opts.Strategy.String(),
		ThresholdNanos: snap.opts.Threshold.Nanoseconds(),
		Predictor:      snap.predictor,
		HugePages:      make([]structuredHugePage, 0, len(snap.hugePages)),
	}
	for _, hp := range snap.hugePages {
		dump.HugePages = append(dump.HugePages, structuredHugePage{
			ID:         uint64(hp.ID),
			UsedPages:  uint64(hp.Used),
			FreePages:  uint64(hp.Free()),
			Released:   uint64(hp.Released),
			ShortLived: hp.ShortLived,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dump)
}
