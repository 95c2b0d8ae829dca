package heap

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pagekit/hugeheap/heap/backing"
	"github.com/pagekit/hugeheap/heap/lifetime"
	"github.com/pagekit/hugeheap/heap/pages"
	"github.com/pagekit/hugeheap/heap/span"
)

// Exercise interprets data as a small opcoded program exploring the
// allocator's state space, re-checking the accounting invariants after
// every operation. It backs both the fuzz targets and the heapctl
// exercise command, so any interesting input can be replayed
// deterministically.
//
// Layout:
//
//	[0]      memory tag
//	[1]      region count option
//	[2]      lifetime mode
//	[3]      lifetime strategy
//	[4]      short-lived threshold, in milliseconds
//	[5:13]   reserved
//
// then 9-byte records until the buffer is exhausted:
//
//	[i]        opcode (low three bits)
//	[i+1:i+9]  little-endian uint64 operand
//
// Opcodes: 0 allocate (operand selects length, object count, alignment
// and whether the aligned entry point is used), 1 deallocate (operand
// selects which live span), 2 conservative release, 3 breaking release
// (checked against its lower-bound guarantee), 4 structured print,
// 5 text print, 6 stats check. Invariant failures panic.
func Exercise(data []byte) {
	if len(data) < 13 || len(data) > 100000 {
		// Too little entropy to configure the allocator, or large
		// enough that per-op checking gets slow.
		return
	}

	tagOptions := []backing.MemoryTag{
		backing.TagSampled, backing.TagNormal, backing.TagNormalP1,
		backing.TagCold, backing.TagMetadata,
	}
	tag := tagOptions[int(data[0])%len(tagOptions)].Normalize()

	regions := HugeRegionCountAbandoned
	if data[1] >= 128 {
		regions = HugeRegionCountSlack
	}

	var mode lifetime.Mode
	switch {
	case data[2] < 85:
		mode = lifetime.ModeEnabled
	case data[2] < 170:
		mode = lifetime.ModeDisabled
	default:
		mode = lifetime.ModeCounterfactual
	}
	strategy := lifetime.StrategyPredictedLifetimeRegions
	if data[3] >= 128 {
		strategy = lifetime.StrategyAlwaysShortLivedRegions
	}

	a := NewAllocator(Config{
		Tag:     tag,
		Regions: regions,
		Lifetime: lifetime.Options{
			Mode:      mode,
			Strategy:  strategy,
			Threshold: time.Duration(data[4]) * time.Millisecond,
		},
		Store: backing.NewSimStore(0),
	})

	type spanInfo struct {
		s       *span.Span
		objects int
	}
	var allocs []spanInfo
	var allocated pages.Length

	for i := 13; i+9 <= len(data); i += 9 {
		op := data[i] & 0x7
		value := binary.LittleEndian.Uint64(data[i+1 : i+9])

		switch op {
		case 0:
			// value[0:15] length, value[16:31] object count,
			// value[32:47] alignment, value[48] plain-vs-aligned.
			length := clampLength(value&0xFFFF, 1, pages.PerHugePage-1)
			objects := int((value >> 16) & 0xFFFF)

			var s *span.Span
			var err error
			if (value>>48)&0x1 == 0 {
				align := clampLength((value>>32)&0xFFFF, 1, pages.PerHugePage-1)
				s, err = a.NewAligned(length, align, objects)
				if err == nil {
					exerciseAssert(uint64(s.FirstPage())%uint64(align) == 0,
						"span at %d not aligned to %v", s.FirstPage(), align)
				}
			} else {
				s, err = a.New(length, objects)
			}
			exerciseAssert(err == nil, "allocation of %v failed: %v", length, err)
			exerciseAssert(s.NumPages() >= length,
				"span of %v for request of %v", s.NumPages(), length)

			allocs = append(allocs, spanInfo{s: s, objects: objects})
			allocated += s.NumPages()
		case 1:
			if len(allocs) == 0 {
				continue
			}
			pos := int(value % uint64(len(allocs)))
			allocs[pos], allocs[len(allocs)-1] = allocs[len(allocs)-1], allocs[pos]
			info := allocs[len(allocs)-1]
			allocs = allocs[:len(allocs)-1]
			allocated -= info.s.NumPages()
			a.Delete(info.s, info.objects)
		case 2:
			a.ReleaseAtLeastNPages(pages.Length(value & 0xFF))
		case 3:
			desired := pages.Length(value & 0xFF)
			before := a.Stats()
			released := a.ReleaseAtLeastNPagesBreakingHugepages(desired)
			exerciseAssert(released.InBytes() >= min(desired.InBytes(), before.FreeBytes),
				"breaking release of %v returned %v with %d free bytes",
				desired, released, before.FreeBytes)
		case 4:
			if err := a.PrintStructured(io.Discard); err != nil {
				panic(fmt.Sprintf("heap: exercise: structured print: %v", err))
			}
		case 5:
			a.Print(io.Discard, value%2 == 0)
		case 6:
			st := a.Stats()
			exerciseAssert(st.LiveBytes() == allocated.InBytes(),
				"%d live bytes accounted, %d allocated", st.LiveBytes(), allocated.InBytes())
		}
	}

	for _, info := range allocs {
		allocated -= info.s.NumPages()
		a.Delete(info.s, info.objects)
	}
	exerciseAssert(allocated == 0, "%v pages left after final cleanup", allocated)
	st := a.Stats()
	exerciseAssert(st.LiveBytes() == 0, "%d live bytes after deleting every span", st.LiveBytes())
}

func clampLength(v uint64, lo, hi pages.Length) pages.Length {
	n := pages.Length(v)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func exerciseAssert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("heap: exercise: "+format, args...))
	}
}
