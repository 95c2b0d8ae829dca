// Package backing owns the boundary between the heap and the operating
// system's virtual memory.
//
// A Store hands out address space in whole huge pages, tagged with a
// MemoryTag that partitions the address space by allocation class. Tag
// assignment is permanent: once a range is reserved under a tag it is
// never reassigned, so the tag of any live pointer is recoverable from
// the address alone via a TagTable range lookup, with no per-allocation
// metadata.
//
// Reservation is huge-page granular. Unback and Back are page granular
// because the release engine may return free runs inside a
// partially-used huge page to the OS without giving up the virtual
// address reservation.
//
// Two implementations are provided: SystemStore maps anonymous memory
// through the OS (unix builds), and SimStore simulates an address space
// for tests and tooling.
package backing

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pagekit/hugeheap/heap/pages"
)

// ErrExhausted indicates the store could not reserve more address
// space. It is a failure of the request, never of the process; callers
// propagate it and decide whether to degrade or abort.
var ErrExhausted = errors.New("backing: address space exhausted")

// MemoryTag identifies the allocation class of an address range.
type MemoryTag uint8

const (
	// TagNormal is ordinary memory (NUMA partition 0).
	TagNormal MemoryTag = iota

	// TagNormalP1 is ordinary memory on NUMA partition 1.
	TagNormalP1

	// TagSampled is memory whose allocations are sampled for profiling.
	TagSampled

	// TagCold is memory expected to be rarely accessed.
	TagCold

	// TagMetadata is the allocator's own bookkeeping memory.
	TagMetadata

	numTags
)

// NumNUMAPartitions is the number of NUMA partitions the normal tag is
// split across. With one partition, TagNormalP1 folds into TagNormal.
const NumNUMAPartitions = 1

func (t MemoryTag) String() string {
	switch t {
	case TagNormal:
		return "normal"
	case TagNormalP1:
		return "normal_p1"
	case TagSampled:
		return "sampled"
	case TagCold:
		return "cold"
	case TagMetadata:
		return "metadata"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Normalize folds NUMA partition tags that exceed the configured
// partition count.
func (t MemoryTag) Normalize() MemoryTag {
	if NumNUMAPartitions == 1 && t == TagNormalP1 {
		return TagNormal
	}
	return t
}

// Store reserves and releases huge-page-sized address ranges.
//
// All implementations must keep the tag of a reserved range stable for
// the life of the process.
type Store interface {
	// Reserve obtains n contiguous huge pages tagged tag. The range is
	// backed on return. Returns ErrExhausted (possibly wrapped) when no
	// address space or memory is available.
	Reserve(tag MemoryTag, n int) (pages.HugePageID, error)

	// Unback returns the pages [p, p+n) to the OS while keeping the
	// virtual address reservation, so the range can be re-backed later
	// without renegotiating address space.
	Unback(p pages.PageID, n pages.Length) error

	// Back restores the pages [p, p+n) before reuse. For anonymous
	// memory this may be a no-op (the OS faults in zero pages).
	Back(p pages.PageID, n pages.Length) error

	// TagOf reports the tag owning the page, if any reservation covers
	// it.
	TagOf(p pages.PageID) (MemoryTag, bool)
}

// tagRange is one reserved range in a TagTable.
type tagRange struct {
	first pages.PageID
	limit pages.PageID // exclusive
	tag   MemoryTag
}

// TagTable maps address ranges to the MemoryTag they were reserved
// under. Lookups are binary searches over a sorted, non-overlapping
// range set.
type TagTable struct {
	mu     sync.RWMutex
	ranges []tagRange
}

// Insert records [first, first+n) as owned by tag. Overlapping an
// existing range is a programming error and panics: tags are permanent
// and ranges of different tags never overlap.
func (t *TagTable) Insert(first pages.PageID, n pages.Length, tag MemoryTag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := first + pages.PageID(n)
	i := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].first >= first
	})
	if i < len(t.ranges) && t.ranges[i].first < limit {
		panic(fmt.Sprintf("backing: tag range [%d, %d) overlaps existing range starting at %d",
			first, limit, t.ranges[i].first))
	}
	if i > 0 && t.ranges[i-1].limit > first {
		panic(fmt.Sprintf("backing: tag range [%d, %d) overlaps existing range ending at %d",
			first, limit, t.ranges[i-1].limit))
	}

	// Merge with a same-tag neighbor when the ranges touch; bump
	// reservations from the same arena are contiguous in practice.
	if i > 0 && t.ranges[i-1].limit == first && t.ranges[i-1].tag == tag {
		t.ranges[i-1].limit = limit
		return
	}
	t.ranges = append(t.ranges, tagRange{})
	copy(t.ranges[i+1:], t.ranges[i:])
	t.ranges[i] = tagRange{first: first, limit: limit, tag: tag}
}

// Lookup returns the tag owning page p, if any.
func (t *TagTable) Lookup(p pages.PageID) (MemoryTag, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].limit > p
	})
	if i < len(t.ranges) && t.ranges[i].first <= p {
		return t.ranges[i].tag, true
	}
	return 0, false
}

// LookupAddr returns the tag owning a raw address, if any.
func (t *TagTable) LookupAddr(addr uintptr) (MemoryTag, bool) {
	return t.Lookup(pages.AddrToPage(addr))
}

// Len returns the number of distinct ranges in the table.
func (t *TagTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ranges)
}
