// Package pages provides the page arithmetic used throughout the heap.
//
// Every size in the allocator is a Length, a count of fixed-size pages.
// Keeping lengths in pages (never raw bytes) makes alignment arithmetic
// exact: there is no way to express a quantity that is not a whole
// number of pages.
//
// A HugePage is a fixed run of PerHugePage pages and is the backing
// store's unit of reservation. PageID and HugePageID index the virtual
// address space at their respective granularities; conversions between
// the two are shifts.
package pages

import "fmt"

const (
	// PageShift is log2 of the page size.
	PageShift = 13

	// PageSize is the size of one page in bytes (8 KiB).
	PageSize = 1 << PageShift

	// HugePageShift is log2 of the huge page size.
	HugePageShift = 21

	// HugePageSize is the size of one huge page in bytes (2 MiB).
	HugePageSize = 1 << HugePageShift

	// logPerHugePage is log2 of the number of pages per huge page.
	logPerHugePage = HugePageShift - PageShift

	// PerHugePage is the number of pages in one huge page.
	PerHugePage = Length(1) << logPerHugePage
)

// Length is a number of pages.
type Length uint64

// InBytes returns the length in bytes.
func (l Length) InBytes() uint64 { return uint64(l) << PageShift }

// HugePages returns the number of whole huge pages needed to hold l,
// rounding up.
func (l Length) HugePages() uint64 {
	return (uint64(l) + uint64(PerHugePage) - 1) >> logPerHugePage
}

func (l Length) String() string {
	return fmt.Sprintf("%d pages", uint64(l))
}

// FromBytes returns the smallest Length covering n bytes.
func FromBytes(n uint64) Length {
	return Length((n + PageSize - 1) >> PageShift)
}

// PageID is the index of one page in the virtual address space.
type PageID uint64

// Addr returns the first byte address of the page.
func (p PageID) Addr() uintptr { return uintptr(p) << PageShift }

// HugeIndex returns the huge page containing p.
func (p PageID) HugeIndex() HugePageID { return HugePageID(p >> logPerHugePage) }

// HugeOffset returns p's page offset within its huge page.
func (p PageID) HugeOffset() Length { return Length(p) & (PerHugePage - 1) }

// HugePageID is the index of one huge page in the virtual address space.
type HugePageID uint64

// FirstPage returns the first page of the huge page.
func (h HugePageID) FirstPage() PageID { return PageID(h) << logPerHugePage }

// Addr returns the first byte address of the huge page.
func (h HugePageID) Addr() uintptr { return uintptr(h) << HugePageShift }

// AddrToPage returns the page containing a raw address.
func AddrToPage(addr uintptr) PageID { return PageID(addr >> PageShift) }
