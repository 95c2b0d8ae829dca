// Package span defines the handle returned for every page-run
// allocation.
//
// A Span is exclusively owned by the caller from allocation until it is
// handed back to Delete. It is a plain record of the run's placement;
// the allocator's region tracker holds the authoritative bookkeeping,
// so a Span is never consulted to decide what is free.
package span

import "github.com/pagekit/hugeheap/heap/pages"

// Span is a contiguous run of pages owned by one allocation.
type Span struct {
	first   pages.PageID
	n       pages.Length
	objects int
}

// New returns a span covering [first, first+n) subdivided into objects
// fixed-size objects (0 for large, undivided spans).
func New(first pages.PageID, n pages.Length, objects int) *Span {
	return &Span{first: first, n: n, objects: objects}
}

// FirstPage returns the first page of the run.
func (s *Span) FirstPage() pages.PageID { return s.first }

// NumPages returns the run length.
func (s *Span) NumPages() pages.Length { return s.n }

// Objects returns the object count the run is divided into.
func (s *Span) Objects() int { return s.objects }

// InBytes returns the run's size in bytes.
func (s *Span) InBytes() uint64 { return s.n.InBytes() }

// Addr returns the address of the run's first byte.
func (s *Span) Addr() uintptr { return s.first.Addr() }
