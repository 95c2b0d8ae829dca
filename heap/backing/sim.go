package backing

import (
	"fmt"
	"sync"

	"github.com/pagekit/hugeheap/heap/pages"
)

// simArenaHugePages is the per-tag arena width in huge pages. Each tag
// bumps through its own disjoint slice of the page-ID space so the tag
// of a simulated address is decided by the arena it falls in, the same
// property real reservations get from the TagTable.
const simArenaHugePages = 1 << 40

// SimStore is an in-memory Store. It hands out page IDs without mapping
// any real memory, which makes it the backing of choice for tests, the
// exerciser, and the CLI tools.
//
// A SimStore is safe for concurrent use.
type SimStore struct {
	mu   sync.Mutex
	next [numTags]uint64 // per-tag bump cursor, in huge pages
	tags TagTable

	capHugePages uint64 // 0 = unlimited
	reserved     uint64 // huge pages handed out

	unbackedPages uint64 // pages currently returned to the OS

	// Counters for tests and tooling.
	reserveCalls uint64
	unbackCalls  uint64
	backCalls    uint64
}

// NewSimStore returns a simulated store limited to capHugePages huge
// pages across all tags; 0 means unlimited.
func NewSimStore(capHugePages uint64) *SimStore {
	return &SimStore{capHugePages: capHugePages}
}

// Reserve implements Store by bumping the tag's arena cursor.
func (s *SimStore) Reserve(tag MemoryTag, n int) (pages.HugePageID, error) {
	if n <= 0 {
		panic(fmt.Sprintf("backing: Reserve of %d huge pages", n))
	}
	tag = tag.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capHugePages != 0 && s.reserved+uint64(n) > s.capHugePages {
		return 0, fmt.Errorf("sim reserve of %d huge pages: %w", n, ErrExhausted)
	}

	base := uint64(tag)*simArenaHugePages + s.next[tag]
	s.next[tag] += uint64(n)
	s.reserved += uint64(n)
	s.reserveCalls++

	id := pages.HugePageID(base)
	s.tags.Insert(id.FirstPage(), pages.Length(n)*pages.PerHugePage, tag)
	return id, nil
}

// Unback implements Store. The traffic is balanced against Back so
// tests can check release accounting against the allocator's own;
// unbacking an unreserved page panics.
func (s *SimStore) Unback(p pages.PageID, n pages.Length) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tags.Lookup(p); !ok {
		panic(fmt.Sprintf("backing: Unback of unreserved page %d", p))
	}
	s.unbackedPages += uint64(n)
	s.unbackCalls++
	return nil
}

// Back implements Store. Backing more pages than are currently
// unbacked is a caller accounting bug and panics.
func (s *SimStore) Back(p pages.PageID, n pages.Length) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tags.Lookup(p); !ok {
		panic(fmt.Sprintf("backing: Back of unreserved page %d", p))
	}
	if uint64(n) > s.unbackedPages {
		panic(fmt.Sprintf("backing: Back of %v with only %d pages unbacked", n, s.unbackedPages))
	}
	s.unbackedPages -= uint64(n)
	s.backCalls++
	return nil
}

// TagOf implements Store.
func (s *SimStore) TagOf(p pages.PageID) (MemoryTag, bool) {
	return s.tags.Lookup(p)
}

// ReserveCalls returns the number of Reserve calls served.
func (s *SimStore) ReserveCalls() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveCalls
}

// UnbackCalls returns the number of Unback calls served.
func (s *SimStore) UnbackCalls() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unbackCalls
}

// UnbackedPages returns the pages currently returned to the OS across
// every reservation.
func (s *SimStore) UnbackedPages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unbackedPages
}

// ReservedHugePages returns the total huge pages handed out.
func (s *SimStore) ReservedHugePages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}
