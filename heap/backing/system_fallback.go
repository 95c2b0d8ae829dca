//go:build !unix

package backing

import "github.com/pagekit/hugeheap/heap/pages"

// SystemStore falls back to a simulated address space on platforms
// without mmap/madvise support.
type SystemStore struct {
	sim *SimStore
}

// NewSystemStore returns a store backed by a SimStore.
func NewSystemStore() *SystemStore {
	return &SystemStore{sim: NewSimStore(0)}
}

// Reserve implements Store.
func (s *SystemStore) Reserve(tag MemoryTag, n int) (pages.HugePageID, error) {
	return s.sim.Reserve(tag, n)
}

// Unback implements Store.
func (s *SystemStore) Unback(p pages.PageID, n pages.Length) error {
	return s.sim.Unback(p, n)
}

// Back implements Store.
func (s *SystemStore) Back(p pages.PageID, n pages.Length) error {
	return s.sim.Back(p, n)
}

// TagOf implements Store.
func (s *SystemStore) TagOf(p pages.PageID) (MemoryTag, bool) {
	return s.sim.TagOf(p)
}
