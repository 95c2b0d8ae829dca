//go:build unix

package backing

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pagekit/hugeheap/heap/pages"
)

// SystemStore reserves anonymous memory from the OS with mmap and
// returns it with madvise, keeping the virtual reservation alive so
// unbacked ranges can be reused without renegotiating address space.
type SystemStore struct {
	mu   sync.Mutex
	tags TagTable
}

// NewSystemStore returns an OS-backed store.
func NewSystemStore() *SystemStore { return &SystemStore{} }

// Reserve implements Store. The mapping is over-sized by one huge page
// and trimmed so the returned range starts on a huge page boundary.
func (s *SystemStore) Reserve(tag MemoryTag, n int) (pages.HugePageID, error) {
	if n <= 0 {
		panic(fmt.Sprintf("backing: Reserve of %d huge pages", n))
	}
	tag = tag.Normalize()

	size := n << pages.HugePageShift
	data, err := unix.Mmap(-1, 0, size+pages.HugePageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("sys reserve of %d huge pages: %v: %w", n, err, ErrExhausted)
	}

	addr := uintptr(unsafe.Pointer(&data[0]))
	aligned := (addr + pages.HugePageSize - 1) &^ (pages.HugePageSize - 1)
	head := int(aligned - addr)
	if head > 0 {
		if err := unix.Munmap(data[:head]); err != nil {
			return 0, fmt.Errorf("sys reserve: trim head: %w", err)
		}
	}
	if tail := len(data) - head - size; tail > 0 {
		if err := unix.Munmap(data[head+size:]); err != nil {
			return 0, fmt.Errorf("sys reserve: trim tail: %w", err)
		}
	}

	id := pages.AddrToPage(aligned).HugeIndex()

	s.mu.Lock()
	s.tags.Insert(id.FirstPage(), pages.Length(n)*pages.PerHugePage, tag)
	s.mu.Unlock()
	return id, nil
}

// Unback implements Store via MADV_DONTNEED: the physical pages go back
// to the OS, the mapping stays.
func (s *SystemStore) Unback(p pages.PageID, n pages.Length) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(p.Addr())), n.InBytes())
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("sys unback of %v at page %d: %w", n, p, err)
	}
	return nil
}

// Back implements Store. Anonymous mappings fault zero pages back in on
// first touch, so nothing is required here.
func (s *SystemStore) Back(p pages.PageID, n pages.Length) error {
	return nil
}

// TagOf implements Store.
func (s *SystemStore) TagOf(p pages.PageID) (MemoryTag, bool) {
	return s.tags.Lookup(p)
}
