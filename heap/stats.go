package heap

// BackingStats is a snapshot of an allocator's byte accounting.
//
// At all times, under the lock:
//
//	SystemBytes == FreeBytes + UnmappedBytes + live span bytes
type BackingStats struct {
	// SystemBytes is everything reserved from the OS.
	SystemBytes uint64 `json:"system_bytes"`

	// FreeBytes is reserved, backed memory not handed to any live span.
	FreeBytes uint64 `json:"free_bytes"`

	// UnmappedBytes is reserved memory released back to the OS and not
	// yet reused.
	UnmappedBytes uint64 `json:"unmapped_bytes"`
}

// LiveBytes returns the bytes inside live spans.
func (s BackingStats) LiveBytes() uint64 {
	return s.SystemBytes - s.FreeBytes - s.UnmappedBytes
}

// Stats returns the running counters. The read is O(1) and taken under
// the lock, so it is always self-consistent.
func (a *Allocator) Stats() BackingStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statsLocked()
}

func (a *Allocator) statsLocked() BackingStats {
	return BackingStats{
		SystemBytes:   a.tracker.SystemPages().InBytes(),
		FreeBytes:     a.tracker.FreePages().InBytes(),
		UnmappedBytes: a.tracker.ReleasedPages().InBytes(),
	}
}
