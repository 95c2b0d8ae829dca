package pages

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLengthConversions(t *testing.T) {
	require.Equal(t, uint64(0), Length(0).InBytes())
	require.Equal(t, uint64(PageSize), Length(1).InBytes())
	require.Equal(t, uint64(HugePageSize), PerHugePage.InBytes())

	require.Equal(t, Length(0), FromBytes(0))
	require.Equal(t, Length(1), FromBytes(1))
	require.Equal(t, Length(1), FromBytes(PageSize))
	require.Equal(t, Length(2), FromBytes(PageSize+1))
}

func TestLengthHugePages(t *testing.T) {
	require.Equal(t, uint64(0), Length(0).HugePages())
	require.Equal(t, uint64(1), Length(1).HugePages())
	require.Equal(t, uint64(1), PerHugePage.HugePages())
	require.Equal(t, uint64(2), (PerHugePage + 1).HugePages())
}

func TestPageIDHugeIndex(t *testing.T) {
	per := uint64(PerHugePage)

	require.Equal(t, HugePageID(0), PageID(0).HugeIndex())
	require.Equal(t, HugePageID(0), PageID(per-1).HugeIndex())
	require.Equal(t, HugePageID(1), PageID(per).HugeIndex())

	require.Equal(t, Length(0), PageID(per).HugeOffset())
	require.Equal(t, Length(per-1), PageID(2*per-1).HugeOffset())

	require.Equal(t, PageID(per), HugePageID(1).FirstPage())
}

func TestAddrRoundTrip(t *testing.T) {
	p := PageID(12345)
	require.Equal(t, p, AddrToPage(p.Addr()))

	h := HugePageID(77)
	require.Equal(t, h, AddrToPage(h.Addr()).HugeIndex())
	require.Equal(t, uintptr(77)<<HugePageShift, h.Addr())
}
