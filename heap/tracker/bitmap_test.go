package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetClearCount(t *testing.T) {
	var b pageBits
	require.Equal(t, 0, b.count())

	b.setRange(0, 1)
	b.setRange(60, 10) // crosses a word boundary
	b.setRange(255, 1)
	require.Equal(t, 12, b.count())
	require.True(t, b.get(0))
	require.True(t, b.get(63))
	require.True(t, b.get(64))
	require.True(t, b.get(255))
	require.False(t, b.get(1))

	require.True(t, b.rangeIsSet(60, 10))
	require.False(t, b.rangeIsSet(59, 2))
	require.Equal(t, 10, b.countRange(55, 20))

	b.clearRange(60, 10)
	require.Equal(t, 2, b.count())
	require.True(t, b.rangeIsClear(1, 254))
}

func TestBitmapFindRun(t *testing.T) {
	var b pageBits
	require.Equal(t, 0, b.findRun(256, 1, 0))
	require.Equal(t, 0, b.findRun(1, 64, 0))

	b.setRange(0, 10)
	require.Equal(t, 10, b.findRun(5, 1, 0))
	require.Equal(t, 16, b.findRun(5, 16, 0))
	require.Equal(t, 64, b.findRun(5, 64, 0))

	// A nonzero phase shifts every candidate offset.
	require.Equal(t, 18, b.findRun(5, 16, 2))
	require.Equal(t, 67, b.findRun(5, 64, 3))
	require.Equal(t, -1, b.findRun(8, 256, 250))

	// Only one gap big enough.
	b.setRange(10, 240) // [0, 250) set
	require.Equal(t, 250, b.findRun(6, 1, 0))
	require.Equal(t, -1, b.findRun(7, 1, 0))
	require.Equal(t, -1, b.findRun(6, 4, 0))
	require.Equal(t, 250, b.findRun(6, 4, 2))
}

func TestBitmapSetRuns(t *testing.T) {
	var b pageBits
	b.setRange(3, 4)
	b.setRange(62, 5) // crosses a word boundary
	b.setRange(255, 1)

	type run struct{ start, n int }
	var got []run
	b.setRuns(func(start, n int) bool {
		got = append(got, run{start, n})
		return true
	})
	require.Equal(t, []run{{3, 4}, {62, 5}, {255, 1}}, got)

	// Early stop.
	got = nil
	b.setRuns(func(start, n int) bool {
		got = append(got, run{start, n})
		return false
	})
	require.Equal(t, []run{{3, 4}}, got)
}
