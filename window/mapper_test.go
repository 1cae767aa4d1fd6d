package window

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapper_BringIntoViewCoversOffset(t *testing.T) {
	pl, err := NewPageList(64 * 1024 * 1024)
	require.NoError(t, err)
	defer pl.Close()

	m := NewMapper(pl, 16*1024*1024)
	for _, offset := range []int64{0, 1, 16*1024*1024 - 1, 16 * 1024 * 1024, 40 * 1024 * 1024} {
		data, usable, err := m.BringIntoView(offset)
		require.NoError(t, err)
		require.GreaterOrEqual(t, usable, int64(0))
		require.LessOrEqual(t, usable, 2*m.RequestLimit())
		require.LessOrEqual(t, int64(len(data)), usable+1) // data starts at offset, len==usable normally
	}
}

func TestMapper_WriteThenReadRoundTrips(t *testing.T) {
	pl, err := NewPageList(1024 * 1024)
	require.NoError(t, err)
	defer pl.Close()

	m := NewMapper(pl, 256*1024)
	data, _, err := m.BringIntoView(0x0F000)
	require.NoError(t, err)
	pattern := bytes.Repeat([]byte{'A'}, 0x2000)
	copy(data, pattern)

	data2, usable, err := m.BringIntoView(0x10000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable, int64(0x400))
	require.True(t, bytes.Equal(data2[:0x400], bytes.Repeat([]byte{'A'}, 0x400)))
}

func TestMapper_GrowPreservesContentAcrossReallocation(t *testing.T) {
	// Scenario 6 from spec.md §8.
	pl, err := NewPageList(16 * 1024 * 1024)
	require.NoError(t, err)
	defer pl.Close()

	m := NewMapper(pl, DefaultWindowSize)
	offset := int64(15 * 1024 * 1024)
	length := int64(1024 * 1024)
	data, usable, err := m.BringIntoView(offset)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable, length)
	fill := bytes.Repeat([]byte{0xAA}, int(length))
	copy(data[:length], fill)

	require.NoError(t, m.Grow(32*1024*1024))

	data2, usable2, err := m.BringIntoView(offset)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable2, length)
	require.True(t, bytes.Equal(data2[:length], fill))
}

func TestMapper_OnlyOneWindowLiveAtATime(t *testing.T) {
	pl, err := NewPageList(64 * 1024 * 1024)
	require.NoError(t, err)
	defer pl.Close()

	m := NewMapper(pl, 8*1024*1024)
	_, _, err = m.BringIntoView(0)
	require.NoError(t, err)
	base1 := m.base
	_, _, err = m.BringIntoView(40 * 1024 * 1024)
	require.NoError(t, err)
	require.NotEqual(t, base1, m.base)
}
