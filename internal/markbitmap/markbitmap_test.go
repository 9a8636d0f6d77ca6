package markbitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkBeginOnlyFirstCallerWins(t *testing.T) {
	m := New(256)
	require.True(t, m.MarkBegin(10))
	require.False(t, m.MarkBegin(10))
	require.True(t, m.IsMarked(10))
	require.False(t, m.IsMarked(11))
}

func TestMarkEndIdempotent(t *testing.T) {
	m := New(256)
	m.MarkEnd(20)
	require.True(t, m.IsEndMarked(20))
	m.MarkEnd(20)
	require.True(t, m.IsEndMarked(20))
}

func TestResetClearsBothArrays(t *testing.T) {
	m := New(256)
	m.MarkBegin(5)
	m.MarkEnd(8)
	m.Reset()
	require.False(t, m.IsMarked(5))
	require.False(t, m.IsEndMarked(8))
}

func TestFindNextFreeWordWholeRangeFree(t *testing.T) {
	m := New(256)
	end, ok := m.FindNextFreeWord(0, 128)
	require.True(t, ok)
	require.Equal(t, uint64(128), end)
}

func TestFindNextFreeWordBoundedByNextObject(t *testing.T) {
	m := New(256)
	m.MarkBegin(40)
	m.MarkEnd(42)
	end, ok := m.FindNextFreeWord(0, 128)
	require.True(t, ok)
	require.Equal(t, uint64(40), end)
}

func TestFindNextFreeWordFromInsideObjectFails(t *testing.T) {
	m := New(256)
	m.MarkBegin(40)
	m.MarkEnd(42)
	_, ok := m.FindNextFreeWord(40, 128)
	require.False(t, ok)
}

func TestObjectEndFindsMatchingEndBit(t *testing.T) {
	m := New(256)
	m.MarkBegin(10)
	m.MarkEnd(15)
	end, ok := m.ObjectEnd(10, 256)
	require.True(t, ok)
	require.Equal(t, uint64(15), end)
}

func TestFindPrevUsedWordWalksBackward(t *testing.T) {
	m := New(256)
	m.MarkBegin(5)
	m.MarkEnd(9)
	prev, ok := m.FindPrevUsedWord(50)
	require.True(t, ok)
	require.Equal(t, uint64(9), prev)
}

func TestFindPrevUsedWordNoneBeforeStart(t *testing.T) {
	m := New(256)
	_, ok := m.FindPrevUsedWord(10)
	require.False(t, ok)
}

func TestSweepBitmapSenseFlipAvoidsClearingPass(t *testing.T) {
	s := NewSweepBitmap(64)
	require.True(t, s.MarkDone(3, true))
	require.True(t, s.IsDone(3, true))
	require.False(t, s.IsDone(3, false))

	// Next cycle flips sense; previously-done chunk now reads "not done"
	// under the new sense without any bulk clear.
	require.False(t, s.IsDone(3, false))
	require.True(t, s.MarkDone(3, false))
	require.True(t, s.IsDone(3, false))
}

func TestSweepBitmapMarkDoneRaceLoses(t *testing.T) {
	s := NewSweepBitmap(64)
	require.True(t, s.MarkDone(7, true))
	require.False(t, s.MarkDone(7, true))
}

func TestMarkBitmapCrossesWordBoundary(t *testing.T) {
	m := New(256)
	m.MarkBegin(63)
	require.True(t, m.IsMarked(63))
	require.False(t, m.IsMarked(64))
	m.MarkBegin(64)
	require.True(t, m.IsMarked(64))
}
