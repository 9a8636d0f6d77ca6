package wbarrier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabricattached/mpgc/internal/markbitmap"
	"github.com/fabricattached/mpgc/internal/offsetptr"
	"github.com/fabricattached/mpgc/internal/phase"
	"github.com/fabricattached/mpgc/internal/procblock"
	"github.com/fabricattached/mpgc/internal/workqueue"
)

func newTestBarrier(t *testing.T, ph phase.Phase) (*Barrier, *workqueue.MarkBuffer) {
	t.Helper()
	bitmap := markbitmap.New(256)
	control := &procblock.ControlBlock{}
	control.GlobalBarrier.Store(procblock.PhaseCode(ph), 1)
	buf := workqueue.NewMarkBuffer()
	return New(bitmap, control, buf), buf
}

func TestStoreRefShortCircuitsOnNoop(t *testing.T) {
	b, buf := newTestBarrier(t, phase.Marking1)
	ref := offsetptr.FromWord(5)
	stored := false
	b.StoreRef(ref, ref, func() { stored = true })
	require.True(t, stored)
	require.Equal(t, 0, buf.Len())
}

func TestStoreRefAsyncGreysOldOnly(t *testing.T) {
	b, buf := newTestBarrier(t, phase.Marking1)
	oldRef := offsetptr.FromWord(1)
	newRef := offsetptr.FromWord(2)
	b.StoreRef(oldRef, newRef, func() {})
	require.Equal(t, 1, buf.Len())
	v, ok := buf.Pop()
	require.True(t, ok)
	require.Equal(t, oldRef, v)
}

func TestStoreRefSyncGreysBoth(t *testing.T) {
	b, buf := newTestBarrier(t, phase.Sync)
	oldRef := offsetptr.FromWord(1)
	newRef := offsetptr.FromWord(2)
	b.StoreRef(oldRef, newRef, func() {})
	require.Equal(t, 2, buf.Len())
}

func TestStoreRefNeitherPhaseGreysNothing(t *testing.T) {
	b, buf := newTestBarrier(t, phase.PreMarking)
	oldRef := offsetptr.FromWord(1)
	newRef := offsetptr.FromWord(2)
	b.StoreRef(oldRef, newRef, func() {})
	require.Equal(t, 0, buf.Len())
}

func TestStoreRefSkipsAlreadyMarkedReferences(t *testing.T) {
	bitmap := markbitmap.New(256)
	bitmap.MarkBegin(1)
	control := &procblock.ControlBlock{}
	control.GlobalBarrier.Store(procblock.PhaseCode(phase.Sync), 1)
	buf := workqueue.NewMarkBuffer()
	b := New(bitmap, control, buf)

	oldRef := offsetptr.FromWord(1) // already marked
	newRef := offsetptr.FromWord(2)
	b.StoreRef(oldRef, newRef, func() {})
	require.Equal(t, 1, buf.Len())
	v, ok := buf.Pop()
	require.True(t, ok)
	require.Equal(t, newRef, v)
}

func TestStoreRefLeavesDisabledFalseAfterReturn(t *testing.T) {
	b, _ := newTestBarrier(t, phase.Marking2)
	b.StoreRef(offsetptr.FromWord(1), offsetptr.FromWord(2), func() {})
	require.False(t, b.Disabled())
}

func TestModeForPhaseTable(t *testing.T) {
	require.Equal(t, ModeSync, ModeForPhase(phase.Sync))
	require.Equal(t, ModeAsync, ModeForPhase(phase.Marking1))
	require.Equal(t, ModeAsync, ModeForPhase(phase.Marking2))
	require.Equal(t, ModeNeither, ModeForPhase(phase.PreMarking))
	require.Equal(t, ModeNeither, ModeForPhase(phase.PreSweep))
	require.Equal(t, ModeNeither, ModeForPhase(phase.Sweep1))
	require.Equal(t, ModeNeither, ModeForPhase(phase.Sweep2))
	require.Equal(t, ModeNeither, ModeForPhase(phase.PostSweep))
}
