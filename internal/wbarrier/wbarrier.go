// Package wbarrier implements the mutator-side write barrier of spec.md
// §4.4: Dijkstra-style insertion during the collector's synchronization
// window, Yuasa-style deletion during marking1/marking2, and no greying in
// any other phase, with an explicit in-thread disable/enable bracket around
// the critical section.
//
// Grounded on original_source/include/mpgc/write_barrier.h: the original's
// switch statement intentionally falls through from the sync cases into the
// async case, so sync greys both the old and new reference while async
// greys only the old one. Go has no implicit case fallthrough, so this is
// reproduced as a switch whose sync case lists both greying calls
// explicitly (SPEC_FULL.md §D.1), producing the identical truth table.
package wbarrier

import (
	"github.com/fabricattached/mpgc/internal/markbitmap"
	"github.com/fabricattached/mpgc/internal/offsetptr"
	"github.com/fabricattached/mpgc/internal/phase"
	"github.com/fabricattached/mpgc/internal/procblock"
	"github.com/fabricattached/mpgc/internal/workqueue"
)

// Mode is the barrier behavior in force for a given collector phase.
type Mode int

const (
	// ModeNeither greys nothing: no marking is in flight, so a store needs
	// no help from the barrier (preMarking/preSweep/sweep/postSweep).
	ModeNeither Mode = iota
	// ModeAsync is the steady-state Yuasa deletion barrier active during
	// marking1/marking2: grey the reference a store is about to overwrite,
	// so a chain broken mid-mark isn't lost.
	ModeAsync
	// ModeSync is the stronger Dijkstra+Yuasa combination active during the
	// sync phase's synchronization window: grey both the overwritten
	// reference and the newly stored one.
	ModeSync
)

// ModeForPhase maps a collector phase to its write-barrier mode. marking1
// and marking2 get the steady Yuasa-only barrier; sync gets the combined
// barrier (original_source's sync1/sync2 fallthrough into async); every
// other phase needs no barrier action at all.
func ModeForPhase(p phase.Phase) Mode {
	switch p {
	case phase.Sync:
		return ModeSync
	case phase.Marking1, phase.Marking2:
		return ModeAsync
	default:
		return ModeNeither
	}
}

// Barrier is one mutator thread's write-barrier state: the shared mark
// bitmap/control block it reads phase from, and the thread's own mark
// buffer it greys references into.
type Barrier struct {
	bitmap  *markbitmap.MarkBitmap
	control *procblock.ControlBlock
	buffer  *workqueue.MarkBuffer

	// disabled is the "in-thread flag, not a kernel mask" spec.md §4.4 step 1
	// describes. It is only ever touched by the owning thread, so it needs
	// no synchronization of its own.
	disabled bool
	// pendingVersion records the barrier version of the phase snapshot taken
	// by the most recent StoreRef that ran the barrier.
	pendingVersion uint64
}

// New returns a write barrier for one mutator thread.
func New(bitmap *markbitmap.MarkBitmap, control *procblock.ControlBlock, buffer *workqueue.MarkBuffer) *Barrier {
	return &Barrier{bitmap: bitmap, control: control, buffer: buffer}
}

// markGrey implements spec.md §4.4's mark-grey(p): append p to the mark
// buffer if it is non-null and not yet marked. It intentionally does not
// call MarkBegin — that CAS belongs to the marking phase; the barrier's job
// is only to make sure p gets *considered*.
func (b *Barrier) markGrey(p offsetptr.Offset) {
	if p.IsNull() || b.bitmap.IsMarked(p.Word()) {
		return
	}
	b.buffer.Push(p)
}

// StoreRef performs the protected store of a reference field, running the
// write barrier before and after exactly as spec.md §4.4 numbers the steps.
// oldRef is the reference currently in the field (about to be overwritten);
// newRef is the reference being stored; store performs the actual write once
// the barrier's pre-store greying has happened.
func (b *Barrier) StoreRef(oldRef, newRef offsetptr.Offset, store func()) {
	if oldRef == newRef {
		// Short-circuit: spec.md §4.4 — a no-op reference write skips the
		// barrier entirely.
		store()
		return
	}

	// Steps 1-2: disable phase-signal handling, fence. Go has no asynchronous
	// phase-change signal to mask (spec.md §9 says none is required for
	// correctness) — disabled only guards against this same thread
	// re-entering the critical section, and the phase read immediately
	// below is the only "fence" boundary that matters: it is read once and
	// used for the rest of the call, so a concurrent phase transition
	// cannot apply mid-barrier (SPEC_FULL.md §E.3).
	b.disabled = true

	// Step 3: snapshot the observed phase once.
	code, version := b.control.GlobalBarrier.Load()
	switch ModeForPhase(phase.Phase(code)) {
	case ModeSync:
		b.markGrey(newRef)
		b.markGrey(oldRef)
	case ModeAsync:
		b.markGrey(oldRef)
	case ModeNeither:
	}

	// Step 4: perform the store.
	store()

	// Step 5: fence (Go's memory model gives this for free via the atomic
	// operations already performed above and in markGrey's buffer push).

	// Step 6: re-enable; apply any phase transition observed during the
	// critical section (here: simply note the version we saw so a caller
	// wanting to detect staleness can compare against the latest).
	b.disabled = false
	b.pendingVersion = version
}

// Disabled reports whether this thread is currently inside a barrier
// critical section. Exposed for tests and for allocation-slow-path code
// that must not re-enter the barrier while already inside one.
func (b *Barrier) Disabled() bool { return b.disabled }
