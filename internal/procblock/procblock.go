// Package procblock implements the shared-memory per-process block and
// control block spec.md §3/§4.1 describes: the liveness record and barrier
// counters every cooperating process reads and CASes in place.
//
// The original (original_source/include/mpgc/gc_thread.h) uses a 16-byte
// (liveness: pid + process-creation-time) and an 8-byte (barrier_info)
// double-word atomic compare-and-swap. Go has no portable double-word CAS,
// so this package reproduces the same single-writer/multi-reader guarantees
// with a seqlock (for the 16-byte-equivalent liveness record, grounded on
// the generation-counter idiom in
// other_examples/af3a706e_calvinalkan-agent-task__...slotcache/writer.go)
// and a packed single 64-bit CAS (for barrier_info, which fits in one word
// once phase and version share a word — see BarrierInfo below).
//
// These structs describe the shared-memory *layout*; placing them at a
// computed offset inside the mmap'd control heap is the heap package's job.
package procblock

import "go.uber.org/atomic"

// PhaseCode is the shared-memory representation of a collector phase. The
// phase package defines the canonical Phase enum and converts to/from this
// type; procblock stays phase-agnostic to avoid an import cycle (the phase
// engine depends on procblock, not the other way around).
type PhaseCode uint8

// Liveness is a per-process record of (pid, process creation time), the pair
// spec.md §4.1/§6 uses to detect PID reuse: a dead process's slot may be
// reused by an unrelated later process, and creation time is what tells them
// apart. Guarded by a seqlock so readers never observe a torn (pid, created)
// pair despite being two separate words.
type Liveness struct {
	version atomic.Uint64
	pid     atomic.Int64
	created atomic.Int64
}

// Store records a new (pid, created) pair. Only the owning process may call
// Store on its own slot.
func (l *Liveness) Store(pid, createdMillis int64) {
	l.version.Add(1)
	l.pid.Store(pid)
	l.created.Store(createdMillis)
	l.version.Add(1)
}

// Load reads the (pid, created) pair, retrying if a concurrent Store is
// observed mid-flight (odd version).
func (l *Liveness) Load() (pid, createdMillis int64) {
	for {
		v1 := l.version.Load()
		if v1&1 == 1 {
			continue
		}
		pid = l.pid.Load()
		createdMillis = l.created.Load()
		if l.version.Load() == v1 {
			return pid, createdMillis
		}
	}
}

// IsZero reports whether the slot has never been claimed.
func (l *Liveness) IsZero() bool {
	pid, created := l.Load()
	return pid == 0 && created == 0
}

// Clear resets the slot to unclaimed, per spec.md §6's attach protocol:
// a clean exit marks liveness Dead and leaves the block for the next
// collector to reap, after which the slot is free for a new attacher.
func (l *Liveness) Clear() { l.Store(0, 0) }

const barrierPhaseBits = 8
const barrierPhaseMask = (uint64(1) << barrierPhaseBits) - 1

// BarrierInfo packs a phase and a monotonically increasing version into one
// 64-bit word, so the pair can be updated with a single compare-and-swap —
// the Go-native equivalent of the original's 8-byte barrier_info CAS.
type BarrierInfo struct {
	packed atomic.Uint64
}

func pack(phase PhaseCode, version uint64) uint64 {
	return (version << barrierPhaseBits) | (uint64(phase) & barrierPhaseMask)
}

func unpack(v uint64) (PhaseCode, uint64) {
	return PhaseCode(v & barrierPhaseMask), v >> barrierPhaseBits
}

// Load returns the current phase and version.
func (b *BarrierInfo) Load() (PhaseCode, uint64) {
	return unpack(b.packed.Load())
}

// Store unconditionally sets phase and version.
func (b *BarrierInfo) Store(phase PhaseCode, version uint64) {
	b.packed.Store(pack(phase, version))
}

// CompareAndSwap atomically transitions from (oldPhase, oldVersion) to
// (newPhase, newVersion), reporting whether it won the race. Losing means
// another process already advanced this barrier.
func (b *BarrierInfo) CompareAndSwap(oldPhase PhaseCode, oldVersion uint64, newPhase PhaseCode, newVersion uint64) bool {
	return b.packed.CompareAndSwap(pack(oldPhase, oldVersion), pack(newPhase, newVersion))
}

// PerProcessBlock is one process's shared-memory slot: its liveness record
// and its own view of the barrier phase/version it has acknowledged.
// Field order is deliberate — Liveness and Barrier are each independently
// atomic, so no additional padding/alignment is required beyond what Go
// already gives int64/uint64 fields.
type PerProcessBlock struct {
	Liveness Liveness
	Barrier  BarrierInfo
}

// ControlBlock is the single shared-memory struct every process maps
// alongside the per-process block array: global collector state that is not
// specific to any one process.
type ControlBlock struct {
	// HeapWords is fixed at heap creation (SPEC_FULL.md §E.1): later attaches
	// with a mismatched word count must fail rather than silently resize.
	HeapWords atomic.Uint64
	// NumSlots is the fixed number of PerProcessBlock slots following this
	// control block in the control heap.
	NumSlots atomic.Uint32
	// GlobalBarrier is the phase/version every PerProcessBlock.Barrier is
	// compared against to decide whether a process has caught up.
	GlobalBarrier BarrierInfo
	// SweepSense is the current sweep-bitmap "done" sense (SPEC_FULL.md
	// §E.2): stored here, not cached per-process, so every process rederives
	// it from shared memory.
	SweepSense atomic.Uint32
}

// Sense returns the current sweep sense as a bool (SPEC_FULL.md §E.2: 0/1
// encoded as a shared uint32 rather than a dedicated bool type, since the
// control block must be safe to zero-initialize when the heap file is
// freshly created).
func (c *ControlBlock) Sense() bool { return c.SweepSense.Load() != 0 }

// FlipSense toggles the sense for the next sweep cycle.
func (c *ControlBlock) FlipSense() {
	for {
		old := c.SweepSense.Load()
		next := uint32(0)
		if old == 0 {
			next = 1
		}
		if c.SweepSense.CompareAndSwap(old, next) {
			return
		}
	}
}
