// Package extref implements the external-reference table of spec.md §4.3: a
// sparse, spine-allocated slot table that anchors heap references held by
// transient (non-managed) code, with a per-thread LIFO free-list cache and a
// process-wide weak cache that makes repeated anchoring of the same hot
// object cheap.
//
// Grounded on the teacher's src/sync/pool-1.15.go (per-thread fast path
// falling back to a shared pool) and src/runtime/mfixalloc.go (spine of
// lazily-allocated fixed-size blocks) for the allocation shape; the global
// cache's lock-free read / test-and-set write follows spec.md §9's redesign
// flag directly (an atomic generation counter replaces the original's
// "maybe acquire the lock, else construct a duplicate" reader path).
package extref

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/fabricattached/mpgc/internal/offsetptr"
)

// ErrTableExhausted is returned when every block the spine is configured to
// grow to has been allocated and no free slot remains.
var ErrTableExhausted = errors.New("mpgc: external-reference table exhausted")

const (
	defaultBlockSize       = 512
	defaultNBlocks         = 64
	defaultGlobalCacheSize = 4096
	defaultLocalCacheSize  = 64
	localDonateThreshold   = 128
)

type slotRec struct {
	ref  offsetptr.Offset
	next int64
	used atomic.Bool
	// gen counts how many times this slot index has been (re)assigned a new
	// referent or retired by its last Handle's Release. Both cache tiers
	// record the generation they observed
	// alongside a key->slot mapping, so a slot recycled for a different
	// object after the mapping was cached is detected as a miss rather than
	// returned as a stale hit.
	gen atomic.Uint64
	// refs counts the live Handles sharing this slot (one per Acquire call
	// that returned it, whether by cache hit or fresh allocation). The slot
	// is only quiesced/freed when the last Handle releases it, per spec.md
	// §4.3's "on last external-reference drop."
	refs atomic.Int32
}

// Table is the spine of slot blocks plus the global weak cache. Slots are
// addressed by a flat int64 index; blockFor splits that into (block, offset
// within block) so blocks can be allocated lazily.
type Table struct {
	mu        sync.Mutex
	blockSize int64
	nBlocks   int64
	blocks    [][]slotRec
	cursor    int64
	freeHead  int64

	cache []cacheEntry
}

// NewTable constructs a table. Zero/negative sizes fall back to the package
// defaults.
func NewTable(blockSize, nBlocks, globalCacheSize int) *Table {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	if nBlocks <= 0 {
		nBlocks = defaultNBlocks
	}
	if globalCacheSize <= 0 {
		globalCacheSize = defaultGlobalCacheSize
	}
	return &Table{
		blockSize: int64(blockSize),
		nBlocks:   int64(nBlocks),
		blocks:    make([][]slotRec, nBlocks),
		freeHead:  -1,
		cache:     make([]cacheEntry, globalCacheSize),
	}
}

func (t *Table) blockFor(idx int64) (block, inBlock int64) {
	return idx / t.blockSize, idx % t.blockSize
}

// ensureBlock lazily allocates block bi. Caller must hold t.mu.
func (t *Table) ensureBlock(bi int64) []slotRec {
	if t.blocks[bi] == nil {
		blk := make([]slotRec, t.blockSize)
		for i := range blk {
			blk[i].next = -1
		}
		t.blocks[bi] = blk
	}
	return t.blocks[bi]
}

// allocSlot takes a slot from the global free list, falling back to the
// never-used cursor; spine growth and the free-list head are both protected
// by the single mutex spec.md §4.3 calls for.
func (t *Table) allocSlot() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freeHead != -1 {
		idx := t.freeHead
		bi, ii := t.blockFor(idx)
		blk := t.blocks[bi]
		t.freeHead = blk[ii].next
		blk[ii].next = -1
		blk[ii].used.Store(true)
		return idx, nil
	}
	bi, ii := t.blockFor(t.cursor)
	if bi >= t.nBlocks {
		return -1, ErrTableExhausted
	}
	blk := t.ensureBlock(bi)
	idx := t.cursor
	t.cursor++
	blk[ii].used.Store(true)
	return idx, nil
}

// freeSlot returns idx to the global free list.
func (t *Table) freeSlot(idx int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bi, ii := t.blockFor(idx)
	blk := t.blocks[bi]
	blk[ii].used.Store(false)
	blk[ii].ref = offsetptr.Null
	blk[ii].next = t.freeHead
	t.freeHead = idx
}

func (t *Table) slotRef(idx int64) offsetptr.Offset {
	bi, ii := t.blockFor(idx)
	return t.blocks[bi][ii].ref
}

// setSlotRef stores ref into slot idx and marks it used, covering both a
// freshly allocated slot and one reused straight out of a LocalCache's own
// free-slot cache (which never touches the shared used flag itself). It
// always runs on the path that mints the slot's first live Handle, so the
// refcount resets to one.
func (t *Table) setSlotRef(idx int64, ref offsetptr.Offset) {
	bi, ii := t.blockFor(idx)
	blk := t.blocks[bi]
	blk[ii].ref = ref
	blk[ii].used.Store(true)
	blk[ii].gen.Add(1)
	blk[ii].refs.Store(1)
}

// addRef records one more live Handle sharing idx, called whenever Acquire
// hands out a Handle for a slot it did not just mint (a local or global
// cache hit).
func (t *Table) addRef(idx int64) {
	bi, ii := t.blockFor(idx)
	t.blocks[bi][ii].refs.Add(1)
}

// releaseRef drops one live Handle for idx and reports whether that was the
// last one, meaning the caller must now actually quiesce or free the slot.
func (t *Table) releaseRef(idx int64) bool {
	bi, ii := t.blockFor(idx)
	return t.blocks[bi][ii].refs.Add(-1) == 0
}

// slotGen returns the current generation counter for idx, for staleness
// checks in both cache tiers.
func (t *Table) slotGen(idx int64) uint64 {
	bi, ii := t.blockFor(idx)
	return t.blocks[bi][ii].gen.Load()
}

// quiesceSlot clears a slot's referent and used flag without touching the
// global free list: it is how a LocalCache retires a slot into its own
// free-slot cache, so the object stops being a root immediately on Release
// even though the slot index itself isn't returned to the shared spine yet.
// It bumps the slot's generation so cache entries recorded for the released
// referent no longer hit.
func (t *Table) quiesceSlot(idx int64) {
	bi, ii := t.blockFor(idx)
	blk := t.blocks[bi]
	blk[ii].used.Store(false)
	blk[ii].ref = offsetptr.Null
	blk[ii].gen.Add(1)
}

// Roots returns the anchored reference of every currently-used slot: the
// set of slots in use is itself a collector root (spec.md §4.3).
func (t *Table) Roots() []offsetptr.Offset {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []offsetptr.Offset
	for _, blk := range t.blocks {
		for i := range blk {
			if blk[i].used.Load() {
				out = append(out, blk[i].ref)
			}
		}
	}
	return out
}

// cacheEntry is one slot of the global open-addressed weak cache: a
// generation counter (odd while a writer is mid-update) guards lock-free
// reads, and a test-and-set lock arbitrates concurrent writers.
type cacheEntry struct {
	lock    atomic.Bool
	gen     atomic.Uint64
	key     atomic.Uint64
	slot    atomic.Int64
	slotGen atomic.Uint64
}

func (t *Table) cacheIndex(key uint64) uint64 { return key % uint64(len(t.cache)) }

// lookup performs the lock-free read path: a torn or in-flight write is
// simply treated as a cache miss, per spec.md §4.3's "fall back to creating
// a fresh anchor" policy.
func (t *Table) lookup(key uint64) (int64, bool) {
	e := &t.cache[t.cacheIndex(key)]
	g1 := e.gen.Load()
	if g1&1 == 1 {
		return 0, false
	}
	if e.key.Load() != key {
		return 0, false
	}
	slot := e.slot.Load()
	sg := e.slotGen.Load()
	if e.gen.Load() != g1 {
		return 0, false
	}
	if t.slotGen(slot) != sg {
		// The slot has been recycled for a different object since this
		// entry was published; treat it as a miss rather than hand back
		// someone else's referent.
		return 0, false
	}
	return slot, true
}

// publish writes (key, slot) into the global cache, yielding to a
// concurrent writer rather than blocking (spec.md §7: a lost global-cache
// race is tolerated and merely produces a duplicate anchor).
func (t *Table) publish(key uint64, slot int64) {
	e := &t.cache[t.cacheIndex(key)]
	if !e.lock.CompareAndSwap(false, true) {
		return
	}
	defer e.lock.Store(false)
	e.gen.Add(1)
	e.key.Store(key)
	e.slot.Store(slot)
	e.slotGen.Store(t.slotGen(slot))
	e.gen.Add(1)
}

// Handle is a transient, process-local reference to an anchored heap
// object. While any Handle for a slot exists, the slot's referent is a
// collector root.
type Handle struct {
	table *Table
	slot  int64
	local *LocalCache
}

// Ref returns the anchored heap reference.
func (h *Handle) Ref() offsetptr.Offset { return h.table.slotRef(h.slot) }

// SlotIndex exposes the backing slot's identity, so tests can observe that
// repeated acquisition for the same object returns the same slot (spec.md
// §8's cache-hit round-trip property).
func (h *Handle) SlotIndex() int64 { return h.slot }

// Release drops this handle. Other Handles returned for the same slot (by a
// concurrent or earlier cache-hit Acquire) keep it anchored; only once the
// last handle for a slot is released does the slot return to its owning
// thread's free list (spec.md §4.3).
func (h *Handle) Release() {
	if !h.table.releaseRef(h.slot) {
		return
	}
	if h.local != nil {
		h.local.release(h.slot)
		return
	}
	h.table.freeSlot(h.slot)
}

// SubAnchor pairs a whole-object anchor with an interior offset, for a
// reference to an address inside an anchored object (spec.md §4.3).
type SubAnchor struct {
	*Handle
	InteriorWords uint64
}

// Interior returns the anchored interior reference.
func (s SubAnchor) Interior() offsetptr.Offset {
	return offsetptr.FromWord(s.Handle.Ref().Word() + s.InteriorWords)
}
