package extref

import "github.com/fabricattached/mpgc/internal/offsetptr"

// weakEntry is one slot of a LocalCache's small direct-mapped weak cache.
type weakEntry struct {
	key     uint64
	slot    int64
	slotGen uint64
	valid   bool
}

// LocalCache is the per-thread fast path onto a Table: a small direct-mapped
// weak-reference cache (checked before the shared global cache) and a LIFO
// free-slot cache that lets repeated anchor/release cycles on one thread
// avoid the table's mutex entirely (spec.md §4.3; shaped after the
// teacher's src/sync/pool-1.15.go per-P private/shared split).
type LocalCache struct {
	table    *Table
	weak     []weakEntry
	freeList []int64
}

// NewLocalCache returns a per-thread cache bound to t. size<=0 falls back to
// the package default.
func NewLocalCache(t *Table, size int) *LocalCache {
	if size <= 0 {
		size = defaultLocalCacheSize
	}
	return &LocalCache{table: t, weak: make([]weakEntry, size)}
}

func (lc *LocalCache) weakIndex(key uint64) uint64 { return key % uint64(len(lc.weak)) }

// Acquire returns a Handle anchoring ref, identified by key (typically the
// low bits of the embedding application's bare pointer to ref's object).
// Repeated calls with the same key, while any prior Handle is still live,
// return a Handle for the same slot: first via this cache's own direct-
// mapped entry, then via the table's global cache, and only on a full miss
// is a new slot allocated and published.
func (lc *LocalCache) Acquire(key uint64, ref offsetptr.Offset) (*Handle, error) {
	idx := lc.weakIndex(key)
	if e := lc.weak[idx]; e.valid && e.key == key && lc.table.slotGen(e.slot) == e.slotGen {
		lc.table.addRef(e.slot)
		return &Handle{table: lc.table, slot: e.slot, local: lc}, nil
	}

	if slot, ok := lc.table.lookup(key); ok {
		lc.table.addRef(slot)
		lc.weak[idx] = weakEntry{key: key, slot: slot, slotGen: lc.table.slotGen(slot), valid: true}
		return &Handle{table: lc.table, slot: slot, local: lc}, nil
	}

	slot, err := lc.takeSlot()
	if err != nil {
		return nil, err
	}
	lc.table.setSlotRef(slot, ref)
	lc.table.publish(key, slot)
	lc.weak[idx] = weakEntry{key: key, slot: slot, slotGen: lc.table.slotGen(slot), valid: true}
	return &Handle{table: lc.table, slot: slot, local: lc}, nil
}

// takeSlot serves from this thread's own free list before falling back to
// the table's shared spine/free list.
func (lc *LocalCache) takeSlot() (int64, error) {
	if n := len(lc.freeList); n > 0 {
		slot := lc.freeList[n-1]
		lc.freeList = lc.freeList[:n-1]
		return slot, nil
	}
	return lc.table.allocSlot()
}

// release returns slot to this thread's free list, donating half of it back
// to the shared table once the list grows past localDonateThreshold so a
// thread that stops anchoring doesn't hoard slots other threads need
// (spec.md §4.3: "occasionally donated back to a shared pool").
func (lc *LocalCache) release(slot int64) {
	lc.table.quiesceSlot(slot)
	lc.freeList = append(lc.freeList, slot)
	if len(lc.freeList) <= localDonateThreshold {
		return
	}
	half := len(lc.freeList) / 2
	for _, s := range lc.freeList[:half] {
		lc.table.freeSlot(s)
	}
	lc.freeList = lc.freeList[half:]
}
