package workqueue

import (
	"go.uber.org/atomic"

	"github.com/fabricattached/mpgc/internal/offsetptr"
)

// Deque is a fixed-capacity Chase-Lev work-stealing deque: the owning marker
// Push/Pop's from the bottom (LIFO, no contention with thieves in the
// common case), and idle markers Steal from the top (FIFO). Grounded on
// other_examples/a05db883_ha1tch-ual__worksteal.go.go's WSDeque.
//
// Capacity is fixed at construction (no growth-on-overflow), matching the
// bounded-queue framing spec.md §3 gives the traversal queue; a full push
// stores nothing and reports false, leaving the reference with the caller.
type Deque struct {
	buf    []offsetptr.Offset
	mask   int64
	top    atomic.Int64
	bottom atomic.Int64
}

// NewDeque returns an empty deque whose capacity is the next power of two
// at or above capacity.
func NewDeque(capacity int) *Deque {
	n := 1
	for n < capacity {
		n <<= 1
	}
	if n == 0 {
		n = 1
	}
	return &Deque{buf: make([]offsetptr.Offset, n), mask: int64(n - 1)}
}

// Cap returns the deque's fixed capacity.
func (d *Deque) Cap() int { return len(d.buf) }

// Push adds v to the bottom. Only the owning goroutine may call Push.
func (d *Deque) Push(v offsetptr.Offset) bool {
	b := d.bottom.Load()
	t := d.top.Load()
	if b-t >= int64(len(d.buf)) {
		return false
	}
	d.buf[b&d.mask] = v
	d.bottom.Store(b + 1)
	return true
}

// Pop removes and returns the bottom entry. Only the owning goroutine may
// call Pop; it races only against concurrent Steal calls.
func (d *Deque) Pop() (offsetptr.Offset, bool) {
	b := d.bottom.Load() - 1
	d.bottom.Store(b)
	t := d.top.Load()
	if t > b {
		d.bottom.Store(t)
		return offsetptr.Null, false
	}
	v := d.buf[b&d.mask]
	if t == b {
		if !d.top.CompareAndSwap(t, t+1) {
			v = offsetptr.Null
			d.bottom.Store(t + 1)
			return v, false
		}
		d.bottom.Store(t + 1)
	}
	return v, true
}

// Steal removes and returns the top entry on behalf of an idle marker. Any
// number of goroutines may call Steal concurrently with each other and with
// the owner's Push/Pop.
func (d *Deque) Steal() (offsetptr.Offset, bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return offsetptr.Null, false
	}
	v := d.buf[t&d.mask]
	if !d.top.CompareAndSwap(t, t+1) {
		return offsetptr.Null, false
	}
	return v, true
}

// Len reports the (momentary, racy-by-nature) number of queued entries.
func (d *Deque) Len() int {
	b := d.bottom.Load()
	t := d.top.Load()
	if b < t {
		return 0
	}
	return int(b - t)
}
