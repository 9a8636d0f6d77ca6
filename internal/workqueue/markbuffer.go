// Package workqueue implements the two per-process work containers the
// marking protocol moves grey references through: MarkBuffer (a bounded FIFO
// of newly-greyed references) and Deque (the Chase-Lev work-stealing deque a
// marker drains while idle markers steal from it).
//
// Grounded on original_source/include/mpgc/mark_buffer.h for MarkBuffer's
// segment-chain shape, and other_examples/a05db883_ha1tch-ual__worksteal.go.go
// for Deque's Chase-Lev algorithm.
package workqueue

import (
	"sync"

	"github.com/fabricattached/mpgc/internal/offsetptr"
)

// segmentSize mirrors mark_buffer.h's fixed buffer_size of 254 entries per
// segment (supplementing spec.md §3's "bounded FIFO" with the original's
// concrete segment sizing, per SPEC_FULL.md §D.2).
const segmentSize = 254

type segment struct {
	next  *segment
	data  [segmentSize]offsetptr.Offset
	read  int
	write int
}

// MarkBuffer is a per-process FIFO of grey references, implemented as a
// singly-linked chain of fixed-size segments: add_element appends to the
// tail, allocating a new segment when the tail fills; a segment that has
// been fully drained is unlinked and left to the garbage collector (ours is
// process-local Go memory here, not the managed heap).
type MarkBuffer struct {
	mu         sync.Mutex
	head, tail *segment
	len        int
}

// NewMarkBuffer returns an empty mark buffer with one initial segment.
func NewMarkBuffer() *MarkBuffer {
	s := &segment{}
	return &MarkBuffer{head: s, tail: s}
}

// Push appends a grey reference to the buffer, growing the segment chain if
// the tail segment is full.
func (b *MarkBuffer) Push(o offsetptr.Offset) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tail.write == segmentSize {
		ns := &segment{}
		b.tail.next = ns
		b.tail = ns
	}
	b.tail.data[b.tail.write] = o
	b.tail.write++
	b.len++
}

// Pop removes and returns the oldest grey reference, reporting false once the
// buffer is empty. A segment that becomes fully drained (read caught up to
// write, and a successor segment exists) is unlinked from the head.
func (b *MarkBuffer) Pop() (offsetptr.Offset, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.head.read == b.head.write {
		if b.head.next == nil {
			return offsetptr.Null, false
		}
		b.head = b.head.next
	}
	o := b.head.data[b.head.read]
	b.head.read++
	b.len--
	return o, true
}

// Len reports the number of references currently queued.
func (b *MarkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.len
}

// Drain empties the buffer into a plain slice, in FIFO order. Used when a
// reaper adopts a dead process's mark buffer (spec.md §4.1, §6): the adopter
// takes ownership of every pending grey reference rather than discarding
// them, which would violate the mark invariant.
func (b *MarkBuffer) Drain() []offsetptr.Offset {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]offsetptr.Offset, 0, b.len)
	for b.head.read < b.head.write || b.head.next != nil {
		for b.head.read == b.head.write {
			if b.head.next == nil {
				b.len = 0
				return out
			}
			b.head = b.head.next
		}
		out = append(out, b.head.data[b.head.read])
		b.head.read++
	}
	b.len = 0
	return out
}
