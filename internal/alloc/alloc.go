// Package alloc defines the allocation seam spec.md §4.5 describes: the
// collector never implements an allocation strategy itself (free-list,
// bump, buddy, slab — all out of scope, same as object layout in
// internal/descriptor), it only needs to ask an external allocator for
// space and tell it when sweep frees space back.
package alloc

import (
	"context"
	"errors"

	"github.com/fabricattached/mpgc/internal/offsetptr"
)

// ErrOutOfMemory is returned by an Allocator when the heap has no run of
// sizeWords contiguous free words left to hand out.
var ErrOutOfMemory = errors.New("mpgc: allocator out of memory")

// ChunkID names the sweep chunk (internal/markbitmap.SweepBitmap's logical
// chunk, internal/phase.Engine's ChunkSize-sized unit) an allocation landed
// in, so an allocator that partitions its free space by chunk can steer new
// allocations toward chunks the collector has already finished sweeping.
type ChunkID uint64

// Allocator is the external collaborator spec.md §4.5 names: allocate(size)
// -> (offset, chunk) and publish_free(offset, size). internal/phase.Engine
// calls PublishFree as it discovers free runs during sweep1/sweep2 (wired
// via Engine.OnFree); nothing in this module implements Allocator itself.
type Allocator interface {
	// Allocate reserves sizeWords contiguous heap words and returns the
	// offset of the first word plus the chunk it falls in. Returns
	// ErrOutOfMemory if no such run exists.
	Allocate(ctx context.Context, sizeWords uint64) (offsetptr.Offset, ChunkID, error)

	// PublishFree reports a run of sizeWords words starting at offset that
	// the collector has determined is free, for the allocator to fold back
	// into its own free-space bookkeeping. Called from sweep, never from a
	// mutator thread.
	PublishFree(offset offsetptr.Offset, sizeWords uint64)
}
