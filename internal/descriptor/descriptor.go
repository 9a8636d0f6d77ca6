// Package descriptor models the object-descriptor collaborator spec.md §1
// treats as external: given a heap object, resolve its size in words and the
// offsets of its reference-typed fields. Descriptor *encoding* (how a
// descriptor bit-string is laid out on disk) is out of scope; this package
// only defines the interface the core consumes and a Resolver seam for
// whatever encoding a caller's object model actually uses.
package descriptor

import (
	"errors"

	"github.com/fabricattached/mpgc/internal/offsetptr"
)

// ErrInvalidDescriptor is returned when a reference points at something that
// does not carry a recognizable descriptor. Per spec.md §7, in debug builds
// this is asserted; in release it is treated as "not a reference" (logged and
// skipped, not fatal).
var ErrInvalidDescriptor = errors.New("mpgc: object has no recognizable descriptor")

// Descriptor answers the two questions the collector needs about an object:
// how many words it occupies, and which of those words hold outgoing
// references.
type Descriptor interface {
	// SizeWords is the object's total size in heap words, header included.
	SizeWords() uint64
	// RefOffsets returns the word offsets (relative to the object's first
	// word) of every reference-typed field. The slice must not be mutated by
	// the caller.
	RefOffsets() []uint64
}

// WordReader reads back the reference actually stored in a heap word — the
// seam markOne-style traversal needs to turn a descriptor's RefOffsets
// (field locations) into the references those fields currently hold. Like
// Resolver, this is supplied by the embedding application; heap byte layout
// is out of scope for the core (spec.md §1).
type WordReader interface {
	ReadWord(obj offsetptr.Offset, wordOffset uint64) (offsetptr.Offset, error)
}

// Resolver loads the descriptor for the object whose header word is at ref.
// It is supplied by the embedding application (object layout is explicitly
// out of scope for the core, per spec.md §1); the core only ever calls
// through this seam.
type Resolver interface {
	Resolve(ref offsetptr.Offset) (Descriptor, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(offsetptr.Offset) (Descriptor, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ref offsetptr.Offset) (Descriptor, error) { return f(ref) }

// Fixed is a Descriptor for objects whose shape is known statically, useful
// for tests and for simple fixed-layout object kinds.
type Fixed struct {
	Words uint64
	Refs  []uint64
}

// SizeWords implements Descriptor.
func (f Fixed) SizeWords() uint64 { return f.Words }

// RefOffsets implements Descriptor.
func (f Fixed) RefOffsets() []uint64 { return f.Refs }
