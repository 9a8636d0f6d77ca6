package heap

import (
	"os"

	"github.com/c2h5oh/datasize"
)

// Environment variables spec.md §6 names for locating heap files.
const (
	envHeapsDir     = "MPGC_HEAPS_DIR"
	envGCHeap       = "MPGC_GC_HEAP"
	envControlHeap  = "MPGC_CONTROL_HEAP"
	defaultHeapsDir = "heaps"
)

// Options configures a heap file pair: the object heap (the managed heap
// mutators allocate into) and the control heap (control block, per-process
// blocks, and the mark/sweep bitmaps — spec.md §3, §6).
type Options struct {
	// HeapsDir is the directory GCHeapPath/ControlHeapPath default into.
	HeapsDir string
	// GCHeapPath overrides the object-heap file path.
	GCHeapPath string
	// ControlHeapPath overrides the control-heap file path.
	ControlHeapPath string

	// HeapSize is the object heap's fixed size, used only when creating a
	// new heap file (spec.md §9/SPEC_FULL.md §E.1: fixed at creation, later
	// attaches with a mismatched size fail rather than resizing).
	HeapSize datasize.ByteSize
	// ControlHeapSize is the control heap's size. If the computed layout
	// (control block + per-process-block array + bitmaps) needs more than
	// this, Open returns an error rather than silently growing past it.
	ControlHeapSize datasize.ByteSize

	// MaxProcesses bounds how many PerProcessBlock slots the control heap
	// reserves.
	MaxProcesses uint32
	// ChunkWords is the sweep grain: how many heap words make up one
	// sweep-bitmap chunk (internal/phase.Engine.ChunkSize).
	ChunkWords uint64
}

// DefaultOptions returns the options a freshly formatted development heap
// uses absent any environment override.
func DefaultOptions() Options {
	return Options{
		HeapsDir:        defaultHeapsDir,
		HeapSize:        64 * datasize.MB,
		ControlHeapSize: 16 * datasize.MB,
		MaxProcesses:    64,
		ChunkWords:      4096,
	}
}

// WithEnv overlays MPGC_HEAPS_DIR/MPGC_GC_HEAP/MPGC_CONTROL_HEAP onto opts,
// per spec.md §6, leaving opts unchanged for any variable that isn't set.
func (opts Options) WithEnv() Options {
	if v, ok := os.LookupEnv(envHeapsDir); ok {
		opts.HeapsDir = v
	}
	if v, ok := os.LookupEnv(envGCHeap); ok {
		opts.GCHeapPath = v
	}
	if v, ok := os.LookupEnv(envControlHeap); ok {
		opts.ControlHeapPath = v
	}
	return opts
}

func (opts Options) gcHeapPath() string {
	if opts.GCHeapPath != "" {
		return opts.GCHeapPath
	}
	return opts.HeapsDir + "/gc_heap"
}

func (opts Options) controlHeapPath() string {
	if opts.ControlHeapPath != "" {
		return opts.ControlHeapPath
	}
	return opts.HeapsDir + "/managed_heap"
}
