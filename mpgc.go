// Package mpgc is the collector facade: it ties the heap file, the
// handshake/phase engine, the write barrier, and the external-reference
// table together into the one entry point an embedding application attaches
// to and drives (spec.md's overview, SPEC_FULL.md §A's "collector facade
// tying the above together → root package mpgc").
package mpgc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabricattached/mpgc/heap"
	"github.com/fabricattached/mpgc/internal/alloc"
	"github.com/fabricattached/mpgc/internal/descriptor"
	"github.com/fabricattached/mpgc/internal/extref"
	"github.com/fabricattached/mpgc/internal/offsetptr"
	"github.com/fabricattached/mpgc/internal/phase"
	"github.com/fabricattached/mpgc/internal/procblock"
	"github.com/fabricattached/mpgc/internal/wbarrier"
	"github.com/fabricattached/mpgc/internal/workqueue"
)

// Context carries the dependencies every piece of this module needs from
// the embedding application: a logger, the object-layout Resolver (spec.md
// §1 keeps layout external), and optionally an Allocator (internal/alloc;
// also external, and optional — a read-only/tracing-only attach has no need
// of one).
type Context struct {
	Logger    *zap.Logger
	Resolver  descriptor.Resolver
	Allocator alloc.Allocator
	// Checker overrides liveness detection; nil uses procblock.OSLivenessChecker.
	Checker procblock.LivenessChecker
	// DequeCapacity sizes each participant's traversal queue.
	DequeCapacity int
}

// Collector is one process's handle onto a live MPGC heap: the mapped heap
// file pair, the phase engine driving mark/sweep, and the external-
// reference table anchoring objects held by transient code.
type Collector struct {
	Heap    *heap.Heap
	Engine  *phase.Engine
	ExtRefs *extref.Table

	log           *zap.Logger
	dequeCapacity int
}

// Open attaches to (creating if necessary) the heap named by opts and
// constructs the phase engine and external-reference table over it.
func Open(ctx Context, opts heap.Options) (*Collector, error) {
	log := ctx.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if ctx.Resolver == nil {
		return nil, fmt.Errorf("mpgc: Context.Resolver is required")
	}

	h, err := heap.Open(opts, log)
	if err != nil {
		return nil, fmt.Errorf("mpgc: open heap: %w", err)
	}

	checker := ctx.Checker
	if checker == nil {
		checker = procblock.OSLivenessChecker{}
	}

	extTable := extref.NewTable(0, 0, 0)

	// The external-reference table's anchored set is itself a collector root
	// (spec.md §4.3: "the set of slots currently in use is a root of the
	// collector"), so it is wired in as the engine's GlobalRoot directly
	// rather than left for every embedding application to union in by hand.
	globalRoots := phase.RootSourceFunc(func(context.Context) ([]offsetptr.Offset, error) {
		return extTable.Roots(), nil
	})

	engine := phase.NewEngine(h.Control, checker, h.Bitmap, h.Sweep, ctx.Resolver, globalRoots, log)
	engine.Reader = h
	engine.ChunkSize = opts.ChunkWords
	if ctx.Allocator != nil {
		engine.OnFree = ctx.Allocator.PublishFree
	}

	dequeCap := ctx.DequeCapacity
	if dequeCap <= 0 {
		dequeCap = 1024
	}

	return &Collector{
		Heap:          h,
		Engine:        engine,
		ExtRefs:       extTable,
		log:           log,
		dequeCapacity: dequeCap,
	}, nil
}

// Participant is one mutator's (or pure-collector's) joined view: its
// phase-engine registration, its write barrier, and its own external-
// reference cache.
type Participant struct {
	collector *Collector
	phase     *phase.Participant
	Barrier   *wbarrier.Barrier
	ExtRefs   *extref.LocalCache
}

// Join attaches a new process (identified by pid/createdMillis) to the
// collector: it claims a PerProcessBlock slot in the heap, registers with
// the phase engine, and returns the barrier/cache this process drives its
// own mutations and external anchoring through. roots supplies this
// participant's collector roots (its stack/registers, in spec.md's terms).
func (c *Collector) Join(pid, createdMillis int64, roots phase.RootSource) (*Participant, error) {
	_, block, err := c.Heap.Attach(pid, createdMillis)
	if err != nil {
		return nil, fmt.Errorf("mpgc: join: %w", err)
	}

	p := &phase.Participant{
		PID:       pid,
		CreatedAt: createdMillis,
		Block:     block,
		Buffer:    workqueue.NewMarkBuffer(),
		Queue:     workqueue.NewDeque(c.dequeCapacity),
		Roots:     roots,
	}
	c.Engine.Register(p)

	return &Participant{
		collector: c,
		phase:     p,
		Barrier:   wbarrier.New(c.Heap.Bitmap, c.Heap.Control, p.Buffer),
		ExtRefs:   extref.NewLocalCache(c.ExtRefs, 0),
	}, nil
}

// Leave unregisters a participant that is exiting cleanly (a process that
// dies without calling this is instead adopted via the phase engine's
// liveness reaping). Per spec.md §6's attach protocol, a clean exit clears
// the slot's liveness immediately rather than waiting for a future cycle to
// detect and reap it, so the slot is free for the next attacher right away.
func (p *Participant) Leave() {
	p.collector.Engine.Unregister(p.phase.PID)
	p.phase.Block.Liveness.Clear()
}

// RunCycle drives one full collection cycle (preMarking through postSweep)
// to completion, or returns ctx's error if it is cancelled first.
func (c *Collector) RunCycle(ctx context.Context) error {
	return c.Engine.RunCycle(ctx)
}

// Roots returns every currently anchored external reference. The engine
// already folds these into every preMarking pass via its GlobalRoot wiring
// (spec.md §4.3: "the set of slots in use is a root of the collector");
// this accessor exists for callers that want to inspect the anchored set
// directly (diagnostics, tests) without going through a collection cycle.
func (c *Collector) Roots() []offsetptr.Offset {
	return c.ExtRefs.Roots()
}

// Close releases the heap's mapped files.
func (c *Collector) Close() error {
	return c.Heap.Close()
}

// DefaultStallDeadline mirrors phase.Engine's default, exposed so callers
// configuring Context don't need to import internal/phase just to read it.
const DefaultStallDeadline = 2 * time.Second
