// Package phase drives the collector's state machine: the ordered phase
// sequence, the versioned barrier protocol, and liveness-based dead-process
// adoption described in spec.md §4.1.
//
// Grounded on other_examples/d5ae97e2_moby-moby__...containerd/gc.go for the
// concurrent-mark/sweep goroutine-fan-out shape (its Tricolor/ConcurrentMark
// pair), and on original_source/include/mpgc/gc_thread.h for the phase
// ordering and barrier-stage enum this package's Phase/BarrierStage mirror.
package phase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fabricattached/mpgc/internal/descriptor"
	"github.com/fabricattached/mpgc/internal/markbitmap"
	"github.com/fabricattached/mpgc/internal/offsetptr"
	"github.com/fabricattached/mpgc/internal/procblock"
	"github.com/fabricattached/mpgc/internal/workqueue"
)

// Phase is the collector's cycle state. The underlying values follow the
// cycle order of spec.md §4.1: preMarking is 0, marking1 is 1, and so on up
// to postSweep (7), after which Next wraps back to preMarking.
type Phase int32

const (
	PreMarking Phase = iota
	Marking1
	Sync
	Marking2
	PreSweep
	Sweep1
	Sweep2
	PostSweep

	numPhases = PostSweep + 1
)

func (p Phase) String() string {
	switch p {
	case PreMarking:
		return "preMarking"
	case Marking1:
		return "marking1"
	case Sync:
		return "sync"
	case Marking2:
		return "marking2"
	case PreSweep:
		return "preSweep"
	case Sweep1:
		return "sweep1"
	case Sweep2:
		return "sweep2"
	case PostSweep:
		return "postSweep"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Next returns the phase that follows p, wrapping postSweep back to
// preMarking.
func (p Phase) Next() Phase { return (p + 1) % numPhases }

func (p Phase) code() procblock.PhaseCode { return procblock.PhaseCode(p) }

// BarrierStage tracks a process's progress acknowledging the current
// barrier, per spec.md §4.1's unincremented -> incrementing -> incremented
// sequence.
type BarrierStage uint8

const (
	Unincremented BarrierStage = iota
	Incrementing
	Incremented
)

// RootSource supplies the roots a participant (or the engine, for global
// roots) contributes at preMarking: global roots, a mutator's externally
// anchored set (internal/extref), and its stack, per spec.md §4.1.
type RootSource interface {
	Roots(ctx context.Context) ([]offsetptr.Offset, error)
}

// RootSourceFunc adapts a function to RootSource.
type RootSourceFunc func(context.Context) ([]offsetptr.Offset, error)

// Roots implements RootSource.
func (f RootSourceFunc) Roots(ctx context.Context) ([]offsetptr.Offset, error) { return f(ctx) }

// Participant is one cooperating process's marking state, as the engine
// sees it. PID/CreatedAt back the liveness check; MarkBuffer/Deque are the
// process's own grey-reference containers, kept as process-local Go state
// rather than placed in the shared heap file (DESIGN.md's internal/phase
// entry records this decision and why).
type Participant struct {
	PID       int64
	CreatedAt int64
	Block     *procblock.PerProcessBlock
	Buffer    *workqueue.MarkBuffer
	Queue     *workqueue.Deque
	Roots     RootSource

	deadMu sync.Mutex
	dead   bool
}

func (p *Participant) markDeadLocked() {
	p.deadMu.Lock()
	p.dead = true
	p.deadMu.Unlock()
}

// IsDead reports whether the engine has adopted this participant as dead.
func (p *Participant) IsDead() bool {
	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	return p.dead
}

// Engine drives one or more full collection cycles across a registered set
// of participants.
type Engine struct {
	Control    *procblock.ControlBlock
	Checker    procblock.LivenessChecker
	Bitmap     *markbitmap.MarkBitmap
	Sweep      *markbitmap.SweepBitmap
	Resolver   descriptor.Resolver
	// Reader, if set, dereferences each descriptor field offset into the
	// reference actually stored there (descriptor.WordReader). Left nil,
	// markOne falls back to treating RefOffsets as absolute target words
	// directly — convenient for tests that have no backing heap buffer.
	Reader     descriptor.WordReader
	GlobalRoot RootSource
	Log        *zap.Logger

	// StallDeadline is how long a participant may go without acknowledging a
	// barrier before the engine consults the OS about its liveness.
	StallDeadline time.Duration
	// ChunkSize is the logical-chunk grain sweep1/sweep2 claim work in.
	ChunkSize uint64
	// StealAttempts bounds how many failed steals a marker tries before
	// declaring its local work (buffer + queue) exhausted.
	StealAttempts int
	// OnFree, if set, is invoked for every free chunk discovered during
	// sweep; the alloc package's publish_free collaborator is wired in
	// through this hook rather than a direct import (internal/alloc defines
	// interfaces only, per spec.md §4.5).
	OnFree func(offset offsetptr.Offset, sizeWords uint64)

	mu           sync.Mutex
	participants map[int64]*Participant
	version      uint64
	chunkCursor  uint64
}

// NewEngine constructs an Engine with the given collaborators. It sets
// StallDeadline to 2s, ChunkSize to 4096 and StealAttempts to 8; callers
// may overwrite those fields afterwards.
func NewEngine(control *procblock.ControlBlock, checker procblock.LivenessChecker, bitmap *markbitmap.MarkBitmap, sweep *markbitmap.SweepBitmap, resolver descriptor.Resolver, globalRoots RootSource, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Control:       control,
		Checker:       checker,
		Bitmap:        bitmap,
		Sweep:         sweep,
		Resolver:      resolver,
		GlobalRoot:    globalRoots,
		Log:           log,
		StallDeadline: 2 * time.Second,
		ChunkSize:     4096,
		StealAttempts: 8,
		participants:  make(map[int64]*Participant),
	}
}

// Register adds a participant the engine will include in future phases.
func (e *Engine) Register(p *Participant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.participants[p.PID] = p
	p.Block.Liveness.Store(p.PID, p.CreatedAt)
}

// Unregister drops a participant, e.g. on clean process exit.
func (e *Engine) Unregister(pid int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.participants, pid)
}

func (e *Engine) liveParticipants() []*Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Participant, 0, len(e.participants))
	for _, p := range e.participants {
		if !p.IsDead() {
			out = append(out, p)
		}
	}
	return out
}

// currentPhase loads the phase/version the engine most recently published.
func (e *Engine) currentPhase() (Phase, uint64) {
	code, version := e.Control.GlobalBarrier.Load()
	return Phase(code), version
}

// beginPhase publishes a new phase and a fresh barrier version, per spec.md
// §4.1's "the driver increments a phase-wide counter" step.
func (e *Engine) beginPhase(phase Phase) uint64 {
	e.mu.Lock()
	e.version++
	v := e.version
	e.mu.Unlock()
	oldPhase, oldVersion := e.currentPhase()
	for !e.Control.GlobalBarrier.CompareAndSwap(oldPhase.code(), oldVersion, phase.code(), v) {
		oldPhase, oldVersion = e.currentPhase()
	}
	e.Log.Info("phase begin", zap.String("phase", phase.String()), zap.Uint64("version", v))
	return v
}

// RunCycle drives exactly one preMarking..postSweep cycle to completion.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := e.preMarking(ctx); err != nil {
		return err
	}
	if err := e.markingRound(ctx, Marking1); err != nil {
		return err
	}
	if err := e.sync(ctx); err != nil {
		return err
	}
	// marking2 may iterate: new greys produced during sync (or during a
	// prior marking2 round, via the write barrier) force another pass.
	for {
		produced, err := e.markingRoundReportsWork(ctx, Marking2)
		if err != nil {
			return err
		}
		if !produced {
			break
		}
	}
	if err := e.preSweep(ctx); err != nil {
		return err
	}
	if err := e.sweep(ctx, Sweep1, e.sweep1Chunk); err != nil {
		return err
	}
	if err := e.sweep(ctx, Sweep2, e.sweep2Chunk); err != nil {
		return err
	}
	return e.postSweep(ctx)
}

func (e *Engine) preMarking(ctx context.Context) error {
	v := e.beginPhase(PreMarking)
	e.Bitmap.Reset()
	e.Control.FlipSense()

	var globalRoots []offsetptr.Offset
	if e.GlobalRoot != nil {
		r, err := e.GlobalRoot.Roots(ctx)
		if err != nil {
			return fmt.Errorf("mpgc: global roots: %w", err)
		}
		globalRoots = r
	}

	for _, p := range e.liveParticipants() {
		for _, r := range globalRoots {
			p.Buffer.Push(r)
		}
		if p.Roots != nil {
			own, err := p.Roots.Roots(ctx)
			if err != nil {
				return fmt.Errorf("mpgc: participant %d roots: %w", p.PID, err)
			}
			for _, r := range own {
				p.Buffer.Push(r)
			}
		}
	}
	return e.awaitBarrier(ctx, PreMarking, v)
}

func (e *Engine) sync(ctx context.Context) error {
	v := e.beginPhase(Sync)
	return e.awaitBarrier(ctx, Sync, v)
}

// markingRound runs one marking1/marking2 pass and awaits the barrier.
func (e *Engine) markingRound(ctx context.Context, phase Phase) error {
	_, err := e.markingRoundReportsWork(ctx, phase)
	return err
}

// markingRoundReportsWork runs a marking pass, reports whether any grey
// reference was processed (so marking2 knows whether to iterate again), and
// awaits the barrier.
func (e *Engine) markingRoundReportsWork(ctx context.Context, phase Phase) (bool, error) {
	v := e.beginPhase(phase)
	participants := e.liveParticipants()

	var mu sync.Mutex
	anyWork := false

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range participants {
		p := p
		g.Go(func() error {
			did, err := e.drainParticipant(gctx, p, participants)
			if err != nil {
				return err
			}
			if did {
				mu.Lock()
				anyWork = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	if err := e.awaitBarrier(ctx, phase, v); err != nil {
		return false, err
	}
	return anyWork, nil
}

// drainParticipant moves p's mark buffer onto its traversal queue and marks
// every reachable object, work-stealing from peers once its own queue and
// buffer run dry, per spec.md §4.1's marking1 description and its
// cooperation invariant (no marker proceeds past a barrier with undrained
// buffers).
func (e *Engine) drainParticipant(ctx context.Context, p *Participant, peers []*Participant) (bool, error) {
	didWork := false
	for {
		// Cooperation invariant: drain the whole mark buffer onto the
		// traversal queue before considering this marker idle.
		for {
			ref, ok := p.Buffer.Pop()
			if !ok {
				break
			}
			if !p.Queue.Push(ref) {
				// Queue briefly full: process refs directly rather than
				// dropping them (the deque is documented as never
				// overflowing "by construction" in spec.md §7; here that
				// means falling back to immediate processing).
				if err := e.markOne(ctx, ref, p.Buffer); err != nil {
					return didWork, err
				}
				didWork = true
			}
		}

		ref, ok := p.Queue.Pop()
		if !ok {
			ref, ok = e.stealFrom(peers, p)
		}
		if !ok {
			if p.Buffer.Len() == 0 {
				return didWork, nil
			}
			continue
		}
		if err := e.markOne(ctx, ref, p.Buffer); err != nil {
			return didWork, err
		}
		didWork = true
	}
}

// stealFrom tries up to StealAttempts rounds over peers' traversal queues
// before giving up, per spec.md §4.1's "idle processes steal from peers".
func (e *Engine) stealFrom(peers []*Participant, self *Participant) (offsetptr.Offset, bool) {
	for attempt := 0; attempt < e.StealAttempts; attempt++ {
		for _, peer := range peers {
			if peer == self {
				continue
			}
			if ref, ok := peer.Queue.Steal(); ok {
				return ref, true
			}
		}
	}
	return offsetptr.Null, false
}

// markOne loads ref's descriptor, marks its begin/end bits (only the
// winner of the begin CAS scans its references, per spec.md §4.2), and
// greys its outgoing references into buffer.
func (e *Engine) markOne(ctx context.Context, ref offsetptr.Offset, buffer *workqueue.MarkBuffer) error {
	if ref.IsNull() {
		return nil
	}
	word := ref.Word()
	if !e.Bitmap.MarkBegin(word) {
		// Someone else already owns scanning this object.
		return nil
	}
	desc, err := e.Resolver.Resolve(ref)
	if err != nil {
		if err == descriptor.ErrInvalidDescriptor {
			// Release-mode policy per spec.md §7: treat as a non-reference,
			// not a crash.
			e.Log.Debug("descriptor invalid, treating as non-reference", zap.Stringer("ref", ref))
			e.Bitmap.MarkEnd(word)
			return nil
		}
		return err
	}
	size := desc.SizeWords()
	if size == 0 {
		size = 1
	}
	e.Bitmap.MarkEnd(word + size - 1)
	for _, off := range desc.RefOffsets() {
		var child offsetptr.Offset
		if e.Reader != nil {
			c, err := e.Reader.ReadWord(ref, off)
			if err != nil {
				return err
			}
			child = c
		} else {
			child = offsetptr.FromWord(off)
		}
		if child.IsNull() || e.Bitmap.IsMarked(child.Word()) {
			continue
		}
		buffer.Push(child)
	}
	return nil
}

func (e *Engine) preSweep(ctx context.Context) error {
	v := e.beginPhase(PreSweep)
	e.mu.Lock()
	e.chunkCursor = 0
	e.mu.Unlock()
	return e.awaitBarrier(ctx, PreSweep, v)
}

type chunkFn func(ctx context.Context, chunk uint64, sense bool) error

func (e *Engine) sweep(ctx context.Context, phase Phase, fn chunkFn) error {
	v := e.beginPhase(phase)
	sense := e.Control.Sense()
	participants := e.liveParticipants()
	workers := len(participants)
	if workers == 0 {
		workers = 1
	}
	// Each sweep phase claims chunks from the first one. Only sweep1 records
	// per-chunk completion in the sweep bitmap, so sweep2 visits every chunk.
	e.mu.Lock()
	e.chunkCursor = 0
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				chunk, ok := e.claimChunk()
				if !ok {
					return nil
				}
				if phase == Sweep1 && e.Sweep.IsDone(chunk, sense) {
					continue
				}
				if err := fn(gctx, chunk, sense); err != nil {
					return err
				}
				if phase == Sweep1 {
					e.Sweep.MarkDone(chunk, sense)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.awaitBarrier(ctx, phase, v)
}

func (e *Engine) claimChunk() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.Sweep.Chunks()
	if e.chunkCursor >= total {
		return 0, false
	}
	c := e.chunkCursor
	e.chunkCursor++
	return c, true
}

// sweep1Chunk implements spec.md §4.2's free-chunk reconstitution for one
// logical chunk: walk begin/end for contiguous free runs, claim each run's
// first word, and hand it to publishFree. A run that reaches the chunk's
// end (anywhere but the end of the heap) is left unclaimed for sweep2's
// boundary merge, which visits every chunk boundary; nothing about such a
// run is recorded in the sweep bitmap.
func (e *Engine) sweep1Chunk(ctx context.Context, chunk uint64, sense bool) error {
	start := chunk * e.ChunkSize
	limit := start + e.ChunkSize
	if limit > e.Bitmap.Words() {
		limit = e.Bitmap.Words()
	}
	word := start
	for word < limit {
		if e.Bitmap.IsMarked(word) {
			end, ok := e.Bitmap.ObjectEnd(word, e.Bitmap.Words())
			if !ok {
				break
			}
			word = end + 1
			continue
		}
		runEnd, ok := e.Bitmap.FindNextFreeWord(word, limit)
		if !ok {
			break
		}
		if runEnd == limit && limit < e.Bitmap.Words() {
			// Run reaches the chunk boundary: might continue into the next
			// chunk. Leave it for sweep2's boundary merge.
			break
		}
		if e.Bitmap.MarkBegin(word) {
			e.Bitmap.MarkEnd(runEnd - 1)
			e.publishFree(word, runEnd-word)
		}
		word = runEnd
	}
	return nil
}

// sweep2Chunk resolves chunks whose free region crossed a chunk boundary,
// via expand_free_chunk: walk end leftward and begin rightward from the
// tentative boundary to find the true extent.
func (e *Engine) sweep2Chunk(ctx context.Context, chunk uint64, sense bool) error {
	boundary := (chunk + 1) * e.ChunkSize
	if boundary >= e.Bitmap.Words() {
		return nil
	}
	left, ok := e.Bitmap.FindPrevUsedWord(boundary)
	var runStart uint64
	if ok {
		runStart = left + 1
	}
	limit := e.Bitmap.Words()
	runEnd, ok := e.Bitmap.FindNextFreeWord(boundary, limit)
	if !ok {
		// FindNextFreeWord fails only when `boundary` itself is marked
		// (markbitmap.go's FindNextFreeWord), meaning the free run abutting
		// the boundary from the right was already claimed, begin-bit and
		// all, by the neighboring chunk's own sweep1 pass. The true right
		// extent of *this* merge is boundary itself, not the whole heap —
		// using limit here would publish a bogus free chunk spanning every
		// live object between the boundary and the end of the heap.
		runEnd = boundary
	}
	if runEnd <= runStart {
		return nil
	}
	if e.Bitmap.MarkBegin(runStart) {
		e.Bitmap.MarkEnd(runEnd - 1)
		e.publishFree(runStart, runEnd-runStart)
	}
	return nil
}

// publishFree is the seam to the external allocator collaborator
// (internal/alloc); the phase engine only discovers free regions, it never
// owns free-list storage (spec.md §4.5).
func (e *Engine) publishFree(offset, sizeWords uint64) {
	e.Log.Debug("free chunk published", zap.Uint64("offset", offset), zap.Uint64("words", sizeWords))
	if e.OnFree != nil {
		e.OnFree(offsetptr.FromWord(offset), sizeWords)
	}
}

func (e *Engine) postSweep(ctx context.Context) error {
	v := e.beginPhase(PostSweep)
	e.mu.Lock()
	for pid, p := range e.participants {
		if p.IsDead() {
			delete(e.participants, pid)
			p.Block.Liveness.Clear()
			e.Log.Info("reaped dead participant", zap.Int64("pid", pid))
		}
	}
	e.mu.Unlock()
	return e.awaitBarrier(ctx, PostSweep, v)
}

// awaitBarrier polls every live participant until each has acknowledged
// (phase, version), adopting any participant that stalls past
// StallDeadline and fails the OS liveness check.
func (e *Engine) awaitBarrier(ctx context.Context, phase Phase, version uint64) error {
	deadline := time.Now().Add(e.StallDeadline)
	for {
		pending := e.pendingParticipants(phase, version)
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			for _, p := range pending {
				alive, err := e.Checker.IsAlive(p.PID, p.CreatedAt)
				if err != nil {
					e.Log.Warn("liveness check error", zap.Int64("pid", p.PID), zap.Error(err))
					continue
				}
				if !alive {
					e.adopt(p)
				}
			}
			deadline = time.Now().Add(e.StallDeadline)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *Engine) pendingParticipants(phase Phase, version uint64) []*Participant {
	var pending []*Participant
	for _, p := range e.liveParticipants() {
		code, v := p.Block.Barrier.Load()
		if Phase(code) != phase || v != version {
			pending = append(pending, p)
		}
	}
	return pending
}

// Ack records that participant pid has observed and processed (phase,
// version). Called by a participant's own goroutine at its safepoint, per
// spec.md §4.1's handshake description.
func (e *Engine) Ack(pid int64, phase Phase, version uint64) {
	e.mu.Lock()
	p, ok := e.participants[pid]
	e.mu.Unlock()
	if !ok {
		return
	}
	for {
		code, v := p.Block.Barrier.Load()
		if code == phase.code() && v == version {
			return
		}
		if p.Block.Barrier.CompareAndSwap(code, v, phase.code(), version) {
			return
		}
	}
}

// adopt declares p Dead and hands its outstanding grey work (mark buffer
// and traversal queue) to another live participant so marking can complete
// without it (spec.md §4.1's "its mark buffer and traversal queue are then
// owned by the driver for this cycle").
func (e *Engine) adopt(p *Participant) {
	p.markDeadLocked()
	e.Log.Info("adopting dead participant", zap.Int64("pid", p.PID))
	drained := p.Buffer.Drain()
	e.mu.Lock()
	var target *Participant
	for _, other := range e.participants {
		if !other.IsDead() && other.PID != p.PID {
			target = other
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return
	}
	for _, ref := range drained {
		target.Buffer.Push(ref)
	}
	for {
		ref, ok := p.Queue.Steal()
		if !ok {
			break
		}
		if !target.Queue.Push(ref) {
			target.Buffer.Push(ref)
		}
	}
}
