// Package heap implements spec.md §6's heap file: a pair of mmap'd,
// MAP_SHARED regular files (the object heap mutators allocate into, and the
// control heap holding the control block, per-process-block array, and the
// mark/sweep bitmaps), plus the attach protocol that claims a
// PerProcessBlock slot for a newly joining process.
//
// Grounded on spec.md §6 directly for the env vars and file roles; the
// technique of placing Go structs at computed offsets inside a mapped
// region and addressing them through raw pointers, rather than
// serializing/deserializing, follows
// other_examples/aeabd8dd_sakateka-yanet2__...ring.go's workerArea (whose
// writeIdx/readableIdx fields are *uint64 pointers straight into a shared
// ring buffer's memory).
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fabricattached/mpgc/internal/markbitmap"
	"github.com/fabricattached/mpgc/internal/offsetptr"
	"github.com/fabricattached/mpgc/internal/procblock"
)

const wordBytes = offsetptr.WordBytes

// ErrHeapSizeMismatch is returned when attaching to an existing heap whose
// recorded word count disagrees with the configured HeapSize
// (SPEC_FULL.md §E.1: growing a live heap is unsupported).
var ErrHeapSizeMismatch = errors.New("mpgc: heap size recorded in control block does not match configured size")

// ErrControlHeapTooSmall is returned when opts.ControlHeapSize can't hold
// the control block, per-process-block array, and bitmaps it needs to.
var ErrControlHeapTooSmall = errors.New("mpgc: configured control heap size is smaller than the computed layout requires")

// layout is the byte-offset plan for everything placed inside the control
// heap. Every section starts 8-byte aligned so the atomic fields inside it
// (and the uint64 bitmap words) never straddle an alignment boundary.
type layout struct {
	controlOff uintptr
	blocksOff  uintptr
	beginOff   uintptr
	endOff     uintptr
	sweepOff   uintptr
	total      uintptr
}

func align8(x uintptr) uintptr { return (x + 7) &^ 7 }

func computeLayout(maxProcesses uint32, nWords, nChunks uint64) layout {
	var l layout
	ctrlSize := unsafe.Sizeof(procblock.ControlBlock{})
	blockSize := unsafe.Sizeof(procblock.PerProcessBlock{})
	bitmapWords := uintptr(markbitmap.WordsFor(nWords))
	sweepWords := uintptr(markbitmap.WordsFor(nChunks))

	l.controlOff = 0
	l.blocksOff = align8(l.controlOff + ctrlSize)
	l.beginOff = align8(l.blocksOff + blockSize*uintptr(maxProcesses))
	l.endOff = align8(l.beginOff + bitmapWords*8)
	l.sweepOff = align8(l.endOff + bitmapWords*8)
	l.total = align8(l.sweepOff + sweepWords*8)
	return l
}

// Heap is an attached pair of mapped heap files: the object heap and the
// control heap, plus the shared-memory views placed inside the latter.
type Heap struct {
	opts Options
	log  *zap.Logger

	gcFile *os.File
	gcData []byte

	ctrlFile *os.File
	ctrlData []byte

	layout layout

	// Control is the singleton shared control block (spec.md §3).
	Control *procblock.ControlBlock
	// Blocks is the fixed-size array of per-process slots, indexed by
	// attach order, not by pid.
	Blocks []*procblock.PerProcessBlock
	// Bitmap and Sweep are views over control-heap storage, shared by every
	// attached process (SPEC_FULL.md §E.2).
	Bitmap *markbitmap.MarkBitmap
	Sweep  *markbitmap.SweepBitmap
}

// Open attaches to (creating if absent) the heap file pair named by opts.
func Open(opts Options, log *zap.Logger) (*Heap, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HeapsDir != "" {
		if err := os.MkdirAll(opts.HeapsDir, 0o755); err != nil {
			return nil, fmt.Errorf("mpgc: create heaps dir: %w", err)
		}
	}

	nWords := uint64(opts.HeapSize.Bytes()) / wordBytes
	nChunks := (nWords + opts.ChunkWords - 1) / opts.ChunkWords
	lay := computeLayout(opts.MaxProcesses, nWords, nChunks)
	if uint64(lay.total) > opts.ControlHeapSize.Bytes() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrControlHeapTooSmall, lay.total, opts.ControlHeapSize.Bytes())
	}

	gcFile, gcData, _, err := openMapped(opts.gcHeapPath(), uint64(opts.HeapSize.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("mpgc: open gc heap: %w", err)
	}

	ctrlFile, ctrlData, ctrlCreated, err := openMapped(opts.controlHeapPath(), uint64(lay.total))
	if err != nil {
		_ = unix.Munmap(gcData)
		_ = gcFile.Close()
		return nil, fmt.Errorf("mpgc: open control heap: %w", err)
	}

	h := &Heap{
		opts:     opts,
		log:      log,
		gcFile:   gcFile,
		gcData:   gcData,
		ctrlFile: ctrlFile,
		ctrlData: ctrlData,
		layout:   lay,
	}
	if !ctrlCreated {
		// Check the recorded size before binding the bitmap views: they are
		// laid out for nWords, and an existing control heap created for a
		// different word count can be too short to hold them.
		ctrl := (*procblock.ControlBlock)(unsafe.Pointer(&ctrlData[lay.controlOff]))
		if existing := ctrl.HeapWords.Load(); existing != nWords {
			_ = h.Close()
			return nil, fmt.Errorf("%w: recorded %d words, configured %d", ErrHeapSizeMismatch, existing, nWords)
		}
	}
	h.bindViews(nWords, nChunks)

	if ctrlCreated {
		h.Control.HeapWords.Store(nWords)
		h.Control.NumSlots.Store(opts.MaxProcesses)
	}

	log.Info("heap attached",
		zap.String("gc_heap", opts.gcHeapPath()),
		zap.String("control_heap", opts.controlHeapPath()),
		zap.Uint64("words", nWords),
		zap.Uint64("chunks", nChunks),
	)
	return h, nil
}

// bindViews casts the mapped control-heap bytes into the Control/Blocks/
// Bitmap/Sweep views at their computed offsets.
func (h *Heap) bindViews(nWords, nChunks uint64) {
	l := h.layout
	h.Control = (*procblock.ControlBlock)(unsafe.Pointer(&h.ctrlData[l.controlOff]))

	blockSize := unsafe.Sizeof(procblock.PerProcessBlock{})
	h.Blocks = make([]*procblock.PerProcessBlock, h.opts.MaxProcesses)
	for i := range h.Blocks {
		off := l.blocksOff + uintptr(i)*blockSize
		h.Blocks[i] = (*procblock.PerProcessBlock)(unsafe.Pointer(&h.ctrlData[off]))
	}

	bitmapWords := markbitmap.WordsFor(nWords)
	begin := unsafe.Slice((*uint64)(unsafe.Pointer(&h.ctrlData[l.beginOff])), bitmapWords)
	end := unsafe.Slice((*uint64)(unsafe.Pointer(&h.ctrlData[l.endOff])), bitmapWords)
	h.Bitmap = markbitmap.NewFromWords(begin, end, nWords)

	sweepWords := markbitmap.WordsFor(nChunks)
	done := unsafe.Slice((*uint64)(unsafe.Pointer(&h.ctrlData[l.sweepOff])), sweepWords)
	h.Sweep = markbitmap.NewSweepBitmapFromWords(done, nChunks)
}

// openMapped opens (creating if absent) path, sizing a freshly created file
// to size bytes, and maps it MAP_SHARED. created reports whether the file
// was empty (and therefore just sized) rather than pre-existing.
func openMapped(path string, size uint64) (f *os.File, data []byte, created bool, err error) {
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, false, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, false, err
	}
	if info.Size() == 0 {
		created = true
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, nil, false, err
		}
	} else {
		size = uint64(info.Size())
	}
	data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, nil, false, err
	}
	return f, data, created, nil
}

// Close msyncs and unmaps both files.
func (h *Heap) Close() error {
	var errs []error
	if h.ctrlData != nil {
		_ = unix.Msync(h.ctrlData, unix.MS_SYNC)
		errs = append(errs, unix.Munmap(h.ctrlData))
	}
	if h.ctrlFile != nil {
		errs = append(errs, h.ctrlFile.Close())
	}
	if h.gcData != nil {
		_ = unix.Msync(h.gcData, unix.MS_SYNC)
		errs = append(errs, unix.Munmap(h.gcData))
	}
	if h.gcFile != nil {
		errs = append(errs, h.gcFile.Close())
	}
	return errors.Join(errs...)
}

// Attach claims the first free PerProcessBlock slot for (pid, createdMillis)
// (spec.md §4.1's attach protocol).
func (h *Heap) Attach(pid, createdMillis int64) (int, *procblock.PerProcessBlock, error) {
	for i, b := range h.Blocks {
		if b.Liveness.IsZero() {
			b.Liveness.Store(pid, createdMillis)
			return i, b, nil
		}
	}
	return -1, nil, fmt.Errorf("mpgc: no free per-process-block slot (max %d)", len(h.Blocks))
}

// ObjectBytes returns a slice view of sizeWords words starting at offset,
// for the embedding application's object-layout code to read/write
// directly — the "persistent-heap file layout beyond what heap needs to
// mmap it" stays that application's concern (spec.md §1 Non-goals), but it
// needs some way to reach the bytes, and this is it.
func (h *Heap) ObjectBytes(offset offsetptr.Offset, sizeWords uint64) []byte {
	start := offset.Word() * wordBytes
	return h.gcData[start : start+sizeWords*wordBytes]
}

// ReadWord implements internal/descriptor.WordReader by reading the
// reference stored at obj's field wordOffset directly out of the mapped
// object heap, so internal/phase.Engine can enqueue an object's outgoing
// references without the embedding application wiring its own reader.
func (h *Heap) ReadWord(obj offsetptr.Offset, wordOffset uint64) (offsetptr.Offset, error) {
	start := (obj.Word() + wordOffset) * wordBytes
	if start+wordBytes > uint64(len(h.gcData)) {
		return offsetptr.Null, fmt.Errorf("mpgc: word offset %d out of range", start)
	}
	v := int64(binary.LittleEndian.Uint64(h.gcData[start : start+wordBytes]))
	return offsetptr.Offset(v), nil
}

// WriteWord stores ref at obj's field wordOffset — the raw-store half of
// internal/wbarrier.Barrier.StoreRef's store callback.
func (h *Heap) WriteWord(obj offsetptr.Offset, wordOffset uint64, ref offsetptr.Offset) error {
	start := (obj.Word() + wordOffset) * wordBytes
	if start+wordBytes > uint64(len(h.gcData)) {
		return fmt.Errorf("mpgc: word offset %d out of range", start)
	}
	binary.LittleEndian.PutUint64(h.gcData[start:start+wordBytes], uint64(int64(ref)))
	return nil
}
