package mpgc

import (
	"context"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/fabricattached/mpgc/heap"
	"github.com/fabricattached/mpgc/internal/descriptor"
	"github.com/fabricattached/mpgc/internal/offsetptr"
	"github.com/fabricattached/mpgc/internal/phase"
	"github.com/fabricattached/mpgc/internal/procblock"
)

type alwaysAlive struct{}

func (alwaysAlive) IsAlive(pid, created int64) (bool, error) { return true, nil }

func testOpts(t *testing.T) heap.Options {
	t.Helper()
	return heap.Options{
		HeapsDir:        t.TempDir(),
		HeapSize:        4 * datasize.KB,
		ControlHeapSize: 1 * datasize.MB,
		MaxProcesses:    4,
		ChunkWords:      64,
	}
}

// twoWordResolver makes word 4 a 2-word object and every other word a
// 1-word object. Word 0 is offsetptr.Null and never names an object.
func twoWordResolver() descriptor.ResolverFunc {
	return func(ref offsetptr.Offset) (descriptor.Descriptor, error) {
		if ref.Word() == 4 {
			return descriptor.Fixed{Words: 2}, nil
		}
		return descriptor.Fixed{Words: 1}, nil
	}
}

func TestOpenRequiresResolver(t *testing.T) {
	_, err := Open(Context{}, testOpts(t))
	require.Error(t, err)
}

func TestJoinRegistersParticipantAndDrivesCycle(t *testing.T) {
	c, err := Open(Context{Resolver: twoWordResolver(), Checker: alwaysAlive{}}, testOpts(t))
	require.NoError(t, err)
	defer c.Close()

	p, err := c.Join(1, 1000, phase.RootSourceFunc(func(context.Context) ([]offsetptr.Offset, error) {
		return []offsetptr.Offset{offsetptr.FromWord(4)}, nil
	}))
	require.NoError(t, err)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		var lastPhase procblock.PhaseCode = 255
		var lastVersion uint64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				code, v := c.Engine.Control.GlobalBarrier.Load()
				if code != lastPhase || v != lastVersion {
					c.Engine.Ack(1, phase.Phase(code), v)
					lastPhase, lastVersion = code, v
				}
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.RunCycle(ctx))
	require.True(t, c.Heap.Bitmap.IsMarked(4))

	p.Leave()
}

func TestExternalAnchorIsACollectorRoot(t *testing.T) {
	c, err := Open(Context{Resolver: twoWordResolver(), Checker: alwaysAlive{}}, testOpts(t))
	require.NoError(t, err)
	defer c.Close()

	p, err := c.Join(1, 1000, nil)
	require.NoError(t, err)
	defer p.Leave()

	h, err := p.ExtRefs.Acquire(7, offsetptr.FromWord(3))
	require.NoError(t, err)
	defer h.Release()

	roots := c.Roots()
	require.Contains(t, roots, offsetptr.FromWord(3))
}
