package heap

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/fabricattached/mpgc/internal/offsetptr"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		HeapsDir:        t.TempDir(),
		HeapSize:        4 * datasize.KB,
		ControlHeapSize: 1 * datasize.MB,
		MaxProcesses:    4,
		ChunkWords:      64,
	}
}

func TestOpenCreatesFreshHeap(t *testing.T) {
	h, err := Open(testOptions(t), nil)
	require.NoError(t, err)
	defer h.Close()

	require.Equal(t, uint64(4*1024/8), h.Control.HeapWords.Load())
	require.Equal(t, uint64(4*1024/8), h.Bitmap.Words())
	require.False(t, h.Bitmap.IsMarked(0))
}

func TestReadWriteWordRoundTrips(t *testing.T) {
	h, err := Open(testOptions(t), nil)
	require.NoError(t, err)
	defer h.Close()

	obj := offsetptr.FromWord(4)
	ref := offsetptr.FromWord(9)
	require.NoError(t, h.WriteWord(obj, 1, ref))

	got, err := h.ReadWord(obj, 1)
	require.NoError(t, err)
	require.Equal(t, ref, got)
}

func TestReadWordOutOfRange(t *testing.T) {
	h, err := Open(testOptions(t), nil)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.ReadWord(offsetptr.FromWord(1_000_000), 0)
	require.Error(t, err)
}

func TestAttachClaimsDistinctSlots(t *testing.T) {
	h, err := Open(testOptions(t), nil)
	require.NoError(t, err)
	defer h.Close()

	i1, b1, err := h.Attach(100, 1)
	require.NoError(t, err)
	i2, b2, err := h.Attach(200, 1)
	require.NoError(t, err)
	require.NotEqual(t, i1, i2)
	require.NotSame(t, b1, b2)

	pid, created := b1.Liveness.Load()
	require.Equal(t, int64(100), pid)
	require.Equal(t, int64(1), created)
}

func TestAttachFailsWhenSlotsExhausted(t *testing.T) {
	opts := testOptions(t)
	opts.MaxProcesses = 1
	h, err := Open(opts, nil)
	require.NoError(t, err)
	defer h.Close()

	_, _, err = h.Attach(1, 1)
	require.NoError(t, err)
	_, _, err = h.Attach(2, 1)
	require.Error(t, err)
}

func TestReopenWithMismatchedHeapSizeFails(t *testing.T) {
	opts := testOptions(t)
	h, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	opts.HeapSize = 8 * datasize.KB
	_, err = Open(opts, nil)
	require.ErrorIs(t, err, ErrHeapSizeMismatch)
}

func TestControlHeapTooSmallFails(t *testing.T) {
	opts := testOptions(t)
	opts.ControlHeapSize = 1
	opts.MaxProcesses = 1000
	_, err := Open(opts, nil)
	require.ErrorIs(t, err, ErrControlHeapTooSmall)
}

func TestReopenPersistsAcrossClose(t *testing.T) {
	opts := testOptions(t)
	h, err := Open(opts, nil)
	require.NoError(t, err)
	obj := offsetptr.FromWord(2)
	ref := offsetptr.FromWord(5)
	require.NoError(t, h.WriteWord(obj, 0, ref))
	require.NoError(t, h.Close())

	h2, err := Open(opts, nil)
	require.NoError(t, err)
	defer h2.Close()
	got, err := h2.ReadWord(obj, 0)
	require.NoError(t, err)
	require.Equal(t, ref, got)
}
