package trace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabricattached/mpgc/internal/descriptor"
)

func fixedDecoder(raw []byte) (descriptor.Descriptor, error) {
	return descriptor.Fixed{Words: uint64(raw[0]), Refs: []uint64{1, 2}}, nil
}

func TestTraceDescFormatsDescriptor(t *testing.T) {
	out, err := TraceDesc("03", fixedDecoder)
	require.NoError(t, err)
	require.Equal(t, "words=3 refs=[1,2]", out)
}

func TestTraceDescRejectsInvalidHex(t *testing.T) {
	_, err := TraceDesc("zz", fixedDecoder)
	require.Error(t, err)
}

func TestFormatWithNoRefs(t *testing.T) {
	out := Format(descriptor.Fixed{Words: 1})
	require.Equal(t, "words=1 refs=[]", out)
}
