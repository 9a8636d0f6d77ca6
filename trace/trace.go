// Package trace implements spec.md §6's observability hook: a core-owned
// entry point that turns a descriptor bit-string into a human-readable
// summary for debugging. The descriptor-printer CLI tool itself
// (`descprint`) stays out of scope (spec.md §1 Non-goals) — this package is
// only the thin hook such a tool would call into, following the same
// "encoding is an external collaborator" boundary internal/descriptor
// draws: TraceDesc never interprets the raw bit-string itself, it delegates
// that to a caller-supplied Decoder and only formats the result.
package trace

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fabricattached/mpgc/internal/descriptor"
)

// Decoder turns a descriptor's raw on-disk bytes into a descriptor.Descriptor.
// Supplied by the embedding application, exactly like descriptor.Resolver —
// decoding the bit-string is object-layout-specific and out of scope here.
type Decoder func(raw []byte) (descriptor.Descriptor, error)

// TraceDesc decodes the hex-encoded descriptor bit-string hex via decode and
// renders a one-line summary: size in words and the reference field offsets.
// This is the entry point spec.md §6 says a descriptor-printer tool would
// call; this package implements only the hook, not such a tool.
func TraceDesc(hexStr string, decode Decoder) (string, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", fmt.Errorf("mpgc: trace: invalid descriptor hex: %w", err)
	}
	d, err := decode(raw)
	if err != nil {
		return "", fmt.Errorf("mpgc: trace: decode descriptor: %w", err)
	}
	return Format(d), nil
}

// Format renders an already-resolved Descriptor as a one-line summary,
// for callers that have a Descriptor in hand without going through the
// hex/Decoder path.
func Format(d descriptor.Descriptor) string {
	refs := d.RefOffsets()
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = fmt.Sprintf("%d", r)
	}
	return fmt.Sprintf("words=%d refs=[%s]", d.SizeWords(), strings.Join(parts, ","))
}
