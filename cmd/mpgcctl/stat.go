package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabricattached/mpgc/internal/phase"
)

func newStatCmd(flags *heapFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Report control-block, per-process-block, and bitmap statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := flags.open()
			if err != nil {
				return err
			}
			defer h.Close()

			out := cmd.OutOrStdout()
			code, version := h.Control.GlobalBarrier.Load()
			fmt.Fprintf(out, "heap words:     %d\n", h.Control.HeapWords.Load())
			fmt.Fprintf(out, "num slots:      %d\n", h.Control.NumSlots.Load())
			fmt.Fprintf(out, "sweep sense:    %v\n", h.Control.Sense())
			fmt.Fprintf(out, "global phase:   %s (version %d)\n", phase.Phase(code), version)

			live := 0
			for i, b := range h.Blocks {
				pid, created := b.Liveness.Load()
				if pid == 0 && created == 0 {
					continue
				}
				live++
				pc, pv := b.Barrier.Load()
				fmt.Fprintf(out, "slot %d: pid=%d created=%d phase=%s version=%d\n", i, pid, created, phase.Phase(pc), pv)
			}
			fmt.Fprintf(out, "live slots:     %d / %d\n", live, len(h.Blocks))

			marked := 0
			for w := uint64(0); w < h.Bitmap.Words(); w++ {
				if h.Bitmap.IsMarked(w) {
					marked++
				}
			}
			fmt.Fprintf(out, "marked objects: %d (begin bits set)\n", marked)
			return nil
		},
	}
}
