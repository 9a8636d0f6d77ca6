// Command mpgcctl is a diagnostic CLI for an MPGC heap: attach a process to
// it, report control-block/per-process-block/bitmap statistics, or force one
// collection cycle. It is process-lifecycle glue (SPEC_FULL.md §B), not the
// descriptor-printer tool (`descprint` stays an explicit non-goal, spec.md
// §1).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabricattached/mpgc/heap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mpgcctl:", err)
		os.Exit(1)
	}
}

type heapFlags struct {
	heapsDir        string
	gcHeapPath      string
	controlHeapPath string
}

func (f *heapFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.heapsDir, "heaps-dir", "", "heap directory (default: $MPGC_HEAPS_DIR or ./heaps)")
	cmd.PersistentFlags().StringVar(&f.gcHeapPath, "gc-heap", "", "object heap file path override")
	cmd.PersistentFlags().StringVar(&f.controlHeapPath, "control-heap", "", "control heap file path override")
}

func (f *heapFlags) opts() heap.Options {
	opts := heap.DefaultOptions().WithEnv()
	if f.heapsDir != "" {
		opts.HeapsDir = f.heapsDir
	}
	if f.gcHeapPath != "" {
		opts.GCHeapPath = f.gcHeapPath
	}
	if f.controlHeapPath != "" {
		opts.ControlHeapPath = f.controlHeapPath
	}
	return opts
}

func (f *heapFlags) open() (*heap.Heap, error) {
	return heap.Open(f.opts(), zap.NewNop())
}

func newRootCmd() *cobra.Command {
	flags := &heapFlags{}
	root := &cobra.Command{
		Use:           "mpgcctl",
		Short:         "Diagnostic tool for an MPGC heap",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags.register(root)

	root.AddCommand(newAttachCmd(flags))
	root.AddCommand(newStatCmd(flags))
	root.AddCommand(newForceCycleCmd(flags))
	return root
}
