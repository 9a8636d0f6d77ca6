package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabricattached/mpgc"
	"github.com/fabricattached/mpgc/internal/descriptor"
	"github.com/fabricattached/mpgc/internal/offsetptr"
)

// trivialResolver treats every object as a single word with no outgoing
// references. mpgcctl has no knowledge of the embedding application's
// object layout (spec.md §1 keeps that external), so force-cycle can only
// exercise the phase machinery itself, not produce a semantically correct
// mark/sweep pass over real application objects.
func trivialResolver() descriptor.ResolverFunc {
	return func(offsetptr.Offset) (descriptor.Descriptor, error) {
		return descriptor.Fixed{Words: 1}, nil
	}
}

func newForceCycleCmd(flags *heapFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "force-cycle",
		Short: "Drive one full preMarking..postSweep collection cycle",
		Long: "Drives one full collection cycle against the attached heap. " +
			"Since mpgcctl has no knowledge of the embedding application's object " +
			"layout, it uses a trivial one-word resolver: useful for exercising " +
			"the phase machinery and liveness/adoption handling, not for actually " +
			"reclaiming application objects.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := mpgc.Open(mpgc.Context{Resolver: trivialResolver()}, flags.opts())
			if err != nil {
				return err
			}
			defer c.Close()

			base := cmd.Context()
			if base == nil {
				base = context.Background()
			}
			ctx, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			if err := c.RunCycle(ctx); err != nil {
				return fmt.Errorf("force-cycle: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "collection cycle complete")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum time to wait for the cycle to complete")
	return cmd
}
