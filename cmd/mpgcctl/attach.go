package main

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

func newAttachCmd(flags *heapFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Claim a per-process-block slot for this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := flags.open()
			if err != nil {
				return err
			}
			defer h.Close()

			pid := int64(os.Getpid())
			createdMillis, err := processCreateTime(pid)
			if err != nil {
				return fmt.Errorf("read process creation time: %w", err)
			}

			idx, _, err := h.Attach(pid, createdMillis)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attached pid=%d slot=%d\n", pid, idx)
			return nil
		},
	}
}

func processCreateTime(pid int64) (int64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	ct, err := proc.CreateTime()
	if err != nil {
		// Best effort on platforms gopsutil can't read creation time on.
		return time.Now().UnixMilli(), nil
	}
	return ct, nil
}
