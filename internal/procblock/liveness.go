package procblock

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// LivenessChecker decides whether the process identified by (pid, created)
// is still the same process that originally claimed a slot — spec.md §4.1's
// "PID + process-creation-time comparison". It is an interface so tests can
// fake process death without spawning real processes.
type LivenessChecker interface {
	IsAlive(pid, createdMillis int64) (bool, error)
}

// OSLivenessChecker is the real implementation, backed by gopsutil/v3 with a
// golang.org/x/sys/unix.Kill(pid, 0) fast-path probe first (SPEC_FULL.md §B):
// a dead PID answers ESRCH immediately without needing to read /proc at all.
type OSLivenessChecker struct{}

// IsAlive implements LivenessChecker.
func (OSLivenessChecker) IsAlive(pid, createdMillis int64) (bool, error) {
	if err := unix.Kill(int(pid), 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		// EPERM (owned by another user) and other errors still need the
		// gopsutil path below to resolve creation time, so fall through.
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	createTime, err := proc.CreateTime()
	if err != nil {
		return false, err
	}
	// A live PID whose creation time disagrees is a different process that
	// reused the slot's old PID; the original's owner is gone.
	return createTime == createdMillis, nil
}
