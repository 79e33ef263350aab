package dap

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// forceKill sends SIGKILL to pid if it is still alive.
func forceKill(ctx context.Context, pid int) error {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect inferior %d: %w", pid, err)
	}
	if err := proc.KillWithContext(ctx); err != nil {
		if running, rerr := proc.IsRunningWithContext(ctx); rerr == nil && !running {
			return nil
		}
		return fmt.Errorf("kill inferior %d: %w", pid, err)
	}
	return nil
}
