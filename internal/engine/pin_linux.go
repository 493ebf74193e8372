//go:build linux

package engine

import (
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pinToCore locks the calling goroutine to its OS thread and binds that
// thread to one CPU core. Pinning is best effort: a failure is logged and
// the shard runs unpinned.
func pinToCore(core int, logger *zap.Logger) {
	if core < 0 {
		return
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logger.Warn("cpu affinity not applied",
			zap.Int("core", core),
			zap.Error(err))
	}
}
