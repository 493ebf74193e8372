//go:build !linux

package engine

import (
	"runtime"

	"go.uber.org/zap"
)

// pinToCore locks the goroutine to its OS thread. Core affinity is only
// available on Linux; elsewhere the scheduler decides.
func pinToCore(core int, logger *zap.Logger) {
	if core < 0 {
		return
	}
	runtime.LockOSThread()
	logger.Debug("cpu affinity unsupported on this platform", zap.Int("core", core))
}
