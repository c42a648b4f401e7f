//go:build !windows
// +build !windows

package agent

import (
	"os"
	"os/signal"
	"syscall"
)

// watchResize reports terminal size changes until stop is called.
func watchResize() (<-chan os.Signal, func()) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	return winch, func() { signal.Stop(winch) }
}
