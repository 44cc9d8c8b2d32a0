package ttsparent

import (
	"os"
	"syscall"
)

// interruptSignal returns the signal used for graceful child shutdown.
func interruptSignal() os.Signal {
	return syscall.SIGTERM
}
