//go:build linux

package cmd

import (
	"log"
	"syscall"
)

// setNoNewPrivs sets PR_SET_NO_NEW_PRIVS so the agent and the push tool it spawns can
// never gain privileges through setuid binaries or file capabilities.
func setNoNewPrivs(logger *log.Logger) {
	// PR_SET_NO_NEW_PRIVS = 38
	_, _, errno := syscall.RawSyscall(syscall.SYS_PRCTL, 38, 1, 0)
	if errno != 0 {
		logger.Printf("Warning: Failed to set PR_SET_NO_NEW_PRIVS: %v", errno)
	}
}
