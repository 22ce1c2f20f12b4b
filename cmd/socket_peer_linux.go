//go:build linux

package cmd

import (
	"fmt"
	"net"
	"syscall"
)

// verifySocketPeer checks the uid on the other end of a unix socket. Only the same
// user or root may talk to the agent, and `send` only trusts an agent run by itself
// or root.
func verifySocketPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("security check failed: %w", err)
	}

	var cred *syscall.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	}); err != nil {
		return fmt.Errorf("security check failed: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("security check failed: %w", credErr)
	}

	if int(cred.Uid) != getCurrentUid() && cred.Uid != 0 {
		return fmt.Errorf("security check failed: socket peer uid %d (pid %d) is not allowed", cred.Uid, cred.Pid)
	}
	return nil
}
