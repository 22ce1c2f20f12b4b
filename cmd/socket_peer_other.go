//go:build !linux

package cmd

import "net"

// verifySocketPeer relies on the 0700 socket directory where SO_PEERCRED is missing.
func verifySocketPeer(conn net.Conn) error {
	return nil
}
