//go:build !windows

package cmd

import (
	"fmt"
	"os"
	"syscall"
)

// verifyFileOwner checks that the file belongs to the current effective user, so the
// agent never trusts a directory an attacker prepared for it.
func verifyFileOwner(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("failed to get system file info")
	}

	uid := uint32(getCurrentUid())
	if stat.Uid != uid {
		return fmt.Errorf("file owner mismatch: expected uid %d, got %d", uid, stat.Uid)
	}
	return nil
}
