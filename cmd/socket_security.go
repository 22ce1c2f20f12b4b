package cmd

import (
	"fmt"
	"os"
	"runtime"
)

// ensureSocketDir makes sure dir exists, has 0700 permissions and belongs to the
// current user before the agent puts its control socket there.
// SECURITY: this prevents pre-creation attacks in shared directories like /tmp.
func ensureSocketDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
		// Re-stat in case someone else created it in between.
		info, err = os.Stat(dir)
		if err != nil {
			return fmt.Errorf("failed to stat created socket directory: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to stat socket directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory: %s", dir)
	}

	// Windows permissions do not map onto mode bits.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0700 {
			return fmt.Errorf("insecure socket directory permissions: %o (expected 0700)", perm)
		}
	}

	if err := verifyFileOwner(info); err != nil {
		return fmt.Errorf("insecure socket directory ownership: %w", err)
	}
	return nil
}
