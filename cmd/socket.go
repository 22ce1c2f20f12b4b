package cmd

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	secureSocketDir = "/var/lib/mdm-agent"
	socketFileName  = "agent.sock"
)

// controlSocketPath returns the agent's control socket path. An explicit path from
// flags or config wins.
func controlSocketPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return socketPathWithBase(secureSocketDir)
}

// socketPathWithBase prefers secureDir when it exists and falls back to a per-user
// directory under the temp dir.
//
// The directory is only checked for existence, not writability: `send` runs as an
// operator who can connect to the socket but may not be allowed to create files there.
func socketPathWithBase(secureDir string) string {
	info, err := os.Stat(secureDir)
	if err != nil || !info.IsDir() {
		return filepath.Join(fallbackSocketDir(), socketFileName)
	}
	return filepath.Join(secureDir, socketFileName)
}

// fallbackSocketDir never returns a shared directory such as /tmp itself, so the
// agent can enforce 0700 and ownership on it.
func fallbackSocketDir() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("mdm-agent-%d", getCurrentUid()))
}
