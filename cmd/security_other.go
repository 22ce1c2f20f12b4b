//go:build !linux

package cmd

import "log"

// setNoNewPrivs is a no-op outside Linux.
func setNoNewPrivs(logger *log.Logger) {}
