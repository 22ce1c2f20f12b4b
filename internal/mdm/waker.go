package mdm

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/mdmrelay/mdm-agent/internal/metrics"
)

const defaultPushCommandTimeout = 15 * time.Second

// Pusher sends a push wake-up through the server.
type Pusher interface {
	Push(ctx context.Context, udid string) error
}

// Waker nudges a device to check in. It pushes through the server first and, when a
// command-line tool is configured, falls back to `<tool> push <udid>`.
type Waker struct {
	pusher  Pusher
	tool    string
	timeout time.Duration
	logger  *log.Logger

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewWaker creates a waker. tool may be empty to disable the fallback.
func NewWaker(pusher Pusher, tool string, logger *log.Logger) *Waker {
	if logger == nil {
		logger = log.Default()
	}
	return &Waker{
		pusher:  pusher,
		tool:    tool,
		timeout: defaultPushCommandTimeout,
		logger:  logger,
		run:     runTool,
	}
}

// Wake sends the wake-up. It only fails when every method failed.
func (w *Waker) Wake(ctx context.Context, udid string) error {
	err := w.pusher.Push(ctx, udid)
	metrics.IncPush("api", err == nil)
	if err == nil {
		return nil
	}
	if w.tool == "" {
		return fmt.Errorf("push to %s failed: %w", udid, err)
	}

	w.logger.Printf("Push to %s failed, trying %s push: %v", udid, w.tool, err)
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	out, terr := w.run(runCtx, w.tool, "push", udid)
	metrics.IncPush("tool", terr == nil)
	if terr != nil {
		return fmt.Errorf("push to %s failed: %w; %s push: %v: %s", udid, err, w.tool, terr, strings.TrimSpace(string(out)))
	}
	return nil
}

func runTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
