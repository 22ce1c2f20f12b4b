package cmd

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mdmrelay/mdm-agent/internal/config"
)

// newLogger writes to stderr and, when a log file is configured, to a rotating file as
// well. The standard logger is redirected too. The returned closer releases the file.
func newLogger(cfg config.LogConfig) (*log.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
		closer = rotator
	}

	log.SetOutput(out)
	return log.New(out, "", log.LstdFlags), closer
}
