// Package build wires up the process-wide logging backend. It follows the
// same per-subsystem logger convention lnd.go uses for ltndLog/srvrLog: one
// named btclog.Logger per package, all funneled through a single backend so
// the log level and output sink can be changed in one place.
package build

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// sink is an io.Writer whose destination can be swapped after loggers have
// already been created from it. Subsystem loggers are created once, at
// package-var-init time in each command's main.go, before UseRotatingLogFile
// runs — so the backend itself must stay fixed and only its sink changes.
type sink struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	return w.Write(p)
}

func (s *sink) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var (
	logSink = &sink{w: os.Stdout}
	backend = btclog.NewBackend(logSink)

	logRotator *rotator.Rotator
)

// NewSubLogger creates a subsystem logger, mirroring lnd.go's one-logger-
// per-package setup.
func NewSubLogger(subsystem string) btclog.Logger {
	logger := backend.Logger(subsystem)
	logger.SetLevel(btclog.LevelInfo)
	return logger
}

// UseRotatingLogFile additionally tees log output to a size-rotated file in
// logDir, the same rotation lnd.go configures at startup via jrick/logrotate.
// Because every subsystem logger writes through the shared sink rather than
// a snapshot of it, this takes effect immediately for loggers created
// earlier too.
func UseRotatingLogFile(logDir, filename string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	r, err := rotator.New(logDir+string(os.PathSeparator)+filename, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("unable to create log rotator: %w", err)
	}

	logRotator = r
	logSink.set(io.MultiWriter(os.Stdout, r))

	return nil
}

// Flush flushes the rotating log file, if one is configured. Call this from
// a deferred statement in main, mirroring lnd.go's `defer backendLog.Flush()`.
func Flush() {
	if logRotator != nil {
		logRotator.Close()
	}
}
