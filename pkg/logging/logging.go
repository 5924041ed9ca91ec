// pkg/logging/logging.go - leveled, structured logging for the agent.

package logging

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	mu     sync.RWMutex
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	})
)

// SetVerbosity maps the -v flag count onto log levels.
// 0 => warnings and errors only, 1 => info, 2+ => debug.
// quiet forces error-only output regardless of the count.
func SetVerbosity(count int, quiet bool) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case quiet:
		logger.SetLevel(log.ErrorLevel)
	case count <= 0:
		logger.SetLevel(log.WarnLevel)
	case count == 1:
		logger.SetLevel(log.InfoLevel)
	default:
		logger.SetLevel(log.DebugLevel)
	}
}

// SetRunType tags all subsequent log lines with the session's run type
// (auto, checkonly, installonly).
func SetRunType(runType string) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetPrefix(runType)
}

// SetOutput redirects log output. Used by tests and by the session
// controller when teeing to a log file.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

func Debug(msg string, keyvals ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Debug(msg, keyvals...)
}

func Info(msg string, keyvals ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Info(msg, keyvals...)
}

func Warn(msg string, keyvals ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Warn(msg, keyvals...)
}

func Error(msg string, keyvals ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Error(msg, keyvals...)
}
