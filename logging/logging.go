// Package logging installs the process-wide structured logger used by every
// other package in this module. It follows the "global logger" pattern from
// the design notes: the first call to Init wins, later calls are no-ops, and
// Close flushes and releases the backing file at process exit.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	log  = logrus.New()
	file *os.File
)

func init() {
	// Sensible defaults so packages that log before Init (e.g. configuration
	// validation failures) still produce readable output on stderr.
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	log.SetLevel(logrus.InfoLevel)
}

// Init installs the global logger to write structured JSON lines to path, as
// required by the "single log file receives structured lines with level,
// timestamp, component, and message" contract. Only the first call takes
// effect; subsequent calls are no-ops, matching the teacher's logger-install
// discipline generalized from a raw stdlib logger to a structured one.
func Init(path string) error {
	var initErr error
	once.Do(func() {
		if path == "" {
			return
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			initErr = err
			return
		}
		file = f
		log.SetOutput(f)
	})
	return initErr
}

// Close flushes and closes the log file opened by Init. Safe to call even if
// Init was never called or used no file (e.g. in tests).
func Close() error {
	if file == nil {
		return nil
	}
	return file.Close()
}

// For returns a logger scoped to a single component name, attached as a
// structured field on every line it emits.
func For(component string) *logrus.Entry {
	return log.WithField("component", component)
}

// SetOutput redirects the global logger, primarily for tests that want to
// capture output instead of writing to stderr or a file.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
