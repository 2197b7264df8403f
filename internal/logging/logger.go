// Package logging provides the debug trace shared by the orchestration
// packages.
//
// Components call Debugf for trace output. Nothing is written until a
// logger is installed with SetDefault, so library users and tests get a
// silent core by default. Operator-facing warnings go through the standard
// log package with a "[component] warning:" prefix instead.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[DebugLogger]

// SetDefault installs l as the package-level logger and returns the
// previously installed one. Passing nil silences Debugf.
func SetDefault(l *DebugLogger) *DebugLogger {
	return current.Swap(l)
}

// Enabled reports whether Debugf output goes anywhere. Callers can use it
// to skip building expensive trace arguments.
func Enabled() bool {
	return current.Load().enabled()
}

// Debugf writes a line through the package-level logger.
func Debugf(format string, args ...any) {
	if l := current.Load(); l.enabled() {
		l.Log(format, args...)
	}
}

// DebugLogger writes one timestamped line per call. The zero value and a
// nil *DebugLogger discard everything.
type DebugLogger struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	now    func() time.Time
	closed bool
}

// New returns a logger writing to w. The caller keeps ownership of w.
func New(w io.Writer) *DebugLogger {
	return &DebugLogger{out: w, now: time.Now}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// NewDebugLogger opens path for appending, creating parent directories.
// An empty path yields a no-op logger.
func NewDebugLogger(path string) (*DebugLogger, error) {
	if path == "" {
		return NopLogger(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("debug log %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debug log %s: %w", path, err)
	}

	l := New(f)
	l.closer = f
	l.Log("--- loom debug log opened %s (pid %d) ---", l.now().Format(time.RFC3339), os.Getpid())
	return l, nil
}

// NewDebugLoggerForDir opens <dir>/logs/loom-debug.log. A log that cannot
// be opened is reported once and replaced by a no-op logger.
func NewDebugLoggerForDir(dir string) *DebugLogger {
	l, err := NewDebugLogger(filepath.Join(dir, "logs", "loom-debug.log"))
	if err != nil {
		log.Printf("[logging] warning: debug log disabled: %v", err)
		return NopLogger()
	}
	return l
}

func (l *DebugLogger) enabled() bool {
	return l != nil && l.out != nil
}

// Log formats and writes one line. Files are synced after every line so a
// crash keeps the trace.
func (l *DebugLogger) Log(format string, args ...any) {
	if !l.enabled() {
		return
	}
	line := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	fmt.Fprintf(l.out, "%s %s\n", l.now().Format("15:04:05.000"), line)
	if s, ok := l.out.(interface{ Sync() error }); ok {
		s.Sync()
	}
}

// Close closes a file opened by NewDebugLogger and turns l into a no-op.
func (l *DebugLogger) Close() error {
	if !l.enabled() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
