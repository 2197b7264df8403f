package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDebugLogger_EmptyPathIsNop(t *testing.T) {
	l, err := NewDebugLogger("")
	if err != nil {
		t.Fatalf("NewDebugLogger(\"\") error = %v", err)
	}
	l.Log("ignored %d", 1)
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nop logger = %v, want nil", err)
	}
}

func TestDebugLogger_WritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "debug.log")

	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger() error = %v", err)
	}
	l.Log("node %s dispatched", "fetch")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "debug log opened") {
		t.Errorf("log missing header: %q", content)
	}
	if !strings.Contains(content, "node fetch dispatched") {
		t.Errorf("log missing message: %q", content)
	}
}

func TestDebugf_UsesDefaultLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger() error = %v", err)
	}
	prev := SetDefault(l)
	t.Cleanup(func() {
		SetDefault(prev)
		l.Close()
	})

	Debugf("[executor] admitted %d nodes", 3)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "[executor] admitted 3 nodes") {
		t.Errorf("Debugf output missing: %q", string(data))
	}
}

func TestNilLogger_IsSafe(t *testing.T) {
	var l *DebugLogger
	l.Log("nothing")
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nil logger = %v, want nil", err)
	}
}

func TestNew_WritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.UTC) }

	prev := SetDefault(l)
	t.Cleanup(func() { SetDefault(prev) })
	if !Enabled() {
		t.Fatal("Enabled() = false with a writer installed")
	}

	Debugf("[loop] tick %d", 7)
	if got, want := buf.String(), "03:04:05.006 [loop] tick 7\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	Debugf("after close")
	if strings.Contains(buf.String(), "after close") {
		t.Errorf("closed logger still writes: %q", buf.String())
	}

	SetDefault(nil)
	if Enabled() {
		t.Error("Enabled() = true with no logger installed")
	}
}
