// Package buffer implements the short-term, task-scoped context store.
//
// A Buffer holds three things for one task: a bounded, time-windowed history
// of observations, the results of executed nodes, and the most recent
// execution snapshot. Node results are single-assignment. The owning
// control loop and executor pair is the only writer; anything shared with
// other tasks goes through the artifact store or the message channel.
package buffer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/artifact"
	"github.com/ShayCichocki/loom/pkg/models"
)

// ErrAlreadyAssigned is returned when a node result is written twice.
var ErrAlreadyAssigned = errors.New("result already assigned")

// Key identifies a node result within a task.
type Key struct {
	DagID  string
	NodeID string
}

func (k Key) String() string { return k.DagID + "/" + k.NodeID }

// Result is the output of one node.
type Result struct {
	// Output holds the bytes when they were small enough to keep inline.
	Output []byte
	// Ref is set instead of Output when the result lives in the artifact store.
	Ref artifact.Ref
	// At is when the result was written.
	At time.Time
}

// Inline reports whether the result bytes are held in the buffer.
func (r Result) Inline() bool { return r.Ref == "" }

// Buffer is the context store for one task.
type Buffer struct {
	mu     sync.RWMutex
	taskID string

	// Ring of observations.
	size   int
	window time.Duration
	events []models.ObservationEvent
	index  int
	full   bool

	results  map[Key]Result
	snapshot *models.ExecutionSnapshot

	now func() time.Time
}

// Option customizes a Buffer during construction.
type Option func(*Buffer)

// WithClock overrides the clock used for windowing and result timestamps.
func WithClock(clock func() time.Time) Option {
	return func(b *Buffer) {
		b.now = clock
	}
}

// New creates a buffer that keeps at most size observations no older than window.
func New(taskID string, size int, window time.Duration, opts ...Option) *Buffer {
	if size < 1 {
		size = 1
	}
	b := &Buffer{
		taskID:  taskID,
		size:    size,
		window:  window,
		events:  make([]models.ObservationEvent, size),
		results: make(map[Key]Result),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TaskID returns the task the buffer belongs to.
func (b *Buffer) TaskID() string {
	return b.taskID
}

// Append records observations, evicting the oldest when full.
func (b *Buffer) Append(events ...models.ObservationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range events {
		b.events[b.index] = e
		b.index = (b.index + 1) % b.size
		if b.index == 0 {
			b.full = true
		}
	}
}

// Recent returns retained observations inside the window, oldest first.
func (b *Buffer) Recent() []models.ObservationEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var all []models.ObservationEvent
	if !b.full {
		all = append(all, b.events[:b.index]...)
	} else {
		all = make([]models.ObservationEvent, 0, b.size)
		all = append(all, b.events[b.index:]...)
		all = append(all, b.events[:b.index]...)
	}

	out := all[:0]
	if b.window > 0 {
		cutoff := b.now().Add(-b.window)
		for _, e := range all {
			if !e.Timestamp.Before(cutoff) {
				out = append(out, e)
			}
		}
	} else {
		out = all
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// SetResult writes a node result. A second write for the same key fails
// with ErrAlreadyAssigned and leaves the first result in place.
func (b *Buffer) SetResult(key Key, r Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.results[key]; exists {
		return fmt.Errorf("%s: %w", key, ErrAlreadyAssigned)
	}
	if r.At.IsZero() {
		r.At = b.now()
	}
	r.Output = append([]byte(nil), r.Output...)
	b.results[key] = r
	return nil
}

// Result returns the result for key.
func (b *Buffer) Result(key Key) (Result, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.results[key]
	return r, ok
}

// Results returns all results of one DAG keyed by node ID.
func (b *Buffer) Results(dagID string) map[string]Result {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Result)
	for k, r := range b.results {
		if k.DagID == dagID {
			out[k.NodeID] = r
		}
	}
	return out
}

// Forget drops the results of a DAG that has been superseded.
func (b *Buffer) Forget(dagID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for k := range b.results {
		if k.DagID == dagID {
			delete(b.results, k)
			n++
		}
	}
	return n
}

// SetSnapshot records the latest execution snapshot.
func (b *Buffer) SetSnapshot(s models.ExecutionSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = &s
}

// Snapshot returns the latest execution snapshot.
func (b *Buffer) Snapshot() (models.ExecutionSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.snapshot == nil {
		return models.ExecutionSnapshot{}, false
	}
	return *b.snapshot, true
}
