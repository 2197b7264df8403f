package buffer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func eventAt(id string, at time.Time) models.ObservationEvent {
	return models.ObservationEvent{ID: id, Kind: models.EventUserMessage, Timestamp: at}
}

func TestBuffer_RecentEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("task", 3, time.Hour, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		b.Append(eventAt(fmt.Sprintf("e%d", i), clock.Now().Add(time.Duration(i)*time.Second)))
	}

	got := b.Recent()
	if len(got) != 3 {
		t.Fatalf("len(Recent()) = %d, want 3", len(got))
	}
	for i, want := range []string{"e2", "e3", "e4"} {
		if got[i].ID != want {
			t.Errorf("Recent()[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestBuffer_RecentAppliesWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("task", 10, time.Minute, WithClock(clock.Now))

	b.Append(eventAt("old", clock.Now()))
	clock.Advance(2 * time.Minute)
	b.Append(eventAt("new", clock.Now()))

	got := b.Recent()
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("Recent() = %+v, want only the new event", got)
	}
}

func TestBuffer_RecentIsTimeOrdered(t *testing.T) {
	base := time.Now()
	b := New("task", 10, 0)

	b.Append(eventAt("late", base.Add(2*time.Second)), eventAt("early", base))

	got := b.Recent()
	if got[0].ID != "early" || got[1].ID != "late" {
		t.Errorf("Recent() order = %s,%s; want early,late", got[0].ID, got[1].ID)
	}
}

func TestBuffer_SetResultIsSingleAssignment(t *testing.T) {
	b := New("task", 4, time.Minute)
	key := Key{DagID: "d1", NodeID: "a"}

	if err := b.SetResult(key, Result{Output: []byte("first")}); err != nil {
		t.Fatalf("SetResult() error = %v", err)
	}
	err := b.SetResult(key, Result{Output: []byte("second")})
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("second SetResult() error = %v, want ErrAlreadyAssigned", err)
	}

	got, ok := b.Result(key)
	if !ok {
		t.Fatal("Result() not found")
	}
	if string(got.Output) != "first" {
		t.Errorf("Result().Output = %q, want %q", got.Output, "first")
	}
	if got.At.IsZero() {
		t.Error("Result().At should be set")
	}
}

func TestBuffer_ResultsAndForget(t *testing.T) {
	b := New("task", 4, time.Minute)
	_ = b.SetResult(Key{"d1", "a"}, Result{Output: []byte("1")})
	_ = b.SetResult(Key{"d1", "b"}, Result{Ref: "sha256:x"})
	_ = b.SetResult(Key{"d2", "a"}, Result{Output: []byte("2")})

	d1 := b.Results("d1")
	if len(d1) != 2 {
		t.Fatalf("len(Results(d1)) = %d, want 2", len(d1))
	}
	if d1["b"].Inline() {
		t.Error("result with Ref should not be inline")
	}

	if n := b.Forget("d1"); n != 2 {
		t.Errorf("Forget(d1) = %d, want 2", n)
	}
	if len(b.Results("d1")) != 0 {
		t.Error("Results(d1) not empty after Forget")
	}
	if _, ok := b.Result(Key{"d2", "a"}); !ok {
		t.Error("Forget(d1) removed a d2 result")
	}
}

func TestBuffer_Snapshot(t *testing.T) {
	b := New("task", 4, time.Minute)
	if _, ok := b.Snapshot(); ok {
		t.Error("Snapshot() ok before any snapshot was set")
	}

	b.SetSnapshot(models.ExecutionSnapshot{DagID: "d1", Version: 3})
	snap, ok := b.Snapshot()
	if !ok || snap.DagID != "d1" || snap.Version != 3 {
		t.Errorf("Snapshot() = %+v, %v", snap, ok)
	}
}

func TestBuffer_ConcurrentResults(t *testing.T) {
	b := New("task", 4, time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := b.SetResult(Key{"d", "n"}, Result{Output: []byte(fmt.Sprint(i))}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful writes = %d, want exactly 1", wins)
	}
}
