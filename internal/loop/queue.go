package loop

import (
	"context"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

// eventQueue is the loop's inbox. Pushes never block; the loop drains it
// once per tick.
type eventQueue struct {
	mu     sync.Mutex
	items  []models.ObservationEvent
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev models.ObservationEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) take(max int) []models.ObservationEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]models.ObservationEvent, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain returns up to max queued events. When the queue is empty it waits
// up to wait for the first one; a zero wait never blocks.
func (q *eventQueue) drain(ctx context.Context, max int, wait time.Duration) []models.ObservationEvent {
	if evs := q.take(max); len(evs) > 0 || wait <= 0 {
		return evs
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-q.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
	return q.take(max)
}
