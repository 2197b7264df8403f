package loop

import (
	"log"
	"sync/atomic"
	"time"
)

// LoopEventType identifies a loop lifecycle event.
type LoopEventType string

const (
	// EventPlanAdmitted is emitted when a new DAG takes over.
	EventPlanAdmitted LoopEventType = "plan_admitted"
	// EventPlanRetry is emitted when the planner failed once and will be retried.
	EventPlanRetry LoopEventType = "plan_retry"
	// EventDecision is emitted for every decision other than PARK.
	EventDecision LoopEventType = "decision"
	// EventBlocked is emitted when Orient marks the plan unusable.
	EventBlocked LoopEventType = "blocked"
	// EventCompleted is emitted when the loop reaches COMPLETED.
	EventCompleted LoopEventType = "completed"
	// EventTerminated is emitted when the loop reaches TERMINATED.
	EventTerminated LoopEventType = "terminated"
)

// LoopEvent is a lifecycle notification for supervisors and UIs.
type LoopEvent struct {
	Type      LoopEventType
	LoopID    string
	DagID     string
	Decision  Decision
	Message   string
	Error     error
	Timestamp time.Time
}

// EventEmitter fans loop events out to one reader.
type EventEmitter struct {
	events       chan LoopEvent
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan LoopEvent, bufferSize),
	}
}

// Emit sends an event, waiting briefly for a full buffer to drain before
// dropping the event.
func (e *EventEmitter) Emit(event LoopEvent) {
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[loop] warning: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan LoopEvent {
	return e.events
}

// Close closes the events channel. No Emit may follow.
func (e *EventEmitter) Close() {
	close(e.events)
}
