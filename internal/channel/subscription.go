package channel

import (
	"sync"

	"github.com/ShayCichocki/loom/pkg/models"
)

// Predicate filters messages for a subscription.
type Predicate func(msg models.Message) bool

// All accepts a message when every predicate does.
func All(preds ...Predicate) Predicate {
	return func(msg models.Message) bool {
		for _, p := range preds {
			if p != nil && !p(msg) {
				return false
			}
		}
		return true
	}
}

// InDirection accepts messages travelling in d.
func InDirection(d models.Direction) Predicate {
	return func(msg models.Message) bool { return msg.Direction == d }
}

// OfType accepts messages of any of the given types.
func OfType(types ...models.MessageType) Predicate {
	return func(msg models.Message) bool {
		for _, t := range types {
			if msg.Type == t {
				return true
			}
		}
		return false
	}
}

// About accepts messages whose subject is subject.
func About(subject string) Predicate {
	return func(msg models.Message) bool { return msg.Subject == subject }
}

// Subscription is a participant's queue of matching messages.
type Subscription struct {
	// ID identifies the subscription.
	ID string
	// Participant is the addressee the subscription listens for.
	Participant string

	pred   Predicate
	mu     sync.Mutex
	queue  []models.Message
	notify chan struct{}
}

func (s *Subscription) accepts(msg models.Message) bool {
	switch msg.To {
	case s.Participant:
	case Broadcast, "":
		if msg.From == s.Participant {
			return false
		}
	default:
		return false
	}
	return s.pred == nil || s.pred(msg)
}

func (s *Subscription) push(msg models.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Drain returns and clears the queued messages, oldest first.
func (s *Subscription) Drain() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Pending returns the number of queued messages.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Ready signals after a message is queued. It may fire spuriously and
// coalesces bursts, so receivers should Drain until empty.
func (s *Subscription) Ready() <-chan struct{} {
	return s.notify
}
