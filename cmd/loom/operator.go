package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"

	"github.com/ShayCichocki/loom/internal/channel"
	"github.com/ShayCichocki/loom/pkg/models"
)

// operatorFeed is the operator's seat on the message channel. It hears
// what reaches the top of the delegation tree: everything sent to the
// supervisor, and upward traffic addressed to the run itself.
type operatorFeed struct {
	supervisor *channel.Subscription
	up         *channel.Subscription
}

func subscribeOperator(ch *channel.Channel, runID string) *operatorFeed {
	return &operatorFeed{
		supervisor: ch.Subscribe("supervisor", nil),
		up:         ch.Subscribe(runID, channel.InDirection(models.DirectionUp)),
	}
}

// drain returns the queued messages of both subscriptions, oldest first.
func (f *operatorFeed) drain() []models.Message {
	msgs := append(f.supervisor.Drain(), f.up.Drain()...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	return msgs
}

// run hands every message to fn until ctx ends, then flushes what is left.
func (f *operatorFeed) run(ctx context.Context, fn func(models.Message)) {
	for {
		select {
		case <-f.supervisor.Ready():
		case <-f.up.Ready():
		case <-ctx.Done():
			for _, m := range f.drain() {
				fn(m)
			}
			return
		}
		for _, m := range f.drain() {
			fn(m)
		}
	}
}

func describeMessage(m models.Message) string {
	s := fmt.Sprintf("%s %s -> %s", m.Type, m.From, m.To)
	if m.Subject != "" {
		s += " [" + m.Subject + "]"
	}
	return s + ": " + truncateLine(m.Payload, 120)
}

func printMessage(m models.Message) {
	ts := color.HiBlackString(m.SentAt.Format("15:04:05"))
	msg := describeMessage(m)
	if m.Type == models.MessageEscalation {
		msg = color.RedString(msg)
	}
	fmt.Printf("  %s %s\n", ts, msg)
}
