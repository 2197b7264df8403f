package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/loop"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Update is the message published for every recorded snapshot, outcome
// and event. Exactly one of Snapshot, State or Event is set.
type Update struct {
	RunID    string                    `json:"run_id"`
	Snapshot *models.ExecutionSnapshot `json:"snapshot,omitempty"`
	State    string                    `json:"state,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Event    *models.ObservationEvent  `json:"event,omitempty"`
	At       time.Time                 `json:"at"`
}

// Topics lays out the topic tree under a prefix:
//
//	<prefix>/<run>/snapshot
//	<prefix>/<run>/outcome
//	<prefix>/events
type Topics string

// Snapshot is the topic carrying a run's execution snapshots.
func (t Topics) Snapshot(runID string) string { return string(t) + "/" + runID + "/snapshot" }

// Outcome is the topic carrying a run's final state.
func (t Topics) Outcome(runID string) string { return string(t) + "/" + runID + "/outcome" }

// Events is the topic shared by every observation event.
func (t Topics) Events() string { return string(t) + "/events" }

// All matches every topic under the prefix.
func (t Topics) All() string { return string(t) + "/#" }

// Recorder publishes loop snapshots and outcomes, then forwards them to
// an inner recorder such as the state database. Publish failures are
// logged and never fail the run.
type Recorder struct {
	pub    Publisher
	topics Topics
	inner  loop.Recorder
	now    func() time.Time
}

var _ loop.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder publishing under prefix. A nil publisher
// makes it a pass-through to inner.
func NewRecorder(pub Publisher, prefix string, inner loop.Recorder) *Recorder {
	return &Recorder{
		pub:    pub,
		topics: Topics(strings.TrimSuffix(prefix, "/")),
		inner:  inner,
		now:    time.Now,
	}
}

// RecordSnapshot implements loop.Recorder.
func (r *Recorder) RecordSnapshot(ctx context.Context, runID string, snap models.ExecutionSnapshot) error {
	r.publish(r.topics.Snapshot(runID), Update{RunID: runID, Snapshot: &snap})
	if r.inner == nil {
		return nil
	}
	return r.inner.RecordSnapshot(ctx, runID, snap)
}

// FinishRun implements loop.Recorder.
func (r *Recorder) FinishRun(ctx context.Context, runID, state, errMsg string) error {
	r.publish(r.topics.Outcome(runID), Update{RunID: runID, State: state, Error: errMsg})
	if r.inner == nil {
		return nil
	}
	return r.inner.FinishRun(ctx, runID, state, errMsg)
}

// Post publishes an observation event. It satisfies the delegation
// coordinator's event sink.
func (r *Recorder) Post(ev models.ObservationEvent) {
	r.publish(r.topics.Events(), Update{RunID: ev.DagID, Event: &ev})
}

func (r *Recorder) publish(topic string, u Update) {
	if r.pub == nil {
		return
	}
	u.At = r.now()
	payload, err := json.Marshal(u)
	if err != nil {
		log.Printf("[monitor] warning: marshal %s: %v", topic, err)
		return
	}
	if err := r.pub.Publish(topic, payload); err != nil {
		log.Printf("[monitor] warning: publish %s: %v", topic, err)
	}
}

// Subscribe delivers every update published under prefix to fn until ctx
// ends. Malformed messages are skipped.
func Subscribe(ctx context.Context, c *Client, prefix string, fn func(Update)) error {
	topics := Topics(strings.TrimSuffix(prefix, "/"))
	err := c.Subscribe(topics.All(), func(_ paho.Client, msg paho.Message) {
		u, err := DecodeUpdate(msg.Payload())
		if err != nil {
			logging.Debugf("[monitor] skip %s: %v", msg.Topic(), err)
			return
		}
		fn(u)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// DecodeUpdate parses a published update.
func DecodeUpdate(payload []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	if u.RunID == "" && u.Event == nil {
		return Update{}, fmt.Errorf("decode update: missing run id")
	}
	return u, nil
}
