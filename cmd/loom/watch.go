package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/monitor"
	"github.com/ShayCichocki/loom/internal/tui"
)

var watchMQTT bool

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow a run in a read-only dashboard",
	Long: `Watch opens the dashboard for a run started elsewhere. Without a run
ID it follows the most recent run.

By default the state database is polled. With --mqtt the dashboard is fed
from the configured broker instead, which works from another machine.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchMQTT, "mqtt", false, "Follow the run through the MQTT broker")
}

func runWatch(cmd *cobra.Command, args []string) error {
	runID := ""
	if len(args) == 1 {
		runID = args[0]
	}

	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	if watchMQTT {
		return watchBroker(cmd.Context(), runID)
	}

	db, err := openState()
	if err != nil {
		return err
	}
	defer db.Close()

	app := tui.NewApp(tui.WithSource(&tui.DBSource{DB: db, RunID: runID}, cfg.TUI.RefreshRate))
	_, err = tui.NewProgram(app).Run()
	return err
}

func watchBroker(ctx context.Context, runID string) error {
	if cfg.MQTT.Broker == "" {
		return errors.New("no MQTT broker configured (set mqtt.broker)")
	}
	mc := cfg.MQTT
	mc.ClientID = fmt.Sprintf("%s-watch-%s", mc.ClientID, uuid.New().String()[:8])
	client := monitor.Dial(mc)
	if client == nil {
		return fmt.Errorf("could not connect to %s", mc.Broker)
	}
	defer client.Disconnect()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tui.NewProgram(tui.NewApp())
	feed := &brokerFeed{follow: runID}
	subErr := make(chan error, 1)
	go func() {
		subErr <- monitor.Subscribe(ctx, client, mc.Topic, func(u monitor.Update) {
			for _, msg := range feed.messages(u) {
				program.Send(msg)
			}
		})
	}()

	_, err := program.Run()
	cancel()
	if serr := <-subErr; serr != nil && err == nil {
		err = serr
	}
	return err
}

// brokerFeed turns published updates into dashboard messages for one run.
// Updates arrive on the MQTT client's goroutine, one at a time.
type brokerFeed struct {
	follow string
	state  tui.RunState
}

func (f *brokerFeed) messages(u monitor.Update) []tea.Msg {
	if u.Event != nil {
		if f.follow != "" && u.RunID != "" && u.RunID != f.follow {
			return nil
		}
		ev := u.Event
		return []tea.Msg{tui.LogMsg{Timestamp: ev.Timestamp, Source: ev.Source, Message: fmt.Sprintf("%s: %s", ev.Kind, ev.Message)}}
	}

	if f.follow == "" {
		f.follow = u.RunID
	}
	if u.RunID != f.follow {
		return nil
	}
	f.state.RunID = u.RunID
	f.state.UpdatedAt = u.At

	switch {
	case u.Snapshot != nil:
		f.state.Snapshot = *u.Snapshot
		if f.state.Goal == "" {
			f.state.Goal = u.Snapshot.Goal
		}
		if f.state.State == "" {
			f.state.State = "running"
		}
		return []tea.Msg{tui.SnapshotMsg{State: f.state}}
	case u.State != "":
		f.state.State = u.State
		f.state.Error = u.Error
		var err error
		if u.Error != "" {
			err = errors.New(u.Error)
		}
		return []tea.Msg{tui.SnapshotMsg{State: f.state}, tui.DoneMsg{State: u.State, Err: err}}
	}
	return nil
}
