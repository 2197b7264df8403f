package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/artifact"
	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/channel"
	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/delegation"
	"github.com/ShayCichocki/loom/internal/exec"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/llm"
	"github.com/ShayCichocki/loom/internal/loop"
	"github.com/ShayCichocki/loom/internal/monitor"
	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/internal/tui"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	runGoal     string
	runGate     string
	runTUI      bool
	runNoShell  bool
	runWatchCfg bool
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Run a plan under the control loop",
	Long: `Run a plan under the control loop until its goal is met or the loop
gives up.

With a plan file the plan is used as given and any failure that needs a
replan ends the run. Without one, --goal is required and a language model
plans and replans.

Delegate nodes hand their objective to a child loop. The child's output is
scored by the quality gate (--gate criteria|llm) and sent back for revision
until it passes or the round limit is reached.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().StringVar(&runGoal, "goal", "", "Goal for the run (overrides the plan's goal)")
	runCmd.Flags().StringVar(&runGate, "gate", "criteria", "Quality gate for delegations: criteria or llm")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Follow the run in the terminal UI")
	runCmd.Flags().BoolVar(&runNoShell, "no-shell", false, "Disable the shell capability")
	runCmd.Flags().BoolVar(&runWatchCfg, "watch-config", false, "Apply throttle and message budget changes from the config file while running")
}

// runtime is everything a run owns.
type runtime struct {
	id        string
	db        *state.DB
	artifacts *artifact.SQLStore
	mqtt      *monitor.Client
	client    *llm.Client
	coord     *delegation.Coordinator
	channel   *channel.Channel
	exec      *executor.Executor
	loop      *loop.Loop
	emitter   *loop.EventEmitter
	operator  *operatorFeed
}

func (rt *runtime) Close() {
	if rt.coord != nil {
		rt.coord.Wait()
	}
	if rt.mqtt != nil {
		rt.mqtt.Disconnect()
	}
	if rt.artifacts != nil {
		rt.artifacts.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	var desc *models.DagDescription
	if len(args) == 1 {
		d, err := models.LoadDagDescription(args[0])
		if err != nil {
			return err
		}
		desc = d
	}
	goal := runGoal
	if goal == "" && desc != nil {
		goal = desc.Goal
	}
	if goal == "" {
		return errors.New("a plan file or --goal is required")
	}
	if runGate != "criteria" && runGate != "llm" {
		return fmt.Errorf("invalid --gate %q: must be criteria or llm", runGate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	rt, err := buildRuntime(ctx, goal, desc)
	if err != nil {
		return err
	}
	defer rt.Close()

	if runWatchCfg {
		if err := watchPolicy(rt); err != nil {
			printStatus("!", fmt.Sprintf("config watch disabled: %v", err), color.FgYellow)
		}
	}

	printStatus("▶", fmt.Sprintf("run %s: %s", color.CyanString(rt.id), goal), color.FgCyan)

	var outcome loop.Outcome
	if runTUI {
		outcome, err = runWithTUI(ctx, rt)
	} else {
		outcome, err = runHeadless(ctx, rt)
	}
	if err != nil && !errors.Is(err, loop.ErrStopped) {
		printOutcome(outcome)
		return err
	}
	printOutcome(outcome)
	return printOutputs(ctx, rt)
}

func buildRuntime(ctx context.Context, goal string, desc *models.DagDescription) (*runtime, error) {
	rt := &runtime{id: "run-" + uuid.New().String()[:8]}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	p := cfg.Policy()

	db, err := openState()
	if err != nil {
		return nil, err
	}
	rt.db = db
	reportInterrupted(ctx, db)

	rt.artifacts, err = artifact.OpenSQLStore(filepath.Join(dataDir(), "artifacts.db"))
	if err != nil {
		return nil, err
	}

	needLLM := desc == nil || runGate == "llm"
	if needLLM {
		rt.client, err = llm.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("language model: %w", err)
		}
	}

	var pub monitor.Publisher
	if rt.mqtt = monitor.Dial(cfg.MQTT); rt.mqtt != nil {
		pub = rt.mqtt
	}
	recorder := monitor.NewRecorder(pub, cfg.MQTT.Topic, db)

	registry := capability.NewLocalRegistry()
	if runNoShell {
		registry.Disable(models.CapabilityShell, "disabled by --no-shell")
	} else {
		registry.Register(models.CapabilityShell, capability.NewShellHandler(exec.NewRunner(), cfg.Executor.WorkDir))
	}

	var gate delegation.QualityGate = delegation.CriteriaGate{Threshold: p.Delegation.PassThreshold}
	if runGate == "llm" {
		gate = llm.NewScorer(rt.client, p.Delegation.PassThreshold)
	}

	rt.channel = channel.New(p.Channel)
	rt.operator = subscribeOperator(rt.channel, rt.id)

	runner := &delegation.LoopRunner{
		Caps:        registry,
		Policy:      p,
		Store:       rt.artifacts,
		Recorder:    recorder,
		PlanFor:     childPlanner(rt.client),
		Gate:        gate,
		Channel:     rt.channel,
		Delegations: db,
		Sink:        recorder,
	}
	// rt.loop is set below, before anything can delegate.
	toLoop := delegation.SinkFunc(func(ev models.ObservationEvent) { rt.loop.Post(ev) })
	rt.coord = delegation.NewCoordinator(rt.id, runner, gate, rt.channel, p.Delegation,
		delegation.WithSink(delegation.Sinks{recorder, toLoop}),
		delegation.WithStore(db),
	)
	handler := delegation.NewNodeHandler(rt.coord)
	registry.Register(models.CapabilityDelegate, handler)
	registry.Register(models.CapabilityReconcile, handler)

	rt.exec = executor.New(registry, p.Executor,
		executor.WithName(rt.id),
		executor.WithArtifactStore(rt.artifacts),
		executor.WithThrottle(executor.NewThrottle(p.Throttle)),
	)

	var planner loop.PlanSynthesizer
	if desc != nil {
		planner = loop.NewStaticPlanner(desc)
	} else {
		planner = llm.NewPlanner(rt.client)
	}

	rt.emitter = loop.NewEventEmitter(128)
	rt.loop = loop.New(goal, rt.exec, planner, p.Loop,
		loop.WithID(rt.id),
		loop.WithRecorder(recorder),
		loop.WithEmitter(rt.emitter),
	)

	ok = true
	return rt, nil
}

// childPlanner gives children without a plan file the language model
// planner when one is configured.
func childPlanner(client *llm.Client) delegation.PlannerFactory {
	if client == nil {
		return nil
	}
	return func(delegation.Assignment) (loop.PlanSynthesizer, error) {
		return llm.NewPlanner(client), nil
	}
}

func reportInterrupted(ctx context.Context, db *state.DB) {
	runs, err := state.NewRecoveryManager(db).MarkInterrupted(ctx)
	if err != nil {
		log.Printf("[run] warning: recover interrupted runs: %v", err)
		return
	}
	for _, r := range runs {
		printStatus("!", fmt.Sprintf("run %s (pid %d) was interrupted: %s", r.RunID, r.PID, r.Goal), color.FgYellow)
	}
}

// watchPolicy applies throttle and message budget settings from the config
// file to the running executor and channel whenever the file changes.
func watchPolicy(rt *runtime) error {
	path := configPath
	if path == "" {
		path = config.ProjectConfigPath()
	}
	if path == "" {
		return errors.New("no config file to watch")
	}
	w, err := config.Watch(path)
	if err != nil {
		return err
	}
	w.OnChange(func(c *config.Config) {
		p := c.Policy()
		rt.exec.SetThrottle(executor.NewThrottle(p.Throttle))
		rt.channel.SetPolicy(p.Channel)
		log.Printf("[run] policy reloaded: throttle %s (floor %d), message budget %d",
			p.Throttle.Mode, p.Throttle.Floor, p.Channel.Budget)
	})
	return nil
}

func runHeadless(ctx context.Context, rt *runtime) (loop.Outcome, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range rt.emitter.Events() {
			printLoopEvent(ev)
		}
	}()

	feedCtx, stopFeed := context.WithCancel(ctx)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		rt.operator.run(feedCtx, printMessage)
	}()

	outcome, err := rt.loop.Run(ctx)
	rt.emitter.Close()
	<-done
	stopFeed()
	<-feedDone
	return outcome, err
}

func runWithTUI(ctx context.Context, rt *runtime) (loop.Outcome, error) {
	// Log output corrupts the alt screen.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	app := tui.NewApp(
		tui.WithController(rt.loop),
		tui.WithSource(&tui.DBSource{DB: rt.db, RunID: rt.id}, cfg.TUI.RefreshRate),
	)
	program := tui.NewProgram(app)

	// The emitter stays open: Stop from the UI may still be emitting when
	// Run returns.
	fwdDone := make(chan struct{})
	defer close(fwdDone)
	go func() {
		for {
			select {
			case ev := <-rt.emitter.Events():
				program.Send(tui.LogMsg{Timestamp: ev.Timestamp, Source: "loop", Message: describeLoopEvent(ev)})
			case <-fwdDone:
				return
			}
		}
	}()

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	go rt.operator.run(feedCtx, func(m models.Message) {
		program.Send(tui.LogMsg{Timestamp: m.SentAt, Source: m.From, Message: describeMessage(m)})
	})

	type result struct {
		outcome loop.Outcome
		err     error
	}
	loopDone := make(chan result, 1)
	go func() {
		outcome, err := rt.loop.Run(ctx)
		program.Send(tui.DoneMsg{State: string(outcome.State), Err: outcome.Err})
		loopDone <- result{outcome, err}
	}()

	if _, err := program.Run(); err != nil {
		rt.loop.Stop()
		r := <-loopDone
		return r.outcome, fmt.Errorf("terminal UI: %w", err)
	}
	// Quitting the UI stops the loop.
	rt.loop.Stop()
	r := <-loopDone
	return r.outcome, r.err
}

func describeLoopEvent(ev loop.LoopEvent) string {
	var b strings.Builder
	b.WriteString(string(ev.Type))
	if ev.Decision != loop.DecisionNone {
		b.WriteString(" " + string(ev.Decision))
	}
	if ev.DagID != "" {
		b.WriteString(" " + ev.DagID)
	}
	if ev.Message != "" {
		b.WriteString(": " + ev.Message)
	}
	if ev.Error != nil {
		b.WriteString(" (" + ev.Error.Error() + ")")
	}
	return b.String()
}

func printLoopEvent(ev loop.LoopEvent) {
	ts := color.HiBlackString(ev.Timestamp.Format("15:04:05"))
	msg := describeLoopEvent(ev)
	switch ev.Type {
	case loop.EventCompleted:
		msg = color.GreenString(msg)
	case loop.EventTerminated, loop.EventBlocked:
		msg = color.RedString(msg)
	case loop.EventPlanRetry:
		msg = color.YellowString(msg)
	}
	fmt.Printf("  %s %s\n", ts, msg)
}

func printOutcome(o loop.Outcome) {
	summary := fmt.Sprintf("%s after %d ticks, %d replans", o.State, o.Ticks, o.Replans)
	if o.Err != nil {
		summary += ": " + o.Err.Error()
	}
	switch o.State {
	case loop.StateCompleted:
		printStatus("✓", summary, color.FgGreen)
	default:
		printStatus("✗", summary, color.FgRed)
	}
}

func printOutputs(ctx context.Context, rt *runtime) error {
	h := rt.loop.Handle()
	if h == nil {
		return nil
	}
	defer rt.exec.Release(h)

	outs, err := h.Outputs(ctx)
	if err != nil {
		return err
	}
	for _, o := range outs {
		fmt.Printf("\n%s\n", color.New(color.Bold).Sprintf("[%s]", o.NodeID))
		fmt.Println(strings.TrimRight(string(o.Data), "\n"))
	}
	return nil
}
