//go:build integration

package integration

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/internal/artifact"
	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/channel"
	"github.com/ShayCichocki/loom/internal/delegation"
	"github.com/ShayCichocki/loom/internal/exec"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/llm"
	"github.com/ShayCichocki/loom/internal/loop"
	"github.com/ShayCichocki/loom/internal/monitor"
	"github.com/ShayCichocki/loom/internal/policy"
	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

// publisher records every topic it is asked to publish to.
type publisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *publisher) Publish(topic string, payload []byte) error {
	if _, err := monitor.DecodeUpdate(payload); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *publisher) saw(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// completer replays canned model replies and keeps the prompts.
type completer struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (c *completer) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req.Prompt)
	i := len(c.prompts) - 1
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return c.replies[i], nil
}

type env struct {
	dir   string
	db    *state.DB
	store *artifact.SQLStore
	pol   *policy.Config
}

func setup(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	db, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	store, err := artifact.OpenSQLStore(filepath.Join(dir, "artifacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pol := policy.Default()
	pol.Loop.PollTimeout = 10 * time.Millisecond
	pol.Loop.PlanRetryBackoff = time.Millisecond
	// Small enough that every real output goes through the artifact store.
	pol.Executor.InlineResultLimit = 8

	return &env{dir: dir, db: db, store: store, pol: pol}
}

func (e *env) writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runLoop(t *testing.T, l *loop.Loop) loop.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := l.Run(ctx)
	require.NoError(t, err)
	return out
}

// TestDelegatedRunWithRevision runs a plan whose middle node is delegated
// to a child loop. The child's first draft misses the criteria, so the
// coordinator asks for a revision before the parent can merge the result.
func TestDelegatedRunWithRevision(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	child := e.writePlan(t, "child.yaml", `
nodes:
  - id: draft
    capability:
      kind: echo
      args:
        text: "draft {{round}} {{feedback}}"
`)
	root := e.writePlan(t, "root.yaml", `
goal: quarterly report
nodes:
  - id: facts
    capability:
      kind: echo
      args:
        text: revenue 10
  - id: summary
    depends_on: [facts]
    capability:
      kind: delegate
      args:
        objective: "summarize {{facts}}"
        criteria: totals
        plan: `+child+`
  - id: report
    depends_on: [facts, summary]
    capability:
      kind: merge
      args:
        separator: " | "
`)
	desc, err := models.LoadDagDescription(root)
	require.NoError(t, err)

	pub := &publisher{}
	recorder := monitor.NewRecorder(pub, "loom", e.db)

	registry := capability.NewLocalRegistry()
	gate := delegation.CriteriaGate{Threshold: e.pol.Delegation.PassThreshold}
	ch := channel.New(e.pol.Channel)
	runner := &delegation.LoopRunner{
		Caps:        registry,
		Policy:      e.pol,
		Store:       e.store,
		Recorder:    recorder,
		Gate:        gate,
		Channel:     ch,
		Delegations: e.db,
		Sink:        recorder,
	}
	coord := delegation.NewCoordinator("run-1", runner, gate, ch, e.pol.Delegation,
		delegation.WithSink(recorder),
		delegation.WithStore(e.db),
	)
	handler := delegation.NewNodeHandler(coord)
	registry.Register(models.CapabilityDelegate, handler)
	registry.Register(models.CapabilityReconcile, handler)

	ex := executor.New(registry, e.pol.Executor,
		executor.WithName("run-1"),
		executor.WithArtifactStore(e.store),
	)
	defer ex.Wait()

	l := loop.New(desc.Goal, ex, loop.NewStaticPlanner(desc), e.pol.Loop,
		loop.WithID("run-1"),
		loop.WithRecorder(recorder),
	)
	out := runLoop(t, l)
	coord.Wait()
	assert.Equal(t, loop.StateCompleted, out.State)

	outputs, err := l.Handle().Outputs(ctx)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "report", outputs[0].NodeID)
	assert.Contains(t, string(outputs[0].Data), "revenue 10")
	assert.Contains(t, string(outputs[0].Data), "draft 2 address: totals")

	run, err := e.db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.RunCompleted, run.State)

	dels, err := e.db.ListDelegations(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, dels, 1)
	assert.Equal(t, models.PhaseAccepted, dels[0].Phase)
	assert.Equal(t, 2, dels[0].Round)
	assert.Equal(t, "summarize revenue 10", dels[0].Objective)

	for _, round := range []string{"-r1", "-r2"} {
		childRun, err := e.db.GetRun(ctx, dels[0].ChildID+round)
		require.NoError(t, err, "child loop %s should be recorded", round)
		assert.Equal(t, state.RunCompleted, childRun.State)
		assert.True(t, state.IsChildRun(childRun.ID))
	}

	assert.True(t, pub.saw("loom/run-1/snapshot"))
	assert.True(t, pub.saw("loom/run-1/outcome"))
	assert.True(t, pub.saw("loom/events"))
}

// TestModelReplansAroundFailedCommand drives the loop with the language
// model planner. The first plan's shell command fails, the replan prompt
// names it, and the replacement plan completes.
func TestModelReplansAroundFailedCommand(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	model := &completer{replies: []string{
		"```yaml\n" + `nodes:
  - id: lookup
    capability:
      kind: shell
      args:
        command: "exit 3"
  - id: use
    depends_on: [lookup]
    capability:
      kind: echo
      args:
        text: "{{lookup}}"
` + "```",
		"```yaml\n" + `nodes:
  - id: fallback
    capability:
      kind: shell
      args:
        command: "printf 'fallback data'"
` + "```",
	}}

	registry := capability.NewLocalRegistry()
	registry.Register(models.CapabilityShell, capability.NewShellHandler(exec.NewRunner(), e.dir))
	ex := executor.New(registry, e.pol.Executor,
		executor.WithName("run-2"),
		executor.WithArtifactStore(e.store),
	)
	defer ex.Wait()

	l := loop.New("collect data", ex, llm.NewPlanner(model), e.pol.Loop,
		loop.WithID("run-2"),
		loop.WithRecorder(e.db),
	)
	out := runLoop(t, l)
	assert.Equal(t, loop.StateCompleted, out.State)
	assert.Equal(t, 1, out.Replans)

	model.mu.Lock()
	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[0], "Produce the initial plan.")
	assert.Contains(t, model.prompts[1], "Failed: lookup")
	model.mu.Unlock()

	outputs, err := l.Handle().Outputs(ctx)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "fallback data", string(outputs[0].Data))

	nodes, err := e.db.NodeStates(ctx, "run-2")
	require.NoError(t, err)
	got := make(map[string]models.NodeState)
	for _, n := range nodes {
		got[n.NodeID] = n.State
	}
	assert.Equal(t, models.NodeStateFailed, got["lookup"])
	assert.Equal(t, models.NodeStateSucceeded, got["fallback"])
}

// TestOperatorMessageReachesPlanner posts a user message while the first
// plan is blocked and checks the replan prompt carries it.
func TestOperatorMessageReachesPlanner(t *testing.T) {
	e := setup(t)

	model := &completer{replies: []string{
		"```yaml\n" + `nodes:
  - id: wait
    capability:
      kind: shell
      args:
        command: "sleep 0.2; exit 1"
` + "```",
		"```yaml\n" + `nodes:
  - id: done
    capability:
      kind: echo
      args:
        text: ok
` + "```",
	}}

	registry := capability.NewLocalRegistry()
	registry.Register(models.CapabilityShell, capability.NewShellHandler(exec.NewRunner(), e.dir))
	ex := executor.New(registry, e.pol.Executor, executor.WithName("run-3"))
	defer ex.Wait()

	l := loop.New("finish", ex, llm.NewPlanner(model), e.pol.Loop, loop.WithID("run-3"))
	l.Post(models.NewObservationEvent(models.EventUserMessage, "operator", "use the staging host"))

	out := runLoop(t, l)
	assert.Equal(t, loop.StateCompleted, out.State)

	model.mu.Lock()
	defer model.mu.Unlock()
	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[1], "use the staging host")
}

// TestRecoveryMarksDeadRuns leaves a run open under a process that has
// exited and checks recovery closes it.
func TestRecoveryMarksDeadRuns(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	require.NoError(t, e.db.RecordSnapshot(ctx, "run-dead", models.ExecutionSnapshot{DagID: "dag-1", Goal: "lost"}))
	require.NoError(t, e.db.RecordSnapshot(ctx, "run-live", models.ExecutionSnapshot{DagID: "dag-2", Goal: "mine"}))

	cmd := osexec.Command("true")
	require.NoError(t, cmd.Run())
	_, err := e.db.Exec(ctx, `UPDATE runs SET pid = ? WHERE id = ?`, cmd.Process.Pid, "run-dead")
	require.NoError(t, err)

	runs, err := state.NewRecoveryManager(e.db).MarkInterrupted(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-dead", runs[0].RunID)
	assert.Equal(t, "lost", runs[0].Goal)

	dead, err := e.db.GetRun(ctx, "run-dead")
	require.NoError(t, err)
	assert.Equal(t, state.RunInterrupted, dead.State)

	live, err := e.db.GetRun(ctx, "run-live")
	require.NoError(t, err)
	assert.Equal(t, state.RunRunning, live.State)
	assert.False(t, strings.HasPrefix(live.Error, "interrupted"))
}
