package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/loop"
	"github.com/ShayCichocki/loom/pkg/models"
)

// ErrNoPlan is returned when a response does not contain a usable plan.
var ErrNoPlan = errors.New("response contained no plan")

// historyLimit caps the events quoted back to the model on a replan.
const historyLimit = 20

const plannerSystem = `You plan work as a directed acyclic graph of nodes.
Reply with a single YAML document inside a ` + "```yaml" + ` fenced block and nothing else.

Schema:
goal: <string>
nodes:
  - id: <unique id>
    depends_on: [<ids whose output this node consumes>]
    fallbacks: {<dependency id>: <alternative node id>}
    phase: <int, lower runs first among ready nodes>
    capability:
      kind: shell | echo | merge | delegate | reconcile
      args: {<name>: <value>}

Capability args:
  shell: command (required), dir
  echo: text (required)
  merge: separator
  delegate: objective (required), criteria (";"-separated), plan
  reconcile: no args; depends on exactly two delegate nodes and keeps the
    better supported output, or merges outputs that cite shared sources

Arguments may reference an upstream node's output as {{node_id}}.`

var fencePattern = regexp.MustCompile("(?s)```(?:ya?ml)?\\s*\\n(.*?)```")

// Planner synthesizes plans with a language model. It satisfies
// loop.PlanSynthesizer.
type Planner struct {
	llm Completer
}

// NewPlanner creates a planner backed by c.
func NewPlanner(c Completer) *Planner {
	return &Planner{llm: c}
}

// SynthesizePlan asks the model for a plan. On a replan the prompt carries
// the current DAG's node states, failures and recent events.
func (p *Planner) SynthesizePlan(ctx context.Context, state loop.OrientedState, goal string) (*models.DagDescription, error) {
	text, err := p.llm.Complete(ctx, Request{
		System: plannerSystem,
		Prompt: buildPlanPrompt(state, goal),
	})
	if err != nil {
		return nil, err
	}

	desc, err := ParsePlan(text)
	if err != nil {
		return nil, err
	}
	if desc.Goal == "" {
		desc.Goal = goal
	}
	return desc, nil
}

// ParsePlan extracts and validates the YAML plan in a model response.
// Capability arguments are checked here so a malformed plan counts as a
// failed planning attempt rather than an admission failure.
func ParsePlan(text string) (*models.DagDescription, error) {
	body := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); len(m) == 2 {
		body = m[1]
	}
	if body == "" {
		return nil, ErrNoPlan
	}

	desc, err := models.ParseDagDescription([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}
	for _, n := range desc.Nodes {
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoPlan, err)
		}
		if _, err := capability.Parse(n.Capability); err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrNoPlan, n.ID, err)
		}
	}
	return desc, nil
}

func buildPlanPrompt(state loop.OrientedState, goal string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", goal)

	var notes []string
	for _, e := range state.History {
		if e.Kind == models.EventUserMessage && e.Message != "" {
			notes = append(notes, e.Message)
		}
	}
	if len(notes) > 0 {
		sb.WriteString("\nOperator notes:\n")
		for _, n := range notes {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
	}

	if !state.HasPlan {
		sb.WriteString("\nProduce the initial plan.\n")
		return sb.String()
	}

	sb.WriteString("\nThe current plan cannot reach the goal. Produce a replacement plan.\n")
	if state.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", state.Reason)
	}

	sb.WriteString("\nCurrent nodes:\n")
	for _, n := range state.Snapshot.Nodes {
		fmt.Fprintf(&sb, "- %s: %s", n.ID, n.State)
		if n.Error != "" {
			fmt.Fprintf(&sb, " (%s)", n.Error)
		}
		sb.WriteString("\n")
	}

	if len(state.Failed) > 0 {
		fmt.Fprintf(&sb, "\nFailed: %s\n", strings.Join(state.Failed, ", "))
	}

	history := state.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	if len(history) > 0 {
		sb.WriteString("\nRecent events:\n")
		for _, e := range history {
			fmt.Fprintf(&sb, "- [%s] %s", e.Kind, e.Source)
			if e.NodeID != "" {
				fmt.Fprintf(&sb, " %s", e.NodeID)
			}
			if e.Message != "" {
				fmt.Fprintf(&sb, ": %s", e.Message)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
