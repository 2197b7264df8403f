package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/loop"
	"github.com/ShayCichocki/loom/pkg/models"
)

// fakeCompleter replays canned responses in order and records requests.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", ErrEmptyResponse
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

const twoNodePlan = "Here is the plan.\n```yaml\n" + `nodes:
  - id: fetch
    capability:
      kind: echo
      args:
        text: data
  - id: report
    depends_on: [fetch]
    capability:
      kind: shell
      args:
        command: "echo {{fetch}}"
` + "```\n"

func TestNewClient_WithAPIKey(t *testing.T) {
	t.Setenv("LOOM_ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := config.Default()
	cfg.Anthropic.APIKey = "sk-ant-test-key-123456"
	cfg.Anthropic.Model = string(anthropic.ModelClaudeHaiku4_5_20251001)

	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Model() != anthropic.ModelClaudeHaiku4_5_20251001 {
		t.Errorf("Model = %q, want %q", client.Model(), anthropic.ModelClaudeHaiku4_5_20251001)
	}
	if client.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("LOOM_ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := config.Default()
	cfg.Anthropic.APIKey = ""

	if _, err := NewClient(context.Background(), cfg); !errors.Is(err, config.ErrNoAPIKey) {
		t.Errorf("NewClient error = %v, want ErrNoAPIKey", err)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in   anthropic.Model
		want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{"us.anthropic.custom-v1:0", "us.anthropic.custom-v1:0"},
		{"my-custom-model", "my-custom-model"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(1000, 200)
	tr.Add(500, 100)

	in, out := tr.Total()
	if in != 1500 || out != 300 {
		t.Errorf("Total = (%d, %d), want (1500, 300)", in, out)
	}
	if tr.Calls() != 2 {
		t.Errorf("Calls = %d, want 2", tr.Calls())
	}
	if tr.Cost() <= 0 {
		t.Errorf("Cost = %f, want > 0", tr.Cost())
	}
}

func TestPlanner_InitialPlan(t *testing.T) {
	fake := &fakeCompleter{responses: []string{twoNodePlan}}
	p := NewPlanner(fake)

	desc, err := p.SynthesizePlan(context.Background(), loop.OrientedState{Goal: "report"}, "report")
	if err != nil {
		t.Fatalf("SynthesizePlan failed: %v", err)
	}
	if desc.Goal != "report" {
		t.Errorf("Goal = %q, want %q", desc.Goal, "report")
	}
	if len(desc.Nodes) != 2 || desc.Nodes[1].DependsOn[0] != "fetch" {
		t.Errorf("unexpected nodes: %+v", desc.Nodes)
	}

	req := fake.requests[0]
	if !strings.Contains(req.Prompt, "initial plan") {
		t.Errorf("prompt should ask for the initial plan:\n%s", req.Prompt)
	}
	if !strings.Contains(req.System, "delegate") {
		t.Error("system prompt should list capability kinds")
	}
}

func TestPlanner_ReplanCarriesFailures(t *testing.T) {
	fake := &fakeCompleter{responses: []string{twoNodePlan}}
	p := NewPlanner(fake)

	state := loop.OrientedState{
		Goal:    "report",
		HasPlan: true,
		Snapshot: models.ExecutionSnapshot{Nodes: []models.NodeStatus{
			{ID: "fetch", State: models.NodeStateFailed, Error: "connection refused"},
			{ID: "report", State: models.NodeStateSkipped},
		}},
		Failed: []string{"fetch"},
		History: []models.ObservationEvent{
			{Kind: models.EventNodeCompleted, Source: "executor", NodeID: "fetch", Message: "connection refused"},
		},
		Blocked: true,
		Reason:  "fetch failed",
	}
	if _, err := p.SynthesizePlan(context.Background(), state, "report"); err != nil {
		t.Fatalf("SynthesizePlan failed: %v", err)
	}

	prompt := fake.requests[0].Prompt
	for _, want := range []string{"replacement plan", "Reason: fetch failed", "fetch: failed (connection refused)", "Failed: fetch", "Recent events:"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestPlanner_OperatorNotes(t *testing.T) {
	fake := &fakeCompleter{responses: []string{twoNodePlan}}
	p := NewPlanner(fake)

	note := models.NewObservationEvent(models.EventUserMessage, "operator", "use the staging database")
	state := loop.OrientedState{History: []models.ObservationEvent{note}}
	if _, err := p.SynthesizePlan(context.Background(), state, "report"); err != nil {
		t.Fatalf("SynthesizePlan failed: %v", err)
	}
	if !strings.Contains(fake.requests[0].Prompt, "Operator notes:\n- use the staging database") {
		t.Errorf("prompt missing operator note:\n%s", fake.requests[0].Prompt)
	}
}

func TestPlanner_CompleterError(t *testing.T) {
	boom := errors.New("rate limited")
	p := NewPlanner(&fakeCompleter{err: boom})

	if _, err := p.SynthesizePlan(context.Background(), loop.OrientedState{}, "g"); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"fenced", twoNodePlan, false},
		{"bare yaml", "nodes:\n  - id: a\n    capability:\n      kind: echo\n      args:\n        text: hi\n", false},
		{"empty", "   ", true},
		{"prose only", "I cannot plan this.", true},
		{"no nodes", "```yaml\ngoal: x\nnodes: []\n```", true},
		{"unknown kind", "```yaml\nnodes:\n  - id: a\n    capability:\n      kind: teleport\n```", true},
		{"missing arg", "```yaml\nnodes:\n  - id: a\n    capability:\n      kind: shell\n```", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrNoPlan) {
					t.Errorf("error = %v, want ErrNoPlan", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseReview(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantScore    float64
		wantFeedback string
		wantErr      error
	}{
		{"standard", "SCORE: 85\nFEEDBACK: tighten the summary", 0.85, "tighten the summary", nil},
		{"out of 100", "Score: 40/100\nFeedback: missing totals", 0.40, "missing totals", nil},
		{"none feedback", "SCORE: 100\nFEEDBACK: none", 1.0, "", nil},
		{"no feedback line", "SCORE: 70", 0.70, "", nil},
		{"missing score", "Looks fine to me.", 0, "", ErrMalformedResponse},
		{"out of range", "SCORE: 120", 0, "", ErrScoreOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, feedback, err := ParseReview(tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if score != tt.wantScore {
				t.Errorf("score = %v, want %v", score, tt.wantScore)
			}
			if feedback != tt.wantFeedback {
				t.Errorf("feedback = %q, want %q", feedback, tt.wantFeedback)
			}
		})
	}
}

func TestScorer_Threshold(t *testing.T) {
	fake := &fakeCompleter{responses: []string{"SCORE: 60\nFEEDBACK: add units", "SCORE: 90\nFEEDBACK: none"}}
	s := NewScorer(fake, 0.8)

	card, err := s.Score(context.Background(), "draft", []string{"has units"})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if card.Passed || card.Feedback != "add units" {
		t.Errorf("first card = %+v, want failed with feedback", card)
	}
	if !strings.Contains(fake.requests[0].Prompt, "- has units") {
		t.Errorf("prompt should list criteria:\n%s", fake.requests[0].Prompt)
	}

	card, err = s.Score(context.Background(), "draft with units", []string{"has units"})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if !card.Passed {
		t.Errorf("second card = %+v, want passed", card)
	}
}

func TestScorer_EmptyOutputSkipsModel(t *testing.T) {
	fake := &fakeCompleter{}
	s := NewScorer(fake, 0.5)

	card, err := s.Score(context.Background(), "  ", nil)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if card.Passed {
		t.Error("empty output should not pass")
	}
	if len(fake.requests) != 0 {
		t.Errorf("model called %d times, want 0", len(fake.requests))
	}
}
