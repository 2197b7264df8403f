package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/loom/pkg/models"
)

// RunState is everything the run view displays.
type RunState struct {
	RunID       string
	Goal        string
	State       string
	Error       string
	Snapshot    models.ExecutionSnapshot
	Delegations []models.DelegationState
	UpdatedAt   time.Time
}

// Finished reports whether the run has reached a terminal state.
func (s RunState) Finished() bool {
	switch s.State {
	case "completed", "terminated", "interrupted":
		return true
	}
	return false
}

// SnapshotMsg replaces the displayed run state.
type SnapshotMsg struct {
	State RunState
}

// RunView renders a run's DAG and delegations.
type RunView struct {
	state  RunState
	filter string
	width  int
	height int

	headerStyle   lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	dimStyle      lipgloss.Style
	stateStyles   map[models.NodeState]lipgloss.Style
}

// NewRunView creates an empty RunView.
func NewRunView() *RunView {
	return &RunView{
		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(14),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		progressFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		stateStyles: map[models.NodeState]lipgloss.Style{
			models.NodeStatePending:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			models.NodeStateReady:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			models.NodeStateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
			models.NodeStateSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.NodeStateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			models.NodeStateCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
			models.NodeStateSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

// Update handles size and state messages.
func (v *RunView) Update(msg tea.Msg) (*RunView, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		v.SetSize(msg.Width, msg.Height)
	case SnapshotMsg:
		v.state = msg.State
	}
	return v, nil
}

// SetState replaces the displayed state.
func (v *RunView) SetState(state RunState) {
	v.state = state
}

// State returns the displayed state.
func (v *RunView) State() RunState {
	return v.state
}

// SetFilter limits the node list to IDs containing f.
func (v *RunView) SetFilter(f string) {
	v.filter = strings.TrimSpace(f)
}

// SetSize sets the view dimensions.
func (v *RunView) SetSize(width, height int) {
	v.width = width
	v.height = height
}

// View renders the run.
func (v *RunView) View() string {
	var b strings.Builder
	snap := v.state.Snapshot

	title := "Run"
	if v.state.RunID != "" {
		title = "Run " + v.state.RunID
	}
	b.WriteString(v.headerStyle.Render(title))
	b.WriteString("\n")

	v.row(&b, "Goal:", v.state.Goal)
	v.row(&b, "State:", v.state.State)
	if snap.DagID != "" {
		v.row(&b, "DAG:", fmt.Sprintf("%s (v%d, %d free slots)", snap.DagID, snap.Version, snap.FreeSlots))
	}
	if v.state.Error != "" {
		b.WriteString(v.labelStyle.Render("Error:"))
		b.WriteString(v.stateStyles[models.NodeStateFailed].Render(v.state.Error))
		b.WriteString("\n")
	}

	total := len(snap.Nodes)
	resolved := 0
	for _, n := range snap.Nodes {
		if n.State.IsTerminal() {
			resolved++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = float64(resolved) / float64(total) * 100
	}
	v.row(&b, "Nodes:", fmt.Sprintf("%d/%d resolved", resolved, total))
	b.WriteString(v.renderProgressBar(pct, 30))
	b.WriteString("\n\n")

	b.WriteString(v.renderNodes())

	if len(v.state.Delegations) > 0 {
		b.WriteString("\n")
		b.WriteString(v.renderDelegations())
	}
	return b.String()
}

func (v *RunView) row(b *strings.Builder, label, value string) {
	if value == "" {
		value = "-"
	}
	b.WriteString(v.labelStyle.Render(label))
	b.WriteString(v.valueStyle.Render(value))
	b.WriteString("\n")
}

func (v *RunView) renderNodes() string {
	var b strings.Builder
	shown := 0
	for _, n := range v.state.Snapshot.Nodes {
		if v.filter != "" && !strings.Contains(n.ID, v.filter) {
			continue
		}
		shown++
		style, ok := v.stateStyles[n.State]
		if !ok {
			style = v.dimStyle
		}
		line := fmt.Sprintf("  %s %-24s p%d %s", style.Width(10).Render(string(n.State)), truncate(n.ID, 24), n.Phase, n.Class)
		if d := nodeDuration(n); d > 0 {
			line += v.dimStyle.Render(" " + d.Round(time.Millisecond).String())
		}
		if n.Error != "" {
			line += "  " + v.stateStyles[models.NodeStateFailed].Render(truncate(n.Error, 60))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if shown == 0 {
		if v.filter != "" {
			b.WriteString(v.dimStyle.Render(fmt.Sprintf("  no nodes match %q", v.filter)))
		} else {
			b.WriteString(v.dimStyle.Render("  waiting for a plan"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (v *RunView) renderDelegations() string {
	var b strings.Builder
	b.WriteString(v.labelStyle.Render("Delegations:"))
	b.WriteString("\n")
	for _, d := range v.state.Delegations {
		style := v.dimStyle
		switch d.Phase {
		case models.PhaseAccepted:
			style = v.stateStyles[models.NodeStateSucceeded]
		case models.PhaseRejected:
			style = v.stateStyles[models.NodeStateFailed]
		case models.PhaseInProgress, models.PhaseUnderReview:
			style = v.stateStyles[models.NodeStateRunning]
		}
		line := fmt.Sprintf("  %s %s r%d  %s", style.Width(18).Render(string(d.Phase)), d.ID, d.Round, truncate(d.Objective, 40))
		if d.Feedback != "" && !d.Phase.IsTerminal() {
			line += v.dimStyle.Render("  feedback: " + truncate(d.Feedback, 40))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (v *RunView) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	filled := int(pct / 100 * float64(width))
	bar := v.progressFull.Render(strings.Repeat("█", filled)) +
		v.progressEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("  %s %.0f%%", bar, pct)
}

func nodeDuration(n models.NodeStatus) time.Duration {
	if n.StartedAt == nil || n.FinishedAt == nil {
		return 0
	}
	return n.FinishedAt.Sub(*n.StartedAt)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
