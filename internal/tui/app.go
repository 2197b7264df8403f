package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/loom/pkg/models"
)

// maxLogs bounds the activity log kept in memory.
const maxLogs = 200

// Controller is the live control loop behind an interactive session.
type Controller interface {
	Post(ev models.ObservationEvent)
	Pause()
	Resume()
	Stop()
}

// LogMsg adds a line to the activity log.
type LogMsg struct {
	Timestamp time.Time
	Source    string
	Message   string
}

// DoneMsg is sent when the run ends.
type DoneMsg struct {
	State string
	Err   error
}

type tickMsg struct{}

type pollErrMsg struct {
	err error
}

// LogEntry is one line in the activity log.
type LogEntry struct {
	Timestamp time.Time
	Source    string
	Message   string
}

// App is the bubbletea model for watching and steering a run.
type App struct {
	view    *RunView
	input   *InputField
	spinner spinner.Model
	logs    []LogEntry

	ctrl    Controller
	source  Source
	refresh time.Duration

	width    int
	height   int
	paused   bool
	quitting bool
	done     bool
	err      error

	logStyle     lipgloss.Style
	logTimeStyle lipgloss.Style
	errorStyle   lipgloss.Style
	doneStyle    lipgloss.Style
	hintStyle    lipgloss.Style
}

// Option configures an App.
type Option func(*App)

// WithController makes the session interactive.
func WithController(c Controller) Option {
	return func(a *App) { a.ctrl = c }
}

// WithSource polls s every refresh interval.
func WithSource(s Source, refresh time.Duration) Option {
	return func(a *App) {
		a.source = s
		if refresh > 0 {
			a.refresh = refresh
		}
	}
}

// NewApp creates an App. Without a controller it is read-only.
func NewApp(opts ...Option) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	a := &App{
		view:    NewRunView(),
		input:   NewInputField(),
		spinner: sp,
		refresh: 500 * time.Millisecond,

		logStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		logTimeStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		doneStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
		hintStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewProgram creates a full-screen program for app.
func NewProgram(app *App) *tea.Program {
	return tea.NewProgram(app, tea.WithAltScreen())
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.spinner.Tick}
	if a.source != nil {
		cmds = append(cmds, a.poll())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.input.Active() {
			if msg.String() == "esc" {
				a.input.Close()
				return a, nil
			}
			var cmd tea.Cmd
			a.input, cmd = a.input.Update(msg)
			return a, cmd
		}
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.view.SetSize(msg.Width, msg.Height)
		a.input.SetWidth(msg.Width)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tickMsg:
		return a, a.poll()

	case SnapshotMsg:
		a.view.SetState(msg.State)
		if a.source != nil && !a.done {
			if msg.State.Finished() {
				a.finish(msg.State.State, nil)
			} else {
				return a, a.scheduleTick()
			}
		}

	case LogMsg:
		a.appendLog(msg.Timestamp, msg.Source, msg.Message)

	case pollErrMsg:
		a.appendLog(time.Now(), "poll", msg.err.Error())
		if !a.done {
			return a, a.scheduleTick()
		}

	case InputSubmittedMsg:
		a.handleInput(msg)

	case DoneMsg:
		a.finish(msg.State, msg.Err)
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c":
		if a.ctrl != nil && !a.done {
			a.ctrl.Stop()
		}
		a.quitting = true
		return tea.Quit
	case "/":
		return a.input.Open(InputFilter)
	case "m":
		if a.ctrl != nil && !a.done {
			return a.input.Open(InputMessage)
		}
	case "p":
		if a.ctrl == nil || a.done {
			return nil
		}
		if a.paused {
			a.ctrl.Resume()
			a.appendLog(time.Now(), "operator", "resumed")
		} else {
			a.ctrl.Pause()
			a.appendLog(time.Now(), "operator", "paused")
		}
		a.paused = !a.paused
	}
	return nil
}

func (a *App) handleInput(msg InputSubmittedMsg) {
	switch msg.Mode {
	case InputFilter:
		a.view.SetFilter(msg.Text)
	case InputMessage:
		if a.ctrl == nil {
			return
		}
		a.ctrl.Post(models.NewObservationEvent(models.EventUserMessage, "operator", msg.Text))
		a.appendLog(time.Now(), "operator", msg.Text)
	}
}

func (a *App) finish(state string, err error) {
	a.done = true
	a.err = err
	a.paused = false
	msg := "run " + state
	if err != nil {
		msg += ": " + err.Error()
	}
	a.appendLog(time.Now(), "loop", msg)
}

func (a *App) appendLog(ts time.Time, source, message string) {
	a.logs = append(a.logs, LogEntry{Timestamp: ts, Source: source, Message: message})
	if len(a.logs) > maxLogs {
		a.logs = a.logs[len(a.logs)-maxLogs:]
	}
}

func (a *App) poll() tea.Cmd {
	src := a.source
	timeout := a.refresh
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		st, err := src.Poll(ctx)
		if err != nil {
			return pollErrMsg{err: err}
		}
		return SnapshotMsg{State: st}
	}
}

func (a *App) scheduleTick() tea.Cmd {
	return tea.Tick(a.refresh, func(time.Time) tea.Msg { return tickMsg{} })
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return "Stopped.\n"
	}

	var b strings.Builder
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("=== loom ===")
	b.WriteString(header)
	if !a.done {
		b.WriteString(" ")
		b.WriteString(a.spinner.View())
		if a.paused {
			b.WriteString(a.hintStyle.Render(" paused"))
		}
	}
	b.WriteString("\n\n")

	b.WriteString(a.view.View())
	b.WriteString("\n")
	b.WriteString(a.renderLogs())
	b.WriteString("\n")

	if a.input.Active() {
		b.WriteString(a.input.View())
		b.WriteString("\n")
	}

	switch {
	case a.done && a.err != nil:
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
	case a.done:
		b.WriteString(a.doneStyle.Render("Run finished. Press q to exit."))
	case a.ctrl != nil:
		b.WriteString(a.hintStyle.Render("q stop  p pause/resume  m message  / filter"))
	default:
		b.WriteString(a.hintStyle.Render("q quit  / filter"))
	}
	b.WriteString("\n")
	return b.String()
}

func (a *App) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Render("Activity"))
	b.WriteString("\n")

	start := 0
	if len(a.logs) > 8 {
		start = len(a.logs) - 8
	}
	for _, entry := range a.logs[start:] {
		ts := a.logTimeStyle.Render(entry.Timestamp.Format("15:04:05"))
		src := lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Width(10).Render(entry.Source)
		b.WriteString(fmt.Sprintf("  %s %s %s\n", ts, src, a.logStyle.Render(entry.Message)))
	}
	return b.String()
}
