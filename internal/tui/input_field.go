package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// InputMode says what a submitted line is for.
type InputMode int

const (
	// InputMessage sends the line to the control loop as an operator message.
	InputMessage InputMode = iota
	// InputFilter narrows the node list.
	InputFilter
)

// InputSubmittedMsg is sent when the user presses Enter.
type InputSubmittedMsg struct {
	Mode InputMode
	Text string
}

// InputField is a single-line text input.
type InputField struct {
	input textinput.Model
	mode  InputMode
	width int
}

// NewInputField creates an unfocused InputField.
func NewInputField() *InputField {
	ti := textinput.New()
	ti.CharLimit = 500
	ti.Width = 60

	return &InputField{
		input: ti,
		width: 80,
	}
}

// Open focuses the field for mode, clearing previous text.
func (f *InputField) Open(mode InputMode) tea.Cmd {
	f.mode = mode
	f.input.Reset()
	switch mode {
	case InputFilter:
		f.input.Placeholder = "Filter nodes by id..."
	default:
		f.input.Placeholder = "Message for the planner..."
	}
	return f.input.Focus()
}

// Close blurs the field.
func (f *InputField) Close() {
	f.input.Blur()
}

// Active reports whether the field has focus.
func (f *InputField) Active() bool {
	return f.input.Focused()
}

// Mode returns the current input mode.
func (f *InputField) Mode() InputMode {
	return f.mode
}

// SetWidth sets the width of the input field.
func (f *InputField) SetWidth(width int) {
	f.width = width
	f.input.Width = width - 4
}

// Update handles messages for the input field. Enter submits and closes;
// an empty filter submission clears the filter.
func (f *InputField) Update(msg tea.Msg) (*InputField, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		text := strings.TrimSpace(f.input.Value())
		mode := f.mode
		f.input.Reset()
		f.input.Blur()
		if text == "" && mode == InputMessage {
			return f, nil
		}
		return f, func() tea.Msg {
			return InputSubmittedMsg{Mode: mode, Text: text}
		}
	}

	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

// View renders the input field.
func (f *InputField) View() string {
	promptStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(f.width - 2)

	prompt := "> "
	if f.mode == InputFilter {
		prompt = "/ "
	}
	return boxStyle.Render(promptStyle.Render(prompt) + f.input.View())
}
