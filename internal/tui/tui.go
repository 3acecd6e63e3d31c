// Package tui provides the Bubble Tea terminal interface for the
// CaseWire research assistant.
package tui

import (
	"context"
	"errors"
	"strings"
	"time"

	"charm.land/bubbles/v2/help"
	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textarea"
	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/casewire/casewire/internal/assistant"
)

// State represents the TUI state machine.
type State int

const (
	StateInput     State = iota // Awaiting user input
	StateThinking               // Processing request
	StateStreaming              // Streaming response
)

// Memory bounds to prevent unbounded growth.
const (
	maxMessages = 100
	maxHistory  = 100
)

// streamTimeout caps a single assistant turn.
const streamTimeout = 5 * time.Minute

// Message role constants for display.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleSystem    = "system"
	roleError     = "error"
)

// Layout constants for viewport height calculation.
const (
	separatorLines = 2
	helpLines      = 1
	promptLines    = 1
	minViewport    = 3
)

// Message is one conversation entry for display.
type Message struct {
	Role string
	Text string
}

// TUI is the Bubble Tea model for the CaseWire terminal interface.
type TUI struct {
	// Input (textarea for multi-line support, Shift+Enter for newline)
	input      textarea.Model
	history    []string
	historyIdx int

	// State
	state     State
	lastCtrlC time.Time

	// caseID scopes retrieval for subsequent turns. Set with /case.
	caseID string

	// Output
	spinner  spinner.Model
	output   strings.Builder
	viewBuf  strings.Builder
	messages []Message

	viewport viewport.Model

	help help.Model
	keys keyMap

	// Stream management. No WaitGroup: Bubble Tea's event loop is the
	// synchronization point, and channel closure signals completion.
	streamCancel  context.CancelFunc
	streamEventCh <-chan streamEvent

	flow      *assistant.Flow
	sessionID string
	ctx       context.Context
	ctxCancel context.CancelFunc

	width  int
	height int

	styles   Styles
	markdown *markdownRenderer
}

// addMessage appends a message and enforces the maxMessages bound.
func (t *TUI) addMessage(msg Message) {
	t.messages = append(t.messages, msg)
	if len(t.messages) > maxMessages {
		t.messages = t.messages[len(t.messages)-maxMessages:]
	}
}

// New creates a TUI model bound to one assistant session.
//
// ctx MUST be the same context passed to tea.WithContext() so
// cancellation behaves consistently.
func New(ctx context.Context, flow *assistant.Flow, sessionID string) (*TUI, error) {
	if flow == nil {
		return nil, errors.New("tui.New: flow is required")
	}
	if ctx == nil {
		return nil, errors.New("tui.New: ctx is required")
	}
	if sessionID == "" {
		return nil, errors.New("tui.New: session ID is required")
	}

	ctx, cancel := context.WithCancel(ctx)

	// Enter submits, Shift+Enter adds a newline.
	ta := textarea.New()
	ta.Placeholder = "Ask about your cases..."
	ta.SetHeight(1)
	ta.SetWidth(120)
	ta.MaxWidth = 0
	ta.ShowLineNumbers = false

	// Minimal styling, no backgrounds.
	cleanStyle := textarea.StyleState{
		Base:        lipgloss.NewStyle(),
		Text:        lipgloss.NewStyle(),
		Placeholder: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Prompt:      lipgloss.NewStyle(),
	}
	ta.SetStyles(textarea.Styles{
		Focused: cleanStyle,
		Blurred: cleanStyle,
	})
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	// Viewport handles scrollback. Built-in key bindings are disabled;
	// handleKey routes keys explicitly to avoid textarea conflicts.
	vp := viewport.New(viewport.WithWidth(80), viewport.WithHeight(20))
	vp.MouseWheelEnabled = true
	vp.SoftWrap = true
	vp.KeyMap = viewport.KeyMap{}

	return &TUI{
		flow:      flow,
		sessionID: sessionID,
		ctx:       ctx,
		ctxCancel: cancel,
		input:     ta,
		spinner:   sp,
		viewport:  vp,
		help:      help.New(),
		keys:      newKeyMap(),
		styles:    DefaultStyles(),
		history:   make([]string, 0, maxHistory),
		markdown:  newMarkdownRenderer(80),
		width:     80,
	}, nil
}

// Init implements tea.Model.
func (t *TUI) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		t.spinner.Tick,
		t.input.Focus(),
	)
}

// Update implements tea.Model.
func (t *TUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		return t.handleKey(msg)

	case tea.WindowSizeMsg:
		t.width = msg.Width
		t.height = msg.Height

		inputHeight := t.input.Height() + promptLines
		fixedHeight := separatorLines + inputHeight + helpLines
		vpHeight := max(msg.Height-fixedHeight, minViewport)

		t.viewport.SetWidth(msg.Width)
		t.viewport.SetHeight(vpHeight)
		t.input.SetWidth(msg.Width - 4)
		t.help.SetWidth(msg.Width)
		t.markdown.UpdateWidth(msg.Width)

		t.rebuildViewportContent()
		return t, nil

	case tea.MouseWheelMsg:
		var cmd tea.Cmd
		t.viewport, cmd = t.viewport.Update(msg)
		return t, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		t.spinner, cmd = t.spinner.Update(msg)
		if t.state == StateThinking {
			t.rebuildViewportContent()
		}
		return t, cmd

	case streamStartedMsg:
		t.streamCancel = msg.cancel
		t.streamEventCh = msg.eventCh
		t.state = StateStreaming
		t.rebuildViewportContent()
		t.viewport.GotoBottom()
		return t, listenForStream(msg.eventCh)

	case streamTextMsg:
		t.output.WriteString(msg.text)
		t.rebuildViewportContent()
		t.viewport.GotoBottom()
		return t, listenForStream(t.streamEventCh)

	case streamDoneMsg:
		t.state = StateInput

		if t.streamCancel != nil {
			t.streamCancel()
			t.streamCancel = nil
		}
		t.streamEventCh = nil

		// Prefer the complete answer from the flow output over
		// accumulated chunks, which handles models that send final
		// content only in Output.
		finalText := msg.output.Answer
		if finalText == "" {
			finalText = t.output.String()
		}

		t.addMessage(Message{Role: roleAssistant, Text: finalText})
		if cited := formatSources(msg.output.Sources); cited != "" {
			t.addMessage(Message{Role: roleSystem, Text: cited})
		}
		t.output.Reset()
		t.rebuildViewportContent()
		t.viewport.GotoBottom()
		return t, t.input.Focus()

	case streamErrorMsg:
		t.state = StateInput

		if t.streamCancel != nil {
			t.streamCancel()
			t.streamCancel = nil
		}
		t.streamEventCh = nil

		switch {
		case errors.Is(msg.err, context.Canceled):
			t.addMessage(Message{Role: roleSystem, Text: "(Canceled)"})
		case errors.Is(msg.err, context.DeadlineExceeded):
			t.addMessage(Message{Role: roleError, Text: "Query timeout (>5 min). Try a simpler query or break it into steps."})
		default:
			t.addMessage(Message{Role: roleError, Text: msg.err.Error()})
		}
		t.output.Reset()
		t.rebuildViewportContent()
		t.viewport.GotoBottom()
		return t, t.input.Focus()
	}

	var cmd tea.Cmd
	t.input, cmd = t.input.Update(msg)
	return t, cmd
}

// View implements tea.Model. Uses AltScreen with a viewport for
// scrollable message history.
func (t *TUI) View() tea.View {
	t.viewBuf.Reset()

	_, _ = t.viewBuf.WriteString(t.viewport.View())
	_, _ = t.viewBuf.WriteString("\n")

	_, _ = t.viewBuf.WriteString(t.renderSeparator())
	_, _ = t.viewBuf.WriteString("\n")

	// Input stays live even while streaming so the next question can
	// be typed early.
	_, _ = t.viewBuf.WriteString(t.styles.Prompt.Render("> "))
	_, _ = t.viewBuf.WriteString(t.input.View())
	_, _ = t.viewBuf.WriteString("\n")

	_, _ = t.viewBuf.WriteString(t.renderSeparator())
	_, _ = t.viewBuf.WriteString("\n")

	_, _ = t.viewBuf.WriteString(t.renderStatusBar())

	v := tea.NewView(t.viewBuf.String())
	v.AltScreen = true
	return v
}

// rebuildViewportContent reconstructs the viewport content from
// messages and state.
func (t *TUI) rebuildViewportContent() {
	var b strings.Builder

	_, _ = b.WriteString(t.styles.RenderBanner())
	_, _ = b.WriteString("\n")
	_, _ = b.WriteString(t.styles.RenderWelcomeTips())
	_, _ = b.WriteString("\n")

	for _, msg := range t.messages {
		switch msg.Role {
		case roleUser:
			_, _ = b.WriteString(t.styles.User.Render("You> "))
			_, _ = b.WriteString(msg.Text)
		case roleAssistant:
			_, _ = b.WriteString(t.styles.Assistant.Render("CaseWire> "))
			_, _ = b.WriteString(t.markdown.Render(msg.Text))
		case roleSystem:
			_, _ = b.WriteString(t.styles.System.Render(msg.Text))
		case roleError:
			_, _ = b.WriteString(t.styles.Error.Render("Error: " + msg.Text))
		}
		_, _ = b.WriteString("\n\n")
	}

	if t.state == StateStreaming && t.output.Len() > 0 {
		_, _ = b.WriteString(t.styles.Assistant.Render("CaseWire> "))
		_, _ = b.WriteString(t.output.String())
		_, _ = b.WriteString("\n\n")
	}

	if t.state == StateThinking {
		_, _ = b.WriteString(t.spinner.View())
		_, _ = b.WriteString(" Thinking...\n\n")
	}

	t.viewport.SetContent(b.String())
}

// formatSources renders the citation list shown after an answer.
func formatSources(sources []assistant.Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	_, _ = b.WriteString("Sources:")
	for _, s := range sources {
		_, _ = b.WriteString("\n  evidence ")
		_, _ = b.WriteString(s.EvidenceID.String())
		if s.Section != "" {
			_, _ = b.WriteString(" (" + s.Section + ")")
		}
	}
	return b.String()
}

func (t *TUI) renderSeparator() string {
	width := t.width
	if width <= 0 {
		width = 80
	}
	return t.styles.Separator.Render(strings.Repeat("─", width))
}

// renderStatusBar returns state-appropriate keyboard shortcut help.
func (t *TUI) renderStatusBar() string {
	var bindings []key.Binding
	switch t.state {
	case StateInput:
		bindings = []key.Binding{
			t.keys.Submit, t.keys.NewLine, t.keys.History,
			t.keys.Cancel, t.keys.Quit, t.keys.ScrollUp,
		}
	case StateThinking, StateStreaming:
		bindings = []key.Binding{
			t.keys.EscCancel, t.keys.Cancel,
			t.keys.ScrollUp, t.keys.ScrollDown,
		}
	}
	bar := t.help.ShortHelpView(bindings)
	if t.caseID != "" {
		bar += t.styles.System.Render("  [case " + t.caseID + "]")
	}
	return bar
}
