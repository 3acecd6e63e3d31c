package tui

import (
	"strings"
	"time"

	"charm.land/bubbles/v2/key"
	tea "charm.land/bubbletea/v2"

	"github.com/google/uuid"
)

// Slash command constants.
const (
	cmdHelp  = "/help"
	cmdClear = "/clear"
	cmdCase  = "/case"
	cmdExit  = "/exit"
	cmdQuit  = "/quit"
)

// keyMap holds key bindings for help bar display.
type keyMap struct {
	Submit     key.Binding
	NewLine    key.Binding
	History    key.Binding
	Cancel     key.Binding
	Quit       key.Binding
	ScrollUp   key.Binding
	ScrollDown key.Binding
	EscCancel  key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Submit:     key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
		NewLine:    key.NewBinding(key.WithKeys("shift+enter"), key.WithHelp("s+enter", "newline")),
		History:    key.NewBinding(key.WithKeys("up", "down"), key.WithHelp("↑/↓", "history")),
		Cancel:     key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "cancel")),
		Quit:       key.NewBinding(key.WithKeys("ctrl+d"), key.WithHelp("ctrl+d", "exit")),
		ScrollUp:   key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "scroll up")),
		ScrollDown: key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdn", "scroll down")),
		EscCancel:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
	}
}

func (t *TUI) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	k := msg.Key()

	if k.Mod&tea.ModCtrl != 0 {
		switch k.Code {
		case 'c':
			return t.handleCtrlC()
		case 'd':
			cmd := t.cleanup()
			return t, cmd
		}
	}

	switch k.Code {
	case tea.KeyEnter:
		if t.state == StateInput {
			// Enter submits, Shift+Enter falls through to the textarea
			// as a newline.
			if k.Mod&tea.ModShift == 0 {
				return t.handleSubmit()
			}
		}

	case tea.KeyUp:
		// Up at the first line navigates history, otherwise the
		// textarea moves the cursor.
		if t.state == StateInput && t.input.Line() == 0 {
			return t.navigateHistory(-1)
		}

	case tea.KeyDown:
		if t.state == StateInput && t.input.Line() == t.input.LineCount()-1 {
			return t.navigateHistory(1)
		}

	case tea.KeyEscape:
		if t.state == StateStreaming || t.state == StateThinking {
			t.cancelStream()
			t.state = StateInput
			t.output.Reset()
			return t, nil
		}

	case tea.KeyPgUp:
		t.viewport.PageUp()
		return t, nil

	case tea.KeyPgDown:
		t.viewport.PageDown()
		return t, nil
	}

	// Typing stays live even during streaming so the next question can
	// be prepared early.
	var cmd tea.Cmd
	t.input, cmd = t.input.Update(msg)
	return t, cmd
}

func (t *TUI) handleCtrlC() (tea.Model, tea.Cmd) {
	now := time.Now()

	// Double Ctrl+C within one second quits.
	if now.Sub(t.lastCtrlC) < time.Second {
		cmd := t.cleanup()
		return t, cmd
	}
	t.lastCtrlC = now

	switch t.state {
	case StateInput:
		t.input.Reset()
		return t, nil

	case StateThinking, StateStreaming:
		t.cancelStream()
		t.state = StateInput
		t.output.Reset()
		t.addMessage(Message{Role: roleSystem, Text: "(Canceled)"})
		return t, nil
	}

	return t, nil
}

func (t *TUI) handleSubmit() (tea.Model, tea.Cmd) {
	query := strings.TrimSpace(t.input.Value())
	if query == "" {
		return t, nil
	}

	if strings.HasPrefix(query, "/") {
		return t.handleSlashCommand(query)
	}

	t.history = append(t.history, query)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	t.historyIdx = len(t.history)

	t.addMessage(Message{Role: roleUser, Text: query})
	t.input.Reset()
	t.state = StateThinking

	return t, tea.Batch(
		t.spinner.Tick,
		t.startStream(query),
	)
}

func (t *TUI) handleSlashCommand(cmd string) (tea.Model, tea.Cmd) {
	name, rest, _ := strings.Cut(cmd, " ")
	switch name {
	case cmdHelp:
		t.addMessage(Message{
			Role: roleSystem,
			Text: "Commands: /help, /clear, /case <id|off>, /exit\nShortcuts:\n  Enter: send message\n  Shift+Enter: new line\n  Ctrl+C: cancel/clear\n  Ctrl+D: exit\n  Up/Down: history\n  PgUp/PgDn: scroll",
		})
	case cmdClear:
		t.messages = nil
	case cmdCase:
		t.handleCaseCommand(strings.TrimSpace(rest))
	case cmdExit, cmdQuit:
		cleanupCmd := t.cleanup()
		return t, cleanupCmd
	default:
		t.addMessage(Message{
			Role: roleError,
			Text: "Unknown command: " + cmd,
		})
	}
	t.input.Reset()
	t.rebuildViewportContent()
	t.viewport.GotoBottom()
	return t, nil
}

// handleCaseCommand sets or clears the case scope for future turns.
func (t *TUI) handleCaseCommand(arg string) {
	switch {
	case arg == "" && t.caseID == "":
		t.addMessage(Message{Role: roleSystem, Text: "No case scope set. Usage: /case <uuid> or /case off"})
	case arg == "":
		t.addMessage(Message{Role: roleSystem, Text: "Current case scope: " + t.caseID})
	case arg == "off":
		t.caseID = ""
		t.addMessage(Message{Role: roleSystem, Text: "Case scope cleared."})
	default:
		if _, err := uuid.Parse(arg); err != nil {
			t.addMessage(Message{Role: roleError, Text: "Not a case ID: " + arg})
			return
		}
		t.caseID = arg
		t.addMessage(Message{Role: roleSystem, Text: "Scoping retrieval to case " + arg})
	}
}

func (t *TUI) navigateHistory(delta int) (tea.Model, tea.Cmd) {
	if len(t.history) == 0 {
		return t, nil
	}

	t.historyIdx += delta

	if t.historyIdx < 0 {
		t.historyIdx = 0
	}
	if t.historyIdx > len(t.history) {
		t.historyIdx = len(t.history)
	}

	if t.historyIdx == len(t.history) {
		t.input.SetValue("")
	} else {
		t.input.SetValue(t.history[t.historyIdx])
		t.input.CursorEnd()
	}

	return t, nil
}

func (t *TUI) cancelStream() {
	if t.streamCancel != nil {
		t.streamCancel()
		t.streamCancel = nil
	}
}

// cleanup cancels any active stream and returns the quit command.
func (t *TUI) cleanup() tea.Cmd {
	if t.ctxCancel != nil {
		t.ctxCancel()
		t.ctxCancel = nil
	}

	t.cancelStream()
	t.streamEventCh = nil

	return tea.Quit
}
