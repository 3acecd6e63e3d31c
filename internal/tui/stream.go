package tui

import (
	"context"
	"fmt"
	"log/slog"

	tea "charm.land/bubbletea/v2"

	"github.com/casewire/casewire/internal/assistant"
)

// streamBufferSize is sized for roughly 1.5s of chunks at a 60 FPS
// refresh rate, so render delays never backpressure the flow.
const streamBufferSize = 100

// streamEvent is a discriminated union for all stream events. A single
// channel with a union type keeps the select logic simple.
type streamEvent struct {
	// Exactly one of these fields is set per event.
	text   string
	output assistant.Output
	err    error
	done   bool
}

type streamStartedMsg struct {
	eventCh <-chan streamEvent
	cancel  context.CancelFunc
}

type streamTextMsg struct {
	text string
}

type streamDoneMsg struct {
	output assistant.Output
}

type streamErrorMsg struct {
	err error
}

// startStream creates a command that launches one assistant turn.
//
// The spawned goroutine exits when the stream completes, the context
// is cancelled, or an error occurs. Channel closure signals completion.
func (t *TUI) startStream(query string) tea.Cmd {
	return func() tea.Msg {
		eventCh := make(chan streamEvent, streamBufferSize)

		ctx, cancel := context.WithTimeout(t.ctx, streamTimeout)

		in := assistant.Input{
			Query:     query,
			SessionID: t.sessionID,
			CaseID:    t.caseID,
		}

		go func() {
			defer cancel()
			defer close(eventCh)

			// Panic recovery prevents a TUI lockup.
			defer func() {
				if r := recover(); r != nil {
					slog.Error("stream panic recovered", "panic", r)
					select {
					case eventCh <- streamEvent{err: fmt.Errorf("stream panic: %v", r)}:
					default:
					}
				}
			}()

			var chunkCount int

			for streamValue, err := range t.flow.Stream(ctx, in) {
				if err != nil {
					select {
					case eventCh <- streamEvent{err: fmt.Errorf("chunk %d: %w", chunkCount, err)}:
					case <-ctx.Done():
					}
					return
				}

				if streamValue.Done {
					select {
					case eventCh <- streamEvent{done: true, output: streamValue.Output}:
					case <-ctx.Done():
					}
					return
				}

				if streamValue.Stream.Text != "" {
					chunkCount++
					select {
					case eventCh <- streamEvent{text: streamValue.Stream.Text}:
					case <-ctx.Done():
						return
					}
				}
			}

			// Guarantee a completion signal if the iterator exits
			// without Done: cancellation, zero chunks, early return.
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("stream ended unexpectedly without completion")
				slog.Warn("stream iterator exited without completion signal")
			}
			select {
			case eventCh <- streamEvent{err: err}:
			default:
			}
		}()

		return streamStartedMsg{
			eventCh: eventCh,
			cancel:  cancel,
		}
	}
}

// listenForStream waits for the next stream event. Empty events are
// skipped via loop rather than recursion.
func listenForStream(eventCh <-chan streamEvent) tea.Cmd {
	return func() tea.Msg {
		if eventCh == nil {
			return nil
		}

		for {
			event, ok := <-eventCh
			if !ok {
				return streamErrorMsg{err: fmt.Errorf("stream ended without completion signal")}
			}

			switch {
			case event.err != nil:
				return streamErrorMsg{err: event.err}
			case event.done:
				return streamDoneMsg{output: event.output}
			case event.text != "":
				return streamTextMsg{text: event.text}
			default:
				continue
			}
		}
	}
}
