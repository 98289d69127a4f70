package democli

import (
	"time"

	tea "charm.land/bubbletea/v2"
)

// uiEvent carries runner effects into the Bubble Tea loop. Exactly one
// meaning per event: a repaint request, a message to show, or a signup
// navigation.
type uiEvent struct {
	repaint     bool
	message     string
	navigate    string
	delay       time.Duration
	hasNavigate bool
}

// Bubble Tea message types.
type (
	repaintMsg  struct{}
	displayMsg  struct{ text string }
	navigateMsg struct {
		target string
		delay  time.Duration
	}
	// submitDoneMsg reports that HandleInput returned; the runner's
	// machine has settled into its post-request state.
	submitDoneMsg struct{}
	// redirectNowMsg fires after the navigation delay.
	redirectNowMsg struct{}
)

// listenForEvents waits for the next runner effect.
func listenForEvents(events <-chan uiEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		switch {
		case ev.hasNavigate:
			return navigateMsg{target: ev.navigate, delay: ev.delay}
		case ev.message != "":
			return displayMsg{text: ev.message}
		default:
			return repaintMsg{}
		}
	}
}

// submit runs the blocking demo flow off the UI loop. Stream repaints
// arrive through the event channel while this is in flight.
func (m *Model) submit(input string) tea.Cmd {
	return func() tea.Msg {
		m.runner.HandleInput(m.ctx, input)
		return submitDoneMsg{}
	}
}
