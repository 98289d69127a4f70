package democli

import (
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"

	"github.com/rezzyhealth/rezzy/internal/demo"
)

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(msg.Width - 4)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case repaintMsg:
		// Stream state advanced; View reads the snapshot directly.
		return m, listenForEvents(m.events)

	case displayMsg:
		role := "system"
		if m.runner.State() == demo.StateIdle {
			// invalid_question style replies read as conversation.
			role = "rezzy"
		}
		m.addMessage(Message{Role: role, Text: msg.text})
		return m, listenForEvents(m.events)

	case navigateMsg:
		m.leaving = true
		m.signupURL = msg.target
		if msg.delay == 0 {
			return m, func() tea.Msg { return redirectNowMsg{} }
		}
		return m, tea.Tick(msg.delay, func(time.Time) tea.Msg { return redirectNowMsg{} })

	case redirectNowMsg:
		m.ctxCancel()
		return m, tea.Quit

	case submitDoneMsg:
		m.busy = false
		if st := m.runner.Snapshot(); st.Text != "" {
			m.addMessage(Message{Role: "rezzy", Text: st.Text})
		}
		return m, m.input.Focus()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	k := msg.Key()

	if k.Mod&tea.ModCtrl != 0 {
		switch k.Code {
		case 'c':
			if m.busy {
				m.runner.Stop()
				return m, nil
			}
			m.ctxCancel()
			return m, tea.Quit
		case 'd':
			m.ctxCancel()
			return m, tea.Quit
		}
	}

	switch k.Code {
	case tea.KeyEnter:
		if k.Mod&tea.ModShift != 0 {
			break // newline, fall through to the textarea
		}
		return m.handleSubmit()

	case tea.KeyEscape:
		if m.busy {
			m.runner.Stop()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleSubmit() (tea.Model, tea.Cmd) {
	if m.busy || m.leaving {
		return m, nil
	}
	text := m.input.Value()
	m.input.Reset()

	if strings.TrimSpace(text) != "" {
		m.addMessage(Message{Role: "you", Text: text})
	}

	m.busy = true
	return m, m.submit(text)
}
