package democli

import (
	"fmt"

	tea "charm.land/bubbletea/v2"

	"github.com/rezzyhealth/rezzy/internal/demo"
)

// View implements tea.Model.
func (m *Model) View() tea.View {
	m.viewBuf.Reset()

	m.viewBuf.WriteString(m.styles.RenderBanner())
	m.viewBuf.WriteString("\n")

	for _, msg := range m.messages {
		switch msg.Role {
		case "you":
			m.viewBuf.WriteString(m.styles.User.Render("You> "))
			m.viewBuf.WriteString(msg.Text)
		case "rezzy":
			m.viewBuf.WriteString(m.styles.Assistant.Render("Rezzy> "))
			m.viewBuf.WriteString(msg.Text)
		case "error":
			m.viewBuf.WriteString(m.styles.Error.Render(msg.Text))
		default:
			m.viewBuf.WriteString(m.styles.System.Render(msg.Text))
		}
		m.viewBuf.WriteString("\n\n")
	}

	if m.busy {
		st := m.runner.Snapshot()
		switch {
		case st.Text != "":
			m.viewBuf.WriteString(m.styles.Assistant.Render("Rezzy> "))
			m.viewBuf.WriteString(st.Text)
			m.viewBuf.WriteString("\n\n")
		default:
			m.viewBuf.WriteString(m.spinner.View())
			m.viewBuf.WriteString(" ")
			m.viewBuf.WriteString(m.styles.System.Render(st.Progress.Status))
			m.viewBuf.WriteString("\n\n")
		}
	}

	if m.leaving {
		m.viewBuf.WriteString(m.styles.System.Render("Continue at " + m.signupURL))
		m.viewBuf.WriteString("\n")
	} else {
		m.viewBuf.WriteString(m.styles.Prompt.Render(m.promptLabel()))
		m.viewBuf.WriteString(m.input.View())
		m.viewBuf.WriteString("\n")
		m.viewBuf.WriteString(m.renderStatusBar())
	}

	return tea.NewView(m.viewBuf.String())
}

func (m *Model) promptLabel() string {
	if m.runner.State() == demo.StateAwaitingEmail {
		return "email> "
	}
	return "> "
}

func (m *Model) renderStatusBar() string {
	remaining := m.runner.Remaining()
	label := fmt.Sprintf("%d free questions left", remaining)
	if remaining == 1 {
		label = "1 free question left"
	}
	return m.styles.StatusBar.Render(label + "  ·  enter send · esc cancel · ctrl+d exit")
}
