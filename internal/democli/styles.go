package democli

import (
	"strings"

	"charm.land/lipgloss/v2"
)

// Rezzy teal, matching the web app's brand color.
const rezzyTeal = "#14B8A6"

var rezzyArt = []string{
	" ██████╗ ███████╗███████╗███████╗██╗   ██╗",
	" ██╔══██╗██╔════╝╚══███╔╝╚══███╔╝╚██╗ ██╔╝",
	" ██████╔╝█████╗    ███╔╝   ███╔╝  ╚████╔╝ ",
	" ██╔══██╗██╔══╝   ███╔╝   ███╔╝    ╚██╔╝  ",
	" ██║  ██║███████╗███████╗███████╗   ██║   ",
	" ╚═╝  ╚═╝╚══════╝╚══════╝╚══════╝   ╚═╝   ",
}

// Styles holds the lipgloss styles for the demo terminal.
type Styles struct {
	Banner    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	System    lipgloss.Style
	Error     lipgloss.Style
	Prompt    lipgloss.Style
	StatusBar lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() Styles {
	return Styles{
		Banner:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(rezzyTeal)),
		User:      lipgloss.NewStyle().Bold(true),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(rezzyTeal)),
		System:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		Prompt:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(rezzyTeal)),
		StatusBar: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// RenderBanner returns the start screen header.
func (s Styles) RenderBanner() string {
	var b strings.Builder
	for _, line := range rezzyArt {
		b.WriteString(s.Banner.Render(line))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(s.System.Render("Pediatric questions, answered. Try 3 for free."))
	b.WriteString("\n")
	return b.String()
}
