// Package democli is the terminal front-end for the demo chat flow.
// It is a thin Bubble Tea shell over demo.Runner: the runner owns the
// state machine and the network, the model owns rendering and input.
package democli

import (
	"context"
	"errors"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textarea"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/rezzyhealth/rezzy/internal/demo"
	"github.com/rezzyhealth/rezzy/internal/log"
)

const (
	maxMessages = 100
	// uiEventBuffer absorbs delta bursts between renders.
	uiEventBuffer = 256
)

// Message is one rendered chat line.
type Message struct {
	Role string // "you", "rezzy", "system", "error"
	Text string
}

// Model is the Bubble Tea model for the demo flow.
type Model struct {
	ctx       context.Context
	ctxCancel context.CancelFunc

	runner *demo.Runner
	events chan uiEvent

	input    textarea.Model
	spinner  spinner.Model
	messages []Message
	viewBuf  strings.Builder

	// busy is true while a submit is being handled; input still accepts
	// typing but enter is ignored until the runner settles.
	busy bool

	// leaving is set once a signup redirect is scheduled; the final
	// View shows where to go.
	leaving   bool
	signupURL string

	width  int
	height int
	styles Styles
}

// Config wires a Model to the relay and the local session file.
type Config struct {
	BaseURL     string
	SessionPath string
	Logger      log.Logger
}

// New builds the demo model. The store stays open for the program's
// lifetime; Close it via the returned cleanup.
func New(ctx context.Context, cfg Config) (*Model, func(), error) {
	if cfg.BaseURL == "" {
		return nil, nil, errors.New("democli.New: base URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	store, err := demo.OpenSessionStore(cfg.SessionPath, logger)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan uiEvent, uiEventBuffer)

	runner := demo.NewRunner(demo.RunnerConfig{
		BaseURL: cfg.BaseURL,
		Store:   store,
		Logger:  logger,
		Display: func(text string) {
			events <- uiEvent{message: text}
		},
		Navigate: func(target string, delay time.Duration) {
			events <- uiEvent{navigate: target, delay: delay, hasNavigate: true}
		},
		OnEvent: func() {
			select {
			case events <- uiEvent{repaint: true}:
			default: // a render is already pending
			}
		},
	})

	ta := textarea.New()
	ta.Placeholder = "Ask a pediatric question..."
	ta.SetHeight(1)
	ta.SetWidth(120)
	ta.ShowLineNumbers = false
	plain := textarea.StyleState{
		Base:        lipgloss.NewStyle(),
		Text:        lipgloss.NewStyle(),
		Placeholder: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Prompt:      lipgloss.NewStyle(),
	}
	ta.SetStyles(textarea.Styles{Focused: plain, Blurred: plain})
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	cleanup := func() {
		cancel()
		_ = store.Close()
	}

	return &Model{
		ctx:       ctx,
		ctxCancel: cancel,
		runner:    runner,
		events:    events,
		input:     ta,
		spinner:   sp,
		styles:    DefaultStyles(),
		width:     80,
	}, cleanup, nil
}

func (m *Model) addMessage(msg Message) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.input.Focus(),
		listenForEvents(m.events),
	)
}
