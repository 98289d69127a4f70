package democli

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"charm.land/bubbles/v2/textarea"

	"github.com/rezzyhealth/rezzy/internal/demo"
	"github.com/rezzyhealth/rezzy/internal/log"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	store, err := demo.OpenSessionStore(filepath.Join(t.TempDir(), "demo.db"), log.NewNop())
	if err != nil {
		t.Fatalf("OpenSessionStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	runner := demo.NewRunner(demo.RunnerConfig{
		BaseURL: "http://127.0.0.1:0",
		Store:   store,
		Logger:  log.NewNop(),
	})

	ta := textarea.New()
	ta.SetHeight(1)
	ta.ShowLineNumbers = false

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	return &Model{
		ctx:       ctx,
		ctxCancel: cancel,
		runner:    runner,
		events:    make(chan uiEvent, uiEventBuffer),
		input:     ta,
		styles:    DefaultStyles(),
		width:     80,
	}
}

func TestNew_ErrorOnMissingBaseURL(t *testing.T) {
	t.Parallel()

	_, _, err := New(t.Context(), Config{SessionPath: filepath.Join(t.TempDir(), "demo.db")})
	if err == nil {
		t.Error("expected error for missing base URL")
	}
}

func TestNew_OpensAndCleansUp(t *testing.T) {
	t.Parallel()

	m, cleanup, err := New(t.Context(), Config{
		BaseURL:     "http://127.0.0.1:0",
		SessionPath: filepath.Join(t.TempDir(), "demo.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cleanup()

	if m.Init() == nil {
		t.Error("Init should return a command")
	}
}

func TestHandleSubmit_AddsUserMessageAndGoesBusy(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	m.input.SetValue("Is teething supposed to cause a fever?")

	_, cmd := m.handleSubmit()
	if cmd == nil {
		t.Fatal("submit returned no command")
	}
	if !m.busy {
		t.Error("model not busy after submit")
	}
	if len(m.messages) != 1 || m.messages[0].Role != "you" {
		t.Errorf("messages = %+v, want one user line", m.messages)
	}
	if m.input.Value() != "" {
		t.Error("input not cleared on submit")
	}
}

func TestHandleSubmit_IgnoredWhileBusy(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	m.busy = true
	m.input.SetValue("second question before the first finished")

	_, cmd := m.handleSubmit()
	if cmd != nil {
		t.Error("submit while busy should be a no-op")
	}
	if len(m.messages) != 0 {
		t.Errorf("messages = %+v", m.messages)
	}
}

func TestUpdate_DisplayMsg(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	updated, cmd := m.Update(displayMsg{text: "Enter your email to try Rezzy"})
	if cmd == nil {
		t.Error("display should re-listen for events")
	}
	got := updated.(*Model)
	if len(got.messages) != 1 {
		t.Fatalf("messages = %+v", got.messages)
	}
}

func TestUpdate_NavigateMsgSchedulesRedirect(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	updated, cmd := m.Update(navigateMsg{target: "/signup?email=p%40example.com", delay: 2 * time.Second})
	got := updated.(*Model)
	if !got.leaving {
		t.Error("leaving not set")
	}
	if got.signupURL != "/signup?email=p%40example.com" {
		t.Errorf("signupURL = %q", got.signupURL)
	}
	if cmd == nil {
		t.Error("no delayed redirect command scheduled")
	}

	_ = got.View()
	if !strings.Contains(got.viewBuf.String(), "/signup?email=p%40example.com") {
		t.Error("View does not show the signup destination")
	}
}

func TestAddMessage_Bounded(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	for i := 0; i < maxMessages+25; i++ {
		m.addMessage(Message{Role: "you", Text: "q"})
	}
	if len(m.messages) != maxMessages {
		t.Errorf("len(messages) = %d, want %d", len(m.messages), maxMessages)
	}
}
