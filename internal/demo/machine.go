package demo

import (
	"net/url"
	"strings"
	"time"

	"github.com/rezzyhealth/rezzy/internal/security"
)

// State names the demo flow's position. Exhausted is a sink: once the
// free questions are gone the only way forward is signup.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingEmail State = "awaiting_email"
	StateValidating    State = "validating"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateComplete      State = "complete"
	StateExhausted     State = "exhausted"
)

// SignupPath is where exhausted demo users are sent.
const SignupPath = "/signup"

// redirectDelay gives the exhaustion message time on screen before the
// signup handoff.
const redirectDelay = 2000 * time.Millisecond

// Effect is a side effect the caller must perform after a transition.
// The machine itself never touches the network or the disk.
type Effect interface{ effect() }

// SendChat asks the caller to POST the question to the demo endpoint.
type SendChat struct {
	Email    string
	Question string
}

// Persist asks the caller to store the session locally.
type Persist struct {
	Session Session
}

// Redirect asks the caller to navigate to URL after Delay.
type Redirect struct {
	URL   string
	Delay time.Duration
}

// ShowMessage asks the caller to display text to the user.
type ShowMessage struct {
	Text string
}

func (SendChat) effect()    {}
func (Persist) effect()     {}
func (Redirect) effect()    {}
func (ShowMessage) effect() {}

// Machine is the pure demo state machine. Feed it user submissions and
// server outcomes; it returns the effects to run. Remaining counts come
// exclusively from server responses — the machine never decrements
// locally, so a retried or failed request cannot burn a question.
type Machine struct {
	state     State
	email     string
	remaining int
	// question entered before the email was known, replayed after
	// email collection.
	pendingQuestion string
}

// NewMachine builds a machine from the stored session. A known email
// with questions left skips email collection entirely; a known email
// with none left starts at the sink.
func NewMachine(stored Session) *Machine {
	m := &Machine{state: StateIdle, email: stored.Email, remaining: stored.Remaining}
	if stored.Email != "" && stored.Remaining <= 0 {
		m.state = StateExhausted
	}
	return m
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Email() string  { return m.email }
func (m *Machine) Remaining() int { return m.remaining }

// Submit handles the user pressing send with a question.
func (m *Machine) Submit(input string) []Effect {
	if m.state == StateExhausted {
		// Any interaction at the sink navigates to signup, question or not.
		return []Effect{m.signupRedirect(0)}
	}

	switch m.state {
	case StateIdle, StateComplete:
	default:
		// A question in flight, or an email prompt pending; drop the input.
		return nil
	}

	question := strings.TrimSpace(input)
	if question == "" {
		// An empty submit is a no-op; in particular it never costs a
		// network round trip.
		return nil
	}

	if res := security.ValidateQuestion(question); !res.Valid {
		return []Effect{ShowMessage{Text: res.Error}}
	}

	if m.email == "" {
		m.pendingQuestion = question
		m.state = StateAwaitingEmail
		return []Effect{ShowMessage{Text: "Enter your email to try Rezzy — 3 free questions, no account needed."}}
	}

	m.pendingQuestion = question
	m.state = StateThinking
	return []Effect{SendChat{Email: m.email, Question: question}}
}

// SubmitEmail handles the email prompt. Local format problems bounce
// immediately; domain policy is the server's call and comes back through
// ServerRejected.
func (m *Machine) SubmitEmail(input string) []Effect {
	email := strings.ToLower(strings.TrimSpace(input))
	if !security.ValidateEmailFormat(email) {
		return []Effect{ShowMessage{Text: "Please enter a valid email address"}}
	}

	m.email = email
	m.state = StateValidating
	if m.pendingQuestion == "" {
		m.state = StateIdle
		return nil
	}
	m.state = StateThinking
	return []Effect{SendChat{Email: email, Question: m.pendingQuestion}}
}

// StreamStarted marks the first event of a successful stream.
func (m *Machine) StreamStarted() []Effect {
	m.state = StateStreaming
	return nil
}

// StreamCompleted adopts the server's remaining figure and persists it.
func (m *Machine) StreamCompleted(remaining int) []Effect {
	m.state = StateComplete
	m.remaining = remaining
	m.pendingQuestion = ""
	effects := []Effect{Persist{Session: Session{Email: m.email, Remaining: remaining}}}
	if remaining <= 0 {
		m.state = StateExhausted
	}
	return effects
}

// ServerRejected folds a structured error response from the demo
// endpoint into the flow.
func (m *Machine) ServerRejected(code, message string) []Effect {
	switch code {
	case "invalid_email", "invalid_email_domain":
		// Server-side email policy: back to the prompt with its words.
		m.email = ""
		m.state = StateAwaitingEmail
		return []Effect{ShowMessage{Text: message}}

	case "invalid_question":
		// Treated as a conversational reply, not a failure screen.
		m.state = StateIdle
		m.pendingQuestion = ""
		return []Effect{ShowMessage{Text: message}}

	case "queries_exhausted":
		m.state = StateExhausted
		m.remaining = 0
		m.pendingQuestion = ""
		return []Effect{
			Persist{Session: Session{Email: m.email, Remaining: 0}},
			ShowMessage{Text: message},
			m.signupRedirect(redirectDelay),
		}

	default:
		m.state = StateIdle
		return []Effect{ShowMessage{Text: message}}
	}
}

// StreamFailed handles a transport-level failure mid-stream. The
// question may or may not have been counted server-side; the next
// completion's remaining figure settles it.
func (m *Machine) StreamFailed(message string) []Effect {
	m.state = StateIdle
	return []Effect{ShowMessage{Text: message}}
}

func (m *Machine) signupRedirect(delay time.Duration) Redirect {
	target := SignupPath
	if m.email != "" {
		target += "?email=" + url.QueryEscape(m.email)
	}
	return Redirect{URL: target, Delay: delay}
}
