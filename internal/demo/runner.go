package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/sse"
	"github.com/rezzyhealth/rezzy/internal/stream"
)

// RunnerConfig wires a Runner to its surroundings. Display and Navigate
// are how machine effects reach the user interface; the Runner itself
// has no opinion about rendering.
type RunnerConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      *SessionStore
	Logger     log.Logger

	// Display shows a message to the user.
	Display func(text string)
	// Navigate sends the user to target after delay.
	Navigate func(target string, delay time.Duration)
	// OnEvent, when set, fires after each applied stream event.
	OnEvent func()
}

// Runner executes the demo state machine's effects: it persists
// sessions, performs the network calls, and folds the response stream.
type Runner struct {
	cfg     RunnerConfig
	machine *Machine

	mu      sync.Mutex
	session *stream.Session
}

// NewRunner loads any stored session and builds the runner around it.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	var stored Session
	if cfg.Store != nil {
		stored = cfg.Store.Load()
	}
	return &Runner{cfg: cfg, machine: NewMachine(stored)}
}

// State returns the machine's current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machine.State()
}

// Remaining returns the last server-reported remaining count.
func (r *Runner) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machine.Remaining()
}

// Snapshot returns the active stream state, or a zero state when no
// stream has run.
func (r *Runner) Snapshot() stream.State {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return stream.State{}
	}
	return session.Snapshot()
}

// HandleInput routes one line of user input to the machine according to
// where the flow stands.
func (r *Runner) HandleInput(ctx context.Context, input string) {
	r.mu.Lock()
	var effects []Effect
	if r.machine.State() == StateAwaitingEmail {
		effects = r.machine.SubmitEmail(input)
	} else {
		effects = r.machine.Submit(input)
	}
	r.mu.Unlock()
	r.run(ctx, effects)
}

// Stop cancels any in-flight stream.
func (r *Runner) Stop() {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

func (r *Runner) run(ctx context.Context, effects []Effect) {
	for _, effect := range effects {
		switch e := effect.(type) {
		case SendChat:
			r.sendChat(ctx, e)
		case Persist:
			if r.cfg.Store == nil {
				continue
			}
			if err := r.cfg.Store.Save(e.Session); err != nil {
				r.cfg.Logger.Warn("persist demo session", "error", err)
			}
		case Redirect:
			if r.cfg.Navigate != nil {
				r.cfg.Navigate(e.URL, e.Delay)
			}
		case ShowMessage:
			if r.cfg.Display != nil {
				r.cfg.Display(e.Text)
			}
		}
	}
}

// sendChat performs the demo chat request synchronously: the caller
// decides whether to run it on a goroutine.
func (r *Runner) sendChat(ctx context.Context, send SendChat) {
	streamCtx, cancel := context.WithCancel(ctx)
	session := stream.NewSession(cancel, false, r.cfg.Logger)
	r.mu.Lock()
	if r.session != nil {
		r.session.Cancel()
	}
	r.session = session
	r.mu.Unlock()

	body, err := json.Marshal(map[string]string{"email": send.Email, "question": send.Question})
	if err != nil {
		cancel()
		r.fail(ctx, session, "Could not encode the request")
		return
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		strings.TrimRight(r.cfg.BaseURL, "/")+"/api/v1/demo/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		r.fail(ctx, session, "Could not reach the server")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		if !session.Cancelled() {
			r.fail(ctx, session, "Connection failed, please try again")
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code, message := decodeRejection(resp)
		session.Cancel()
		r.mu.Lock()
		effects := r.machine.ServerRejected(code, message)
		r.mu.Unlock()
		r.run(ctx, effects)
		return
	}

	r.mu.Lock()
	started := r.machine.StreamStarted()
	r.mu.Unlock()
	r.run(ctx, started)

	r.readStream(ctx, resp.Body, session)
}

func (r *Runner) readStream(ctx context.Context, body io.Reader, session *stream.Session) {
	apply := func(payload []byte) {
		ev, err := sse.Decode(payload)
		if err != nil {
			r.cfg.Logger.Debug("drop malformed frame", "error", err)
			return
		}
		session.Apply(ev)
		if r.cfg.OnEvent != nil {
			r.cfg.OnEvent()
		}
	}

	var scanner sse.Scanner
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, payload := range scanner.Feed(buf[:n]) {
				apply(payload)
			}
		}
		if readErr != nil {
			for _, payload := range scanner.Flush() {
				apply(payload)
			}
			break
		}
		if scanner.Done() {
			break
		}
	}

	if session.Cancelled() {
		return
	}

	st := session.Snapshot()
	switch {
	case st.Err != "":
		r.mu.Lock()
		effects := r.machine.StreamFailed(st.Err)
		r.mu.Unlock()
		r.run(ctx, effects)
	case st.Remaining != nil:
		r.mu.Lock()
		effects := r.machine.StreamCompleted(*st.Remaining)
		r.mu.Unlock()
		r.run(ctx, effects)
	default:
		r.mu.Lock()
		effects := r.machine.StreamFailed("Connection closed before the response finished")
		r.mu.Unlock()
		r.run(ctx, effects)
	}
}

func (r *Runner) fail(ctx context.Context, session *stream.Session, message string) {
	session.Cancel()
	r.mu.Lock()
	effects := r.machine.StreamFailed(message)
	r.mu.Unlock()
	r.run(ctx, effects)
}

// decodeRejection extracts the structured {error, message} body the
// demo endpoint sends for non-200 responses. Anything unparseable maps
// to a generic server error.
func decodeRejection(resp *http.Response) (code, message string) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error, body.Message
	}
	return "server_error", fmt.Sprintf("Server error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
