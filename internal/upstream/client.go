// Package upstream is the raw streaming client for the model provider's
// HTTP API. The relay needs every stream event in its original shape
// (tool-call argument deltas, reasoning summaries, continuation ids), so
// this client speaks the provider's SSE protocol directly instead of
// going through a chat SDK that flattens events to text.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/sse"
)

// StatusError is a non-2xx response from the provider, carrying enough
// for the relay to map it onto its own error taxonomy.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // zero when the provider sent no hint
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// Config holds the provider connection settings.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	MaxOutputTokens int
}

// Client talks to the provider. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger log.Logger
}

// NewClient builds a provider client. httpClient nil means a default
// client with no overall timeout: stream duration is governed by the
// request context, not a wall clock.
func NewClient(cfg Config, httpClient *http.Client, logger log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Model reports the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Stream opens a streaming generation request. The returned Stream must
// be closed; cancelling ctx aborts the read mid-stream.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	req.Model = c.cfg.Model
	req.Stream = true
	if req.MaxOutputTokens == 0 {
		req.MaxOutputTokens = c.cfg.MaxOutputTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return &Stream{body: resp.Body, logger: c.logger}, nil
}

func statusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		se.RetryAfter = time.Duration(secs) * time.Second
	}

	// The provider's error body is {"error":{"message":...}} but a
	// gateway may return anything; fall back to the status text.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var parsed struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		se.Message = parsed.Error.Message
	} else {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return se
}

// Stream pulls decoded events off an open response body.
type Stream struct {
	body    io.ReadCloser
	scanner sse.Scanner
	pending [][]byte
	logger  log.Logger
	buf     [4096]byte
}

// Next returns the next decoded event. io.EOF means the stream ended
// (via [DONE] or connection close). Malformed frames are skipped with a
// debug log; provider event types we don't know are skipped silently.
func (s *Stream) Next() (Event, error) {
	for {
		for len(s.pending) > 0 {
			payload := s.pending[0]
			s.pending = s.pending[1:]

			ev, err := decodeEvent(payload)
			if err != nil {
				s.logger.Debug("skip malformed upstream frame", "error", err)
				continue
			}
			if ev.Kind == KindIgnored {
				continue
			}
			return ev, nil
		}

		if s.scanner.Done() {
			return Event{}, io.EOF
		}

		n, err := s.body.Read(s.buf[:])
		if n > 0 {
			s.pending = s.scanner.Feed(s.buf[:n])
		}
		if err != nil {
			if tail := s.scanner.Flush(); len(tail) > 0 {
				s.pending = append(s.pending, tail...)
			}
			if len(s.pending) > 0 {
				continue
			}
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// UploadFile forwards one file to the provider's file store and returns
// the provider's file id.
func (c *Client) UploadFile(ctx context.Context, fileName string, content io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("purpose", "user_data"); err != nil {
		return "", fmt.Errorf("write upload field: %w", err)
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("create upload part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("copy upload content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finish upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/files", &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("upload response missing file id")
	}
	return out.ID, nil
}
