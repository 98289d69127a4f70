package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rezzyhealth/rezzy/internal/relay"
)

// uploadAttemptTimeout bounds each individual attempt; backoff governs
// the gaps between them.
const uploadAttemptTimeout = 30 * time.Second

// uploadMaxRetries is additional attempts after the first.
const uploadMaxRetries = 2

// Upload describes one file accepted by the relay.
type Upload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	FileName       string `json:"fileName"`
	MimeType       string `json:"mimeType"`
	SizeBytes      int64  `json:"sizeBytes"`
	FileID         string `json:"fileId"`
}

// FileUpload describes one file to send.
type FileUpload struct {
	Name     string
	MimeType string
	Content  []byte
}

// UploadResult is the outcome of an UploadFiles batch. ConversationID
// is the thread every file landed in; a send that follows reuses it.
type UploadResult struct {
	FileIDs        []string
	ConversationID string
}

// UploadFiles sends a batch of files, resolving the conversation once:
// the first upload may create it, every later one reuses it. On failure
// the partial result is returned alongside the error so the caller
// knows which files made it.
func (o *Orchestrator) UploadFiles(ctx context.Context, files []FileUpload) (*UploadResult, error) {
	o.mu.Lock()
	convID := o.conversationID
	o.mu.Unlock()

	res := &UploadResult{ConversationID: convID}
	for _, f := range files {
		up, err := o.UploadFile(ctx, res.ConversationID, f.Name, f.MimeType, f.Content)
		if err != nil {
			return res, err
		}
		res.FileIDs = append(res.FileIDs, up.FileID)
		if res.ConversationID == "" {
			res.ConversationID = up.ConversationID
			o.mu.Lock()
			if o.conversationID == "" {
				o.conversationID = up.ConversationID
			}
			o.mu.Unlock()
		}
	}
	return res, nil
}

// UploadFile validates locally and sends one file to the relay,
// retrying rate-limit-class failures with exponential backoff. Client
// validation mirrors the server's, so a rejected file never costs a
// round trip.
func (o *Orchestrator) UploadFile(ctx context.Context, conversationID, fileName, mimeType string, content []byte) (*Upload, error) {
	name := filepath.Base(fileName)
	if err := relay.ValidateUpload(name, mimeType, int64(len(content))); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	var uploaded *Upload
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, uploadAttemptTimeout)
		defer cancel()

		up, err := o.uploadOnce(attemptCtx, conversationID, name, mimeType, content)
		if err != nil {
			if !retryableUpload(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		uploaded = up
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uploadMaxRetries), ctx)); err != nil {
		return nil, err
	}
	return uploaded, nil
}

func (o *Orchestrator) uploadOnce(ctx context.Context, conversationID, fileName, mimeType string, content []byte) (*Upload, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if conversationID != "" {
		if err := mw.WriteField("conversationId", conversationID); err != nil {
			return nil, fmt.Errorf("write field: %w", err)
		}
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("write part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint("/api/v1/uploads"), &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.Token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: DecodeErrorResponse(resp)}
	}

	var up Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &up, nil
}

// retryableUpload reports whether the failure is transient: rate
// limiting, server-side errors, or transport problems. Validation and
// auth failures are permanent.
func retryableUpload(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}
