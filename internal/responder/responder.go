// Package responder calls the external assistant that answers accepted
// chat messages.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUpstream marks failures of the assistant service itself.
var ErrUpstream = errors.New("responder: upstream failure")

// Request is what the assistant receives.
type Request struct {
	Text   string `json:"text"`
	Locale string `json:"locale,omitempty"`
}

// Reply is the assistant's answer, passed through to the client unmodified.
type Reply struct {
	Success     bool   `json:"success"`
	Text        string `json:"text,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Responder produces assistant replies.
type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// HTTPResponder posts requests to an assistant endpoint.
type HTTPResponder struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTP returns a responder for url with a per-call timeout.
func NewHTTP(url string, timeout time.Duration) *HTTPResponder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPResponder{url: url, timeout: timeout, client: &http.Client{}}
}

// Respond wraps ErrUpstream around transport failures, timeouts, non-2xx
// statuses and replies with success=false. A canceled parent context is
// returned as is.
func (h *HTTPResponder) Respond(parent context.Context, r Request) (Reply, error) {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	body, err := json.Marshal(r)
	if err != nil {
		return Reply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if parent.Err() != nil {
			// caller went away; not the assistant's fault
			return Reply{}, parent.Err()
		}
		return Reply{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reply{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("%w: decode reply: %w", ErrUpstream, err)
	}
	if !reply.Success {
		return reply, fmt.Errorf("%w: %s", ErrUpstream, reply.ErrorReason)
	}
	return reply, nil
}
