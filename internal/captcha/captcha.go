// Package captcha verifies CAPTCHA tokens submitted with chat messages.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes reported in Result.ErrorCodes.
const (
	CodeMissingToken   = "missing-input-response"
	CodeInvalidToken   = "invalid-input-response"
	CodeExpired        = "timeout-or-duplicate"
	CodeBadSignature   = "bad-signature"
	CodeActionMismatch = "action-mismatch"
	CodeScoreTooLow    = "score-too-low"
)

// ErrUnavailable wraps failures to reach the verification service.
var ErrUnavailable = errors.New("captcha: verification service unavailable")

// Result is a verification outcome. Score is nil when the service does not
// score tokens.
type Result struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	ErrorCodes []string `json:"errorCodes,omitempty"`
}

// Verifier checks a token for an action. An error means no verdict could be
// reached; callers fail closed.
type Verifier interface {
	Verify(ctx context.Context, token, action string) (Result, error)
}

// HTTPVerifier calls a remote verification API.
type HTTPVerifier struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPVerifier returns a verifier posting to url. secret, when set, is
// sent as a bearer token.
func NewHTTPVerifier(url, secret string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &HTTPVerifier{
		url:     url,
		secret:  secret,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type verifyRequest struct {
	Token  string `json:"token"`
	Action string `json:"action"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token, action string) (Result, error) {
	if token == "" {
		return Result{ErrorCodes: []string{CodeMissingToken}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(verifyRequest{Token: token, Action: action})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.secret != "" {
		req.Header.Set("Authorization", "Bearer "+v.secret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return result, nil
}

// MinScore rejects successful results scored below Min. Unscored results
// pass through unchanged.
type MinScore struct {
	Next Verifier
	Min  float64
}

func (m MinScore) Verify(ctx context.Context, token, action string) (Result, error) {
	r, err := m.Next.Verify(ctx, token, action)
	if err != nil || !r.Success || r.Score == nil {
		return r, err
	}
	if *r.Score < m.Min {
		r.Success = false
		r.ErrorCodes = append(r.ErrorCodes, CodeScoreTooLow)
	}
	return r, nil
}

// Disabled accepts every token. For local development only.
type Disabled struct{}

func (Disabled) Verify(context.Context, string, string) (Result, error) {
	return Result{Success: true}, nil
}
