package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/softiel/chatguard/internal/behavior"
	"github.com/softiel/chatguard/internal/fingerprint"
	"github.com/softiel/chatguard/internal/gate"
	"github.com/softiel/chatguard/internal/responder"
)

const maxBodyBytes = 256 << 10

// SendRequest is the body of POST /api/chat/send.
type SendRequest struct {
	SessionID    string            `json:"sessionId" validate:"required,max=128,printascii"`
	Text         string            `json:"text" validate:"max=20000"`
	Locale       string            `json:"locale" validate:"omitempty,max=35"`
	Signals      json.RawMessage   `json:"signals"`
	FormFields   map[string]string `json:"formFields" validate:"max=32"`
	TimingEvents []behavior.Event  `json:"timingEvents" validate:"max=5000,dive"`
	CaptchaToken string            `json:"captchaToken" validate:"max=4096"`
}

// SendResponse is the public decision plus the assistant's reply.
type SendResponse struct {
	gate.PublicDecision
	Reply *responder.Reply `json:"reply,omitempty"`
}

func (s *server) sendHandler(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	out := s.gate.Send(r.Context(), gate.Request{
		SessionID:    req.SessionID,
		Text:         req.Text,
		Locale:       req.Locale,
		Signals:      signalsFrom(r, req.Signals),
		FormFields:   req.FormFields,
		TimingEvents: req.TimingEvents,
		CaptchaToken: req.CaptchaToken,
	})

	pub := out.Decision.Public()
	if pub.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(pub.RetryAfterSeconds))
	}
	writeJSON(w, statusFor(pub.ReasonCode), SendResponse{PublicDecision: pub, Reply: out.Reply})
}

// statusFor maps the public reason code to an HTTP status.
func statusFor(code gate.ReasonCode) int {
	switch code {
	case gate.ReasonAllowed:
		return http.StatusOK
	case gate.ReasonContentBlocked:
		return http.StatusUnprocessableEntity
	case gate.ReasonCooldownActive, gate.ReasonRateLimited:
		return http.StatusTooManyRequests
	case gate.ReasonUpstreamError:
		return http.StatusBadGateway
	case gate.ReasonInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

type endRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=128,printascii"`
}

func (s *server) endHandler(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.gate.EndSession(r.Context(), req.SessionID); err != nil {
		s.logger.Error("end session", "session", req.SessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to end session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type captchaTokenRequest struct {
	Signals json.RawMessage `json:"signals"`
	Action  string          `json:"action" validate:"omitempty,max=64,printascii"`
}

type captchaTokenResponse struct {
	Success   bool           `json:"success"`
	Token     string         `json:"token,omitempty"`
	RiskLevel gate.RiskLevel `json:"riskLevel"`
}

// captchaTokenHandler scores the widget's signals and hands out a signed
// token when the device looks human enough.
func (s *server) captchaTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req captchaTokenRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	action := req.Action
	if action == "" {
		action = s.gate.Config().CaptchaAction
	}

	rec, err := s.gate.ScoreSignals(r.Context(), signalsFrom(r, req.Signals))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid signals"})
		return
	}
	level := gate.LevelOf(rec.RiskScore)
	if rec.RiskScore > s.gate.Config().FingerprintThreshold {
		writeJSON(w, http.StatusForbidden, captchaTokenResponse{RiskLevel: level})
		return
	}
	writeJSON(w, http.StatusOK, captchaTokenResponse{
		Success:   true,
		Token:     s.issuer.Issue(action, 1-rec.RiskScore),
		RiskLevel: level,
	})
}

// signalsFrom combines the widget payload with what the request itself
// reveals about the client.
func signalsFrom(r *http.Request, payload json.RawMessage) fingerprint.Signals {
	headers := make(map[string]string, len(fingerprint.BrowserHeaders))
	for _, name := range fingerprint.BrowserHeaders {
		if values := r.Header.Values(name); len(values) > 0 {
			headers[name] = values[0]
		}
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if string(payload) == "null" {
		payload = nil
	}
	return fingerprint.Signals{
		Payload:   payload,
		IP:        ip,
		UserAgent: r.Header.Get("User-Agent"),
		Headers:   headers,
		// set by the TLS-terminating proxy, if any
		JA3: r.Header.Get("X-JA3-Hash"),
	}
}
