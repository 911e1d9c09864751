package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softiel/chatguard/internal/audit"
	"github.com/softiel/chatguard/internal/auth"
	"github.com/softiel/chatguard/internal/behavior"
	"github.com/softiel/chatguard/internal/captcha"
	"github.com/softiel/chatguard/internal/content"
	"github.com/softiel/chatguard/internal/cooldown"
	"github.com/softiel/chatguard/internal/fingerprint"
	"github.com/softiel/chatguard/internal/gate"
	"github.com/softiel/chatguard/internal/honeypot"
	"github.com/softiel/chatguard/internal/ratelimit"
	"github.com/softiel/chatguard/internal/responder"
	"github.com/softiel/chatguard/internal/session"
)

const (
	chromeUA    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	adminSecret = "admin-secret"
)

var cleanSignals = json.RawMessage(`{
  "environmental": {
    "webdriver": false,
    "canvasHash": "c0ffee12",
    "audioHash": "124.04347527516074",
    "webglInfo": {"vendor": "Google Inc. (NVIDIA)", "renderer": "ANGLE (NVIDIA GeForce RTX 3060)"},
    "navigator": {"platform": "Win32", "maxTouchPoints": 0},
    "automationFlags": {"plugins": 5, "languages": true, "chrome": true, "platform": "Win32", "hardwareConcurrency": 16},
    "headlessIndicators": {"hasOuterDimensions": true, "innerEqualsOuter": false}
  }
}`)

type responderFunc func(context.Context, responder.Request) (responder.Reply, error)

func (f responderFunc) Respond(ctx context.Context, r responder.Request) (responder.Reply, error) {
	return f(ctx, r)
}

type testEnv struct {
	handler http.Handler
	now     time.Time
	respond responderFunc
	tokens  *captcha.TokenVerifier
	audit   *audit.Memory
	logger  *audit.Logger
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		tokens: captcha.NewTokenVerifier("widget-secret"),
		audit:  audit.NewMemory(10, time.Hour),
	}
	env.respond = func(_ context.Context, r responder.Request) (responder.Reply, error) {
		return responder.Reply{Success: true, Text: "Hello! " + r.Text}, nil
	}
	env.logger = audit.NewLogger(env.audit, quiet)

	analyzer, err := content.NewAnalyzer(content.DefaultRules())
	require.NoError(t, err)
	g, err := gate.New(gate.Deps{
		Store:    session.NewMemoryStore(24 * time.Hour),
		Honeypot: honeypot.New(nil),
		Behavior: behavior.NewAnalyzer(behavior.DefaultConfig()),
		Content:  analyzer,
		Scorer:   fingerprint.NewScorer(fingerprint.DefaultConfig()),
		Registry: fingerprint.NewMemoryRegistry(time.Hour),
		Cooldown: cooldown.DefaultPolicy(),
		Limiter:  ratelimit.New(10, time.Hour),
		Captcha:  env.tokens,
		Responder: responderFunc(func(ctx context.Context, r responder.Request) (responder.Reply, error) {
			return env.respond(ctx, r)
		}),
	}, gate.Config{},
		gate.WithClock(func() time.Time { return env.now }),
		gate.WithLogger(quiet),
		gate.WithObserver(env.logger),
	)
	require.NoError(t, err)

	env.handler = NewRouter(Options{
		Gate:      g,
		Issuer:    env.tokens,
		Audit:     env.audit,
		AdminAuth: auth.NewMiddleware(adminSecret),
		Logger:    quiet,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("User-Agent", chromeUA)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/captcha/token", map[string]any{"signals": cleanSignals}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp captchaTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Token
}

func (e *testEnv) send(t *testing.T, text string, mutate func(*SendRequest)) *httptest.ResponseRecorder {
	t.Helper()
	req := SendRequest{
		SessionID:    "sess-1",
		Text:         text,
		Locale:       "en",
		Signals:      cleanSignals,
		FormFields:   map[string]string{"website": ""},
		CaptchaToken: e.token(t),
	}
	if mutate != nil {
		mutate(&req)
	}
	return e.do(t, http.MethodPost, "/api/chat/send", req, nil)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func adminHeader(t *testing.T) http.Header {
	t.Helper()
	tok, err := auth.GenerateToken("ops", auth.ScopeAdmin, adminSecret, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func TestHealth(t *testing.T) {
	rec := newEnv(t).do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSend_Allowed(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t, "Do you ship to Canada?", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "ALLOWED", body["reasonCode"])
	assert.Equal(t, map[string]any{"success": true, "text": "Hello! Do you ship to Canada?"}, body["reply"])
}

func TestSend_Cooldown(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.send(t, "First question", nil).Code)

	env.now = env.now.Add(2 * time.Second)
	rec := env.send(t, "Second question", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	body := decode(t, rec)
	assert.Equal(t, "COOLDOWN_ACTIVE", body["reasonCode"])
	assert.EqualValues(t, 3, body["retryAfterSeconds"])
}

func TestSend_HoneypotIsMasked(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t, "Hi there", func(r *SendRequest) { r.FormFields["website"] = "http://spam.example" })

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"allowed": false, "reasonCode": "REJECTED"}`, rec.Body.String())
}

func TestSend_ContentBlocked(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t, "aaaaaaaaaaaaaaaaaaaaaa buy now buy now buy now", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "CONTENT_BLOCKED", body["reasonCode"])
	assert.Contains(t, body["blockedReasons"], "spam_phrase")
	assert.NotEmpty(t, body["suggestions"])
}

func TestSend_CaptchaRequired(t *testing.T) {
	env := newEnv(t)
	rec := env.send(t, "Hi there", func(r *SendRequest) { r.CaptchaToken = "" })

	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "CAPTCHA_FAILED", body["reasonCode"])
	assert.Equal(t, []any{captcha.CodeMissingToken}, body["blockedReasons"])
}

func TestSend_UpstreamError(t *testing.T) {
	env := newEnv(t)
	env.respond = func(context.Context, responder.Request) (responder.Reply, error) {
		return responder.Reply{}, responder.ErrUpstream
	}
	rec := env.send(t, "Hi there", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UPSTREAM_ERROR", decode(t, rec)["reasonCode"])
}

func TestSend_InvalidRequests(t *testing.T) {
	env := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/send", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/chat/send", map[string]any{"text": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "SendRequest.SessionID: required")

	rec = env.do(t, http.MethodPost, "/api/chat/send", map[string]any{
		"sessionId":    "s",
		"timingEvents": []map[string]any{{"type": "", "timestampMs": 1}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaptchaToken_HeadlessRefused(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodPost, "/api/captcha/token", map[string]any{
		"signals": json.RawMessage(`{"environmental": {"webdriver": true}}`),
	}, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"success": false, "riskLevel": "high"}`, rec.Body.String())
}

func TestCaptchaToken_NotMountedWithoutIssuer(t *testing.T) {
	h := NewRouter(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	req := httptest.NewRequest(http.MethodPost, "/api/captcha/token", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndAndAdmin(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.send(t, "Hi there", nil).Code)
	env.logger.Wait()

	rec := env.do(t, http.MethodGet, "/admin/sessions/sess-1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/sessions/sess-1", nil, adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode(t, rec)
	assert.Equal(t, "sess-1", st["sessionId"])
	signature := st["fingerprint"].(map[string]any)["signature"].(string)

	rec = env.do(t, http.MethodGet, "/admin/sessions/sess-1/decisions?limit=5", nil, adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "ALLOWED", entries[0].ReasonCode)

	rec = env.do(t, http.MethodGet, "/admin/sessions/sess-1/decisions?limit=nope", nil, adminHeader(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/signatures/"+signature+"/flag", nil, adminHeader(t))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/admin/signatures/"+signature, nil, adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["flagged"])

	rec = env.do(t, http.MethodPost, "/api/chat/end", map[string]string{"sessionId": "sess-1"}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/sessions/sess-1", nil, adminHeader(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSend_FingerprintCachedAcrossConnections(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	post := func(text string) {
		t.Helper()
		body, err := json.Marshal(SendRequest{
			SessionID:    "sess-1",
			Text:         text,
			Signals:      cleanSignals,
			CaptchaToken: env.token(t),
		})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/send", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
		req.Header.Set("User-Agent", chromeUA)

		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	post("Hi there")
	env.logger.Wait()
	env.now = env.now.Add(time.Minute)
	post("Could you tell me a bit more about the return policy?")
	env.logger.Wait()

	entries, err := env.audit.Recent(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	cached := func(e audit.Entry) bool {
		var diag gate.Diagnostics
		require.NoError(t, json.Unmarshal(e.Diagnostics, &diag))
		return diag.FingerprintCached
	}
	assert.True(t, cached(entries[0]), "second send reuses the scored fingerprint")
	assert.False(t, cached(entries[1]))
}
