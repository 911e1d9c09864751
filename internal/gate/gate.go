// Package gate fuses the abuse signals of a chat send into one Decision and
// forwards accepted messages to the assistant.
//
// Stages run in a fixed order and stop at the first rejection:
//
//	honeypot, behavior, content, fingerprint, cooldown, rate limit, CAPTCHA
//
// Only a send that passes every stage consumes quota and resets cooldown
// spacing. The cooldown stage is the one rejection with a side effect: it
// records the violation streak that drives the escalating lockout.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/softiel/chatguard/internal/behavior"
	"github.com/softiel/chatguard/internal/captcha"
	"github.com/softiel/chatguard/internal/content"
	"github.com/softiel/chatguard/internal/cooldown"
	"github.com/softiel/chatguard/internal/fingerprint"
	"github.com/softiel/chatguard/internal/honeypot"
	"github.com/softiel/chatguard/internal/ratelimit"
	"github.com/softiel/chatguard/internal/responder"
	"github.com/softiel/chatguard/internal/session"
)

const (
	DefaultFingerprintThreshold = 0.7
	DefaultBehaviorThreshold    = 0.7
	DefaultCaptchaTimeout       = 4 * time.Second
	DefaultCaptchaAction        = "chat_send"
)

// Request is one send attempt as received from the chat widget.
type Request struct {
	SessionID    string
	Text         string
	Locale       string
	Signals      fingerprint.Signals
	FormFields   map[string]string
	TimingEvents []behavior.Event
	CaptchaToken string
}

// Outcome is the result of Send. Reply is set only for allowed sends.
type Outcome struct {
	Decision Decision
	Reply    *responder.Reply
}

// Observer receives every final decision. Implementations must not block.
type Observer interface {
	ObserveDecision(ctx context.Context, sessionID string, d Decision)
}

// Config holds the thresholds and CAPTCHA settings of the gate.
type Config struct {
	// Scores strictly above a threshold reject.
	FingerprintThreshold float64
	BehaviorThreshold    float64
	CaptchaAction        string
	CaptchaTimeout       time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FingerprintThreshold: DefaultFingerprintThreshold,
		BehaviorThreshold:    DefaultBehaviorThreshold,
		CaptchaAction:        DefaultCaptchaAction,
		CaptchaTimeout:       DefaultCaptchaTimeout,
	}
}

// Deps are the collaborators of a Gate. Registry may be nil.
type Deps struct {
	Store     session.Store
	Honeypot  *honeypot.Detector
	Behavior  *behavior.Analyzer
	Content   *content.Analyzer
	Scorer    *fingerprint.Scorer
	Registry  fingerprint.Registry
	Cooldown  cooldown.Policy
	Limiter   ratelimit.Limiter
	Captcha   captcha.Verifier
	Responder responder.Responder
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.nowF = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithObserver adds a decision observer.
func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observers = append(g.observers, o) }
}

// Gate is the decision orchestrator.
type Gate struct {
	deps      Deps
	cfg       Config
	nowF      func() time.Time
	logger    *slog.Logger
	observers []Observer
}

// New returns a Gate. Zero config fields take their defaults.
func New(deps Deps, cfg Config, opts ...Option) (*Gate, error) {
	if deps.Store == nil || deps.Honeypot == nil || deps.Behavior == nil || deps.Content == nil ||
		deps.Scorer == nil || deps.Captcha == nil || deps.Responder == nil {
		return nil, errors.New("gate: missing dependency")
	}
	def := DefaultConfig()
	if cfg.FingerprintThreshold <= 0 {
		cfg.FingerprintThreshold = def.FingerprintThreshold
	}
	if cfg.BehaviorThreshold <= 0 {
		cfg.BehaviorThreshold = def.BehaviorThreshold
	}
	if cfg.CaptchaAction == "" {
		cfg.CaptchaAction = def.CaptchaAction
	}
	if cfg.CaptchaTimeout <= 0 {
		cfg.CaptchaTimeout = def.CaptchaTimeout
	}

	g := &Gate{deps: deps, cfg: cfg, nowF: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")
	return g, nil
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// verdict is a Decision plus what Send needs to undo an accepted send.
type verdict struct {
	Decision
	committedAt  time.Time
	prevCooldown cooldown.State
}

// Decide evaluates a send attempt and commits it when allowed. It never
// calls the assistant.
func (g *Gate) Decide(ctx context.Context, req Request) Decision {
	v := g.decide(ctx, req)
	g.observe(ctx, req.SessionID, v.Decision)
	return v.Decision
}

// Send decides and, when allowed, forwards the message to the assistant.
// An assistant failure turns the outcome into UPSTREAM_ERROR and gives the
// quota and cooldown spacing back, unless the client went away first.
func (g *Gate) Send(ctx context.Context, req Request) Outcome {
	v := g.decide(ctx, req)
	if !v.Allowed {
		g.observe(ctx, req.SessionID, v.Decision)
		return Outcome{Decision: v.Decision}
	}

	reply, err := g.deps.Responder.Respond(ctx, responder.Request{Text: req.Text, Locale: req.Locale})
	if err == nil {
		g.observe(ctx, req.SessionID, v.Decision)
		return Outcome{Decision: v.Decision, Reply: &reply}
	}

	d := v.Decision
	d.Allowed = false
	d.ReasonCode = ReasonUpstreamError
	d.Diagnostics.Error = err.Error()

	if ctx.Err() != nil {
		g.logger.Info("client left before reply", "session", req.SessionID)
	} else {
		g.logger.Warn("assistant failed", "session", req.SessionID, "err", err)
		if rerr := g.refund(context.WithoutCancel(ctx), req.SessionID, v.committedAt, v.prevCooldown); rerr != nil {
			g.logger.Error("refund failed", "session", req.SessionID, "err", rerr)
		}
	}
	g.observe(ctx, req.SessionID, d)
	return Outcome{Decision: d}
}

func (g *Gate) decide(ctx context.Context, req Request) verdict {
	var diag Diagnostics

	if hp := g.deps.Honeypot.Evaluate(req.FormFields); hp.IsBot {
		diag.HoneypotField = hp.Field
		g.trapSignature(ctx, req)
		d := reject(ReasonHoneypot, diag)
		d.RiskLevel = RiskHigh
		return verdict{Decision: d}
	}

	signature, err := fingerprint.Signature(req.Signals)
	if err != nil {
		return g.internalError(req.SessionID, diag, fmt.Errorf("fingerprint signature: %w", err))
	}
	if signature != "" && req.SessionID != "" {
		if err := g.recordSignature(ctx, signature, req.SessionID); err != nil {
			g.logger.Warn("record signature", "err", err)
		}
	}
	reuse := g.lookupReuse(ctx, signature)

	now := g.nowF()
	var out verdict
	_, err = g.deps.Store.Update(ctx, req.SessionID, now, func(st *session.State) error {
		prev := st.Cooldown
		d, err := g.evaluate(ctx, st, req, now, signature, reuse)
		if err != nil {
			return err
		}
		out = verdict{Decision: d}
		if d.Allowed {
			out.committedAt = now
			out.prevCooldown = prev
		}
		return nil
	})
	if err != nil {
		return g.internalError(req.SessionID, diag, err)
	}

	return out
}

// evaluate runs the stateful stages under the session lock. Rejections
// before the cooldown stage leave the rate window and cooldown state alone.
func (g *Gate) evaluate(ctx context.Context, st *session.State, req Request, now time.Time, signature string, reuse fingerprint.Reuse) (Decision, error) {
	var diag Diagnostics

	st.Behavior = g.deps.Behavior.Observe(st.Behavior, req.TimingEvents)
	diag.BehaviorRisk = st.Behavior.RiskScore
	diag.BehaviorConfidence = st.Behavior.Confidence
	diag.BehaviorReasons = st.Behavior.Reasons
	if st.Behavior.RiskScore > g.cfg.BehaviorThreshold {
		d := reject(ReasonBehaviorSuspicious, diag)
		d.RiskLevel = LevelOf(st.Behavior.RiskScore)
		return d, nil
	}

	cont := g.deps.Content.Analyze(req.Text)
	diag.ContentMatches = cont.Matched
	if !cont.IsSafe {
		d := reject(ReasonContentBlocked, diag)
		d.BlockedReasons = reasonStrings(cont.Reasons)
		d.Suggestions = cont.Suggestions
		return d, nil
	}

	digest := fingerprint.Digest(req.Signals)
	if st.Fingerprint.Fresh(digest, reuse) {
		diag.FingerprintCached = true
	} else {
		rec, err := g.deps.Scorer.Score(req.Signals, reuse)
		if err != nil {
			return Decision{}, fmt.Errorf("score fingerprint: %w", err)
		}
		st.Fingerprint = &rec
	}
	diag.Signature = signature
	diag.FingerprintRisk = st.Fingerprint.RiskScore
	diag.FingerprintReasons = st.Fingerprint.Reasons
	risk := max(st.Fingerprint.RiskScore, st.Behavior.RiskScore)
	if st.Fingerprint.RiskScore > g.cfg.FingerprintThreshold {
		d := reject(ReasonFingerprintSuspicious, diag)
		d.RiskLevel = LevelOf(st.Fingerprint.RiskScore)
		return d, nil
	}

	next, pace := g.deps.Cooldown.Attempt(st.Cooldown, now)
	if !pace.Allowed {
		st.Cooldown = next
		diag.ViolationStreak = next.ViolationStreak
		d := reject(ReasonCooldownActive, diag)
		d.RetryAfter = pace.RetryAfter
		d.RiskLevel = LevelOf(risk)
		return d, nil
	}

	_, rl := g.deps.Limiter.Check(st.RateWindow, now)
	diag.RateRemaining = rl.Remaining
	if !rl.Allowed {
		d := reject(ReasonRateLimited, diag)
		d.RetryAfter = rl.RetryAfter
		d.RiskLevel = LevelOf(risk)
		return d, nil
	}

	res, err := g.verifyCaptcha(ctx, req.CaptchaToken, &diag)
	if err != nil || !res.Success {
		d := reject(ReasonCaptchaFailed, diag)
		d.BlockedReasons = res.ErrorCodes
		d.RiskLevel = LevelOf(risk)
		return d, nil
	}

	st.RateWindow = g.deps.Limiter.Commit(st.RateWindow, now)
	st.Cooldown = g.deps.Cooldown.Accept(st.Cooldown, now)
	return Decision{Allowed: true, ReasonCode: ReasonAllowed, RiskLevel: LevelOf(risk), Diagnostics: diag}, nil
}

// verifyCaptcha bounds the verifier by the CAPTCHA timeout. Any error or
// timeout is a failed check.
func (g *Gate) verifyCaptcha(ctx context.Context, token string, diag *Diagnostics) (captcha.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CaptchaTimeout)
	defer cancel()

	start := time.Now()
	res, err := g.deps.Captcha.Verify(cctx, token, g.cfg.CaptchaAction)
	diag.CaptchaCalled = true
	diag.CaptchaLatency = time.Since(start)
	if err != nil {
		g.logger.Warn("captcha verification unavailable", "err", err)
		diag.CaptchaErrors = []string{"unavailable"}
		diag.Error = err.Error()
		return captcha.Result{}, err
	}
	diag.CaptchaScore = res.Score
	diag.CaptchaErrors = res.ErrorCodes
	return res, nil
}

func (g *Gate) refund(ctx context.Context, sessionID string, at time.Time, prev cooldown.State) error {
	_, err := g.deps.Store.Update(ctx, sessionID, g.nowF(), func(st *session.State) error {
		st.RateWindow = g.deps.Limiter.Refund(st.RateWindow, at)
		// only roll back pacing if nothing was accepted since
		if st.Cooldown.LastMessageAt.Equal(at) {
			st.Cooldown = prev
		}
		return nil
	})
	return err
}

func (g *Gate) lookupReuse(ctx context.Context, signature string) fingerprint.Reuse {
	if g.deps.Registry == nil || signature == "" {
		return fingerprint.Reuse{}
	}
	reuse, err := g.deps.Registry.Lookup(ctx, signature)
	if err != nil {
		g.logger.Warn("signature lookup", "err", err)
		return fingerprint.Reuse{}
	}
	return reuse
}

func (g *Gate) recordSignature(ctx context.Context, signature, sessionID string) error {
	if g.deps.Registry == nil {
		return nil
	}
	return g.deps.Registry.Record(ctx, signature, sessionID)
}

// trapSignature counts a bot-trap hit against the request's signature. Hits
// are counted per client address so one client cannot condemn a signature
// that other devices share.
func (g *Gate) trapSignature(ctx context.Context, req Request) {
	if g.deps.Registry == nil {
		return
	}
	signature, err := fingerprint.Signature(req.Signals)
	if err != nil || signature == "" {
		return
	}
	source := req.Signals.IP
	if source == "" {
		source = "session:" + req.SessionID
	}
	if err := g.deps.Registry.Trap(ctx, signature, source); err != nil {
		g.logger.Warn("trap signature", "err", err)
	}
}

func (g *Gate) internalError(sessionID string, diag Diagnostics, err error) verdict {
	g.logger.Error("decision failed", "session", sessionID, "err", err)
	diag.Error = err.Error()
	return verdict{Decision: reject(ReasonInternalError, diag)}
}

func (g *Gate) observe(ctx context.Context, sessionID string, d Decision) {
	for _, o := range g.observers {
		o.ObserveDecision(ctx, sessionID, d)
	}
}

func reasonStrings(reasons []content.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}
