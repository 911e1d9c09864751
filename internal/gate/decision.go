package gate

import (
	"math"
	"time"
)

// ReasonCode is the single tag carried by every Decision.
type ReasonCode string

const (
	ReasonAllowed               ReasonCode = "ALLOWED"
	ReasonHoneypot              ReasonCode = "HONEYPOT"
	ReasonBehaviorSuspicious    ReasonCode = "BEHAVIOR_SUSPICIOUS"
	ReasonContentBlocked        ReasonCode = "CONTENT_BLOCKED"
	ReasonFingerprintSuspicious ReasonCode = "FINGERPRINT_SUSPICIOUS"
	ReasonCooldownActive        ReasonCode = "COOLDOWN_ACTIVE"
	ReasonRateLimited           ReasonCode = "RATE_LIMITED"
	ReasonCaptchaFailed         ReasonCode = "CAPTCHA_FAILED"
	ReasonUpstreamError         ReasonCode = "UPSTREAM_ERROR"
	ReasonInternalError         ReasonCode = "INTERNAL_ERROR"

	// ReasonRejected is what clients see instead of ReasonHoneypot.
	ReasonRejected ReasonCode = "REJECTED"
)

// RiskLevel is the coarse indicator shown to clients in place of scores.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// LevelOf buckets a risk score.
func LevelOf(score float64) RiskLevel {
	switch {
	case score >= 0.7:
		return RiskHigh
	case score >= 0.3:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Diagnostics carries the raw signals behind a decision. It is for logs,
// audit and admin use and is never sent to the chat client.
type Diagnostics struct {
	HoneypotField      string        `json:"honeypotField,omitempty"`
	BehaviorRisk       float64       `json:"behaviorRisk"`
	BehaviorConfidence float64       `json:"behaviorConfidence"`
	BehaviorReasons    []string      `json:"behaviorReasons,omitempty"`
	ContentMatches     []string      `json:"contentMatches,omitempty"`
	Signature          string        `json:"signature,omitempty"`
	FingerprintRisk    float64       `json:"fingerprintRisk"`
	FingerprintReasons []string      `json:"fingerprintReasons,omitempty"`
	FingerprintCached  bool          `json:"fingerprintCached"`
	ViolationStreak    int           `json:"violationStreak"`
	RateRemaining      int           `json:"rateRemaining"`
	CaptchaCalled      bool          `json:"captchaCalled"`
	CaptchaLatency     time.Duration `json:"captchaLatency,omitempty"`
	CaptchaScore       *float64      `json:"captchaScore,omitempty"`
	CaptchaErrors      []string      `json:"captchaErrors,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// Decision is the verdict for one send attempt.
type Decision struct {
	Allowed        bool
	ReasonCode     ReasonCode
	RetryAfter     time.Duration
	BlockedReasons []string
	Suggestions    []string
	RiskLevel      RiskLevel
	Diagnostics    Diagnostics
}

// PublicDecision is the client-facing JSON form of a Decision.
type PublicDecision struct {
	Allowed           bool       `json:"allowed"`
	ReasonCode        ReasonCode `json:"reasonCode"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
	BlockedReasons    []string   `json:"blockedReasons,omitempty"`
	Suggestions       []string   `json:"suggestions,omitempty"`
	RiskLevel         RiskLevel  `json:"riskLevel,omitempty"`
}

// Public strips everything a client must not see. Honeypot hits become a
// generic rejection and retry hints are rounded up to whole seconds.
func (d Decision) Public() PublicDecision {
	if d.ReasonCode == ReasonHoneypot {
		return PublicDecision{ReasonCode: ReasonRejected}
	}
	p := PublicDecision{
		Allowed:        d.Allowed,
		ReasonCode:     d.ReasonCode,
		BlockedReasons: d.BlockedReasons,
		Suggestions:    d.Suggestions,
	}
	if d.RetryAfter > 0 {
		p.RetryAfterSeconds = int(math.Ceil(d.RetryAfter.Seconds()))
	}
	if d.ReasonCode == ReasonBehaviorSuspicious || d.ReasonCode == ReasonFingerprintSuspicious {
		p.RiskLevel = d.RiskLevel
	}
	return p
}

func reject(code ReasonCode, diag Diagnostics) Decision {
	return Decision{ReasonCode: code, Diagnostics: diag}
}
