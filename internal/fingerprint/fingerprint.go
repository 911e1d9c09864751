// Package fingerprint scores device and browser signals for automation risk.
//
// Scoring is pure: Score takes the signal bundle collected for a request and a
// read-only Reuse lookup from the Registry, and returns a Record. Thresholds
// are applied by the caller.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// ErrMalformedSignals is returned when the signal payload is not a JSON object.
var ErrMalformedSignals = errors.New("fingerprint: malformed signal payload")

// Category groups detections by the kind of evidence behind them.
type Category string

const (
	CategoryHeadless    Category = "headless"
	CategoryAutomation  Category = "automation"
	CategoryBot         Category = "bot"
	CategoryFingerprint Category = "fingerprint"
	CategoryDatacenter  Category = "datacenter"
	CategoryReuse       Category = "reuse"
)

// Detection is the result of a single heuristic.
type Detection struct {
	Category   Category `json:"category"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// Signals is everything known about the client for one request. Payload is
// the widget's raw signal JSON; the rest comes from the HTTP request.
type Signals struct {
	Payload   []byte
	IP        string
	UserAgent string
	// Headers holds the first value of each request header, keyed in lower case.
	Headers map[string]string
	// JA3 is the TLS client fingerprint forwarded by the edge proxy, if any.
	JA3 string
}

// Reuse is what the Registry knows about a signature across sessions.
type Reuse struct {
	Sessions int `json:"sessions"`
	// TrapSources counts distinct client addresses caught by a bot trap
	// while presenting the signature.
	TrapSources int  `json:"trapSources"`
	Flagged     bool `json:"flagged"`
}

// Record is the scored fingerprint cached on a session.
type Record struct {
	Signature  string      `json:"signature"`
	Digest     string      `json:"digest"`
	Reuse      Reuse       `json:"reuse"`
	RiskScore  float64     `json:"riskScore"`
	Reasons    []string    `json:"reasons,omitempty"`
	Detections []Detection `json:"detections,omitempty"`
}

// Fresh reports whether r was computed from the same inputs.
func (r *Record) Fresh(digest string, reuse Reuse) bool {
	return r != nil && r.Digest == digest && r.Reuse == reuse
}

// Config tunes the scorer.
type Config struct {
	// ReuseThreshold is the number of sessions sharing one signature above
	// which the signature counts as mass-reused.
	ReuseThreshold int
	// TrapCorroboration is the number of distinct trapped sources at which a
	// signature counts as a known bot. Fewer hits only nudge the score.
	TrapCorroboration int
}

// DefaultConfig returns the production scorer settings.
func DefaultConfig() Config {
	return Config{ReuseThreshold: 20, TrapCorroboration: 3}
}

// Scorer evaluates signal bundles.
type Scorer struct {
	cfg Config
}

// NewScorer returns a Scorer using cfg.
func NewScorer(cfg Config) *Scorer {
	if cfg.ReuseThreshold <= 0 {
		cfg.ReuseThreshold = DefaultConfig().ReuseThreshold
	}
	if cfg.TrapCorroboration <= 0 {
		cfg.TrapCorroboration = DefaultConfig().TrapCorroboration
	}
	return &Scorer{cfg: cfg}
}

// Score runs every heuristic over s and fuses the detections into a risk
// score in [0,1]. Missing signals are neutral.
func (sc *Scorer) Score(s Signals, reuse Reuse) (Record, error) {
	root, err := parse(s.Payload)
	if err != nil {
		return Record{}, err
	}

	env := root.Get("environmental")
	detections := make([]Detection, 0)
	detections = append(detections, detectHeadless(env, s.UserAgent)...)
	detections = append(detections, detectEnvironment(env)...)
	detections = append(detections, checkBrowserConsistency(s.UserAgent, env)...)
	detections = append(detections, checkIPReputation(s.IP)...)
	if s.Headers != nil {
		detections = append(detections, analyzeHeaders(s.Headers)...)
	}
	detections = append(detections, checkJA3(s.JA3)...)

	signature := signatureOf(env)
	if signature != "" {
		detections = append(detections, sc.checkReuse(reuse)...)
	}

	return Record{
		Signature:  signature,
		Digest:     Digest(s),
		Reuse:      reuse,
		RiskScore:  fuse(detections),
		Reasons:    lo.Uniq(lo.Map(detections, func(d Detection, _ int) string { return d.Reason })),
		Detections: detections,
	}, nil
}

// Signature returns the stable device signature for s, or "" if the payload
// carries no identifying signals.
func Signature(s Signals) (string, error) {
	root, err := parse(s.Payload)
	if err != nil {
		return "", err
	}
	return signatureOf(root.Get("environmental")), nil
}

// Digest hashes every input Score depends on except the reuse lookup. Headers
// outside BrowserHeaders are ignored.
func Digest(s Signals) string {
	h := sha256.New()
	h.Write(s.Payload)
	for _, part := range []string{s.IP, s.UserAgent, s.JA3} {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	if s.Headers == nil {
		// header analysis is skipped entirely
		h.Write([]byte{1})
	}
	for _, k := range BrowserHeaders {
		h.Write([]byte{0})
		h.Write([]byte(k))
		if v, ok := s.Headers[k]; ok {
			h.Write([]byte("=" + v))
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (sc *Scorer) checkReuse(reuse Reuse) []Detection {
	var detections []Detection
	switch {
	case reuse.Flagged:
		detections = append(detections, Detection{
			Category:   CategoryReuse,
			Score:      0.9,
			Confidence: 0.9,
			Reason:     "Device signature flagged as abusive",
		})
	case reuse.TrapSources >= sc.cfg.TrapCorroboration:
		detections = append(detections, Detection{
			Category:   CategoryReuse,
			Score:      0.9,
			Confidence: 0.9,
			Reason:     "Device signature caught by bot traps from several addresses",
		})
	case reuse.TrapSources > 0:
		detections = append(detections, Detection{
			Category:   CategoryReuse,
			Score:      0.4,
			Confidence: 0.5,
			Reason:     "Device signature previously caught by a bot trap",
		})
	}
	if reuse.Sessions > sc.cfg.ReuseThreshold {
		detections = append(detections, Detection{
			Category:   CategoryReuse,
			Score:      0.5,
			Confidence: 0.6,
			Reason:     "Device signature shared by many sessions",
		})
	}
	return detections
}

func parse(payload []byte) (gjson.Result, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return gjson.Parse("{}"), nil
	}
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, ErrMalformedSignals
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return gjson.Result{}, ErrMalformedSignals
	}
	return root, nil
}

func signatureOf(env gjson.Result) string {
	components := []string{
		env.Get("canvasHash").String(),
		env.Get("audioHash").String(),
		env.Get("webglInfo.renderer").String(),
		env.Get("webglInfo.vendor").String(),
		env.Get("automationFlags.platform").String(),
		env.Get("automationFlags.hardwareConcurrency").String(),
	}
	if lo.EveryBy(components, func(c string) bool { return c == "" }) {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:8])
}

// fuse combines detections as independent evidence: each contributes
// score*confidence and the result is the probability that at least one holds.
func fuse(detections []Detection) float64 {
	clean := 1.0
	for _, d := range detections {
		p := math.Max(0, math.Min(1, d.Score*d.Confidence))
		clean *= 1 - p
	}
	return math.Max(0, math.Min(1, 1-clean))
}
