// Package behavior estimates how human a chat session looks from interaction
// timing: page load to first interaction, keystroke rhythm and pointer
// activity before submission.
package behavior

import (
	"math"
	"sort"
)

// EventType names a timing event reported by the chat widget.
type EventType string

const (
	EventLoad        EventType = "load"
	EventKeydown     EventType = "keydown"
	EventPointerMove EventType = "pointermove"
	EventClick       EventType = "click"
	EventPaste       EventType = "paste"
	EventSubmit      EventType = "submit"
)

// Event is one timing observation.
type Event struct {
	Type        EventType `json:"type" validate:"required,max=32"`
	TimestampMs int64     `json:"timestampMs" validate:"gte=0"`
}

// Profile is the running per-session summary. It only holds aggregates, so
// its size does not grow with the number of observed events.
type Profile struct {
	Events       int   `json:"events"`
	Loaded       bool  `json:"loaded"`
	LoadAtMs     int64 `json:"loadAtMs"`
	HasInput     bool  `json:"hasInput"`
	FirstInputMs int64 `json:"firstInputMs"`
	LastKeyMs    int64 `json:"lastKeyMs"`

	// keystroke interval statistics (Welford)
	KeyIntervals int     `json:"keyIntervals"`
	KeyMean      float64 `json:"keyMean"`
	KeyM2        float64 `json:"keyM2"`

	Keystrokes       int  `json:"keystrokes"`
	Pastes           int  `json:"pastes"`
	PointerMoves     int  `json:"pointerMoves"`
	PointerSinceSend int  `json:"pointerSinceSend"`
	Submits          int  `json:"submits"`
	BlindSubmits     int  `json:"blindSubmits"`
	FastFirstInput   bool `json:"fastFirstInput"`

	Confidence float64  `json:"confidence"`
	RiskScore  float64  `json:"riskScore"`
	Reasons    []string `json:"reasons,omitempty"`
}

// KeyStdDev returns the standard deviation of keystroke intervals in ms.
func (p Profile) KeyStdDev() float64 {
	if p.KeyIntervals < 2 {
		return 0
	}
	return math.Sqrt(p.KeyM2 / float64(p.KeyIntervals-1))
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	if p.Reasons != nil {
		p.Reasons = append([]string(nil), p.Reasons...)
	}
	return p
}

// Config holds the analyzer thresholds.
type Config struct {
	// MinEvents is the amount of data below which a session is unknown, not suspicious.
	MinEvents int
	// MinFirstInputMs is the fastest plausible page-load to first-interaction delay.
	MinFirstInputMs int64
	// MinKeyStdDevMs is the keystroke rhythm variation expected from a person.
	MinKeyStdDevMs float64
	// MinKeyMeanMs is the fastest plausible average keystroke interval.
	MinKeyMeanMs float64
	// ConfidentEvidence is the amount of natural evidence that yields full confidence.
	ConfidentEvidence float64
	// MaxIntervalMs ignores pauses longer than this when measuring rhythm.
	MaxIntervalMs int64
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MinEvents:         8,
		MinFirstInputMs:   300,
		MinKeyStdDevMs:    10,
		MinKeyMeanMs:      30,
		ConfidentEvidence: 40,
		MaxIntervalMs:     2000,
	}
}

// Analyzer folds timing events into a Profile.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer returns an Analyzer using cfg.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Observe folds events into p and recomputes its scores. Events are applied
// in timestamp order; unknown event types are ignored.
func (a *Analyzer) Observe(p Profile, events []Event) Profile {
	p = p.Clone()
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimestampMs < sorted[j].TimestampMs })

	for _, ev := range sorted {
		a.fold(&p, ev)
	}
	a.score(&p)
	return p
}

func (a *Analyzer) fold(p *Profile, ev Event) {
	switch ev.Type {
	case EventLoad:
		p.Loaded = true
		p.LoadAtMs = ev.TimestampMs
	case EventKeydown:
		a.markInput(p, ev)
		if p.Keystrokes > 0 {
			interval := ev.TimestampMs - p.LastKeyMs
			if interval > 0 && interval <= a.cfg.MaxIntervalMs {
				p.KeyIntervals++
				delta := float64(interval) - p.KeyMean
				p.KeyMean += delta / float64(p.KeyIntervals)
				p.KeyM2 += delta * (float64(interval) - p.KeyMean)
			}
		}
		p.Keystrokes++
		p.LastKeyMs = ev.TimestampMs
	case EventPointerMove, EventClick:
		a.markInput(p, ev)
		p.PointerMoves++
		p.PointerSinceSend++
	case EventPaste:
		a.markInput(p, ev)
		p.Pastes++
	case EventSubmit:
		p.Submits++
		if p.PointerSinceSend == 0 {
			p.BlindSubmits++
		}
		p.PointerSinceSend = 0
	default:
		return
	}
	p.Events++
}

func (a *Analyzer) markInput(p *Profile, ev Event) {
	if p.HasInput {
		return
	}
	p.HasInput = true
	p.FirstInputMs = ev.TimestampMs
	if !p.Loaded {
		return
	}
	if ev.TimestampMs-p.LoadAtMs < a.cfg.MinFirstInputMs {
		p.FastFirstInput = true
	}
}

func (a *Analyzer) score(p *Profile) {
	var suspicion float64
	var reasons []string

	if p.FastFirstInput {
		suspicion += 0.5
		reasons = append(reasons, "first interaction too soon after page load")
	}

	naturalRhythm := false
	if p.KeyIntervals >= 10 {
		if p.KeyStdDev() < a.cfg.MinKeyStdDevMs {
			suspicion += 0.6
			reasons = append(reasons, "keystroke timing unnaturally uniform")
		} else {
			naturalRhythm = true
		}
		if p.KeyMean < a.cfg.MinKeyMeanMs {
			suspicion += 0.5
			reasons = append(reasons, "typing speed impossibly fast")
		}
	}

	if p.Submits > 0 && p.BlindSubmits == p.Submits && p.PointerMoves == 0 {
		suspicion += 0.3
		reasons = append(reasons, "no pointer movement before submission")
	}

	if p.Pastes > 0 && p.Keystrokes < 5 && p.PointerMoves == 0 {
		suspicion += 0.2
		reasons = append(reasons, "message entered by paste only")
	}

	// Only variance-bearing evidence builds confidence.
	evidence := float64(p.PointerMoves) / 4
	if naturalRhythm {
		evidence += float64(p.KeyIntervals)
	}
	p.Confidence = math.Min(1, evidence/a.cfg.ConfidentEvidence)

	if p.Events < a.cfg.MinEvents {
		p.RiskScore = 0
		p.Reasons = nil
		return
	}
	p.RiskScore = math.Min(1, suspicion) * (1 - p.Confidence)
	p.Reasons = reasons
}
