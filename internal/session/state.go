// Package session owns the per-conversation state the gate keeps between
// messages and serializes mutations of it.
package session

import (
	"time"

	"github.com/softiel/chatguard/internal/behavior"
	"github.com/softiel/chatguard/internal/cooldown"
	"github.com/softiel/chatguard/internal/fingerprint"
	"github.com/softiel/chatguard/internal/ratelimit"
)

// State is everything the gate remembers about one session. All of it is
// created, mutated and evicted together.
type State struct {
	SessionID   string              `json:"sessionId"`
	CreatedAt   time.Time           `json:"createdAt"`
	LastSeenAt  time.Time           `json:"lastSeenAt"`
	RateWindow  ratelimit.Window    `json:"rateWindow"`
	Cooldown    cooldown.State      `json:"cooldown"`
	Fingerprint *fingerprint.Record `json:"fingerprint,omitempty"`
	Behavior    behavior.Profile    `json:"behavior"`
}

// New returns the zero-valued state of a session first seen at now.
func New(id string, now time.Time) State {
	return State{SessionID: id, CreatedAt: now, LastSeenAt: now}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.RateWindow = s.RateWindow.Clone()
	s.Behavior = s.Behavior.Clone()
	if s.Fingerprint != nil {
		fp := *s.Fingerprint
		fp.Reasons = append([]string(nil), fp.Reasons...)
		fp.Detections = append([]fingerprint.Detection(nil), fp.Detections...)
		s.Fingerprint = &fp
	}
	return s
}

// IsNew reports whether the state has never been stored.
func (s State) IsNew() bool {
	return s.CreatedAt.IsZero()
}

// Expired reports whether the session has been idle for longer than ttl.
func (s State) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && !s.LastSeenAt.IsZero() && now.Sub(s.LastSeenAt) > ttl
}
