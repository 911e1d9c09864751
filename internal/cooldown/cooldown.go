// Package cooldown enforces a minimum spacing between accepted messages of a
// session, with an escalating lockout for senders that keep trying too fast.
//
// The tracker is a pure state machine: Attempt and Accept take the current
// State and an injected now and return the next State. Persisting the result
// is the caller's job.
package cooldown

import (
	"time"
)

// Phase is the observable state of a session's pacing.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseCooling Phase = "cooling"
)

// State is the pacing record bound to one session.
type State struct {
	LastMessageAt   time.Time `json:"lastMessageAt"`
	ViolationStreak int       `json:"violationStreak"`
	CooldownUntil   time.Time `json:"cooldownUntil"`
}

// Phase reports whether the session is cooling down at now.
func (s State) Phase(now time.Time) Phase {
	if now.Before(s.CooldownUntil) {
		return PhaseCooling
	}
	return PhaseIdle
}

// Verdict is the result of a send attempt.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Policy holds the pacing parameters.
type Policy struct {
	// MinimumSpacing is the shortest allowed gap between accepted sends.
	MinimumSpacing time.Duration
	// BaseCooldown is multiplied by 2^min(streak, CapExponent) on each violation.
	BaseCooldown time.Duration
	// CapExponent bounds the doubling.
	CapExponent int
	// MaxCooldown bounds a single penalty.
	MaxCooldown time.Duration
}

// DefaultPolicy returns the pacing used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MinimumSpacing: 5 * time.Second,
		BaseCooldown:   time.Second,
		CapExponent:    8,
		MaxCooldown:    10 * time.Minute,
	}
}

// Attempt evaluates a send at now. On a violation the returned State carries
// the incremented streak and the extended lockout; an allowed verdict leaves
// the State untouched until Accept is called.
func (p Policy) Attempt(s State, now time.Time) (State, Verdict) {
	if now.Before(s.CooldownUntil) {
		return p.violate(s, now, s.CooldownUntil)
	}
	if !s.LastMessageAt.IsZero() && now.Sub(s.LastMessageAt) < p.MinimumSpacing {
		return p.violate(s, now, s.LastMessageAt.Add(p.MinimumSpacing))
	}
	return s, Verdict{Allowed: true}
}

// Accept records an accepted send at now.
func (p Policy) Accept(s State, now time.Time) State {
	return State{
		LastMessageAt:   now,
		ViolationStreak: 0,
		CooldownUntil:   now.Add(p.MinimumSpacing),
	}
}

// Penalty returns the lockout applied for the given violation streak.
func (p Policy) Penalty(streak int) time.Duration {
	exp := streak
	if exp > p.CapExponent {
		exp = p.CapExponent
	}
	if exp < 0 {
		exp = 0
	}
	d := p.BaseCooldown
	for i := 0; i < exp; i++ {
		d *= 2
		if p.MaxCooldown > 0 && d >= p.MaxCooldown {
			return p.MaxCooldown
		}
	}
	if p.MaxCooldown > 0 && d > p.MaxCooldown {
		return p.MaxCooldown
	}
	return d
}

func (p Policy) violate(s State, now, blockedUntil time.Time) (State, Verdict) {
	s.ViolationStreak++
	until := now.Add(p.Penalty(s.ViolationStreak))
	if blockedUntil.After(until) {
		until = blockedUntil
	}
	if s.CooldownUntil.After(until) {
		until = s.CooldownUntil
	}
	s.CooldownUntil = until
	return s, Verdict{Allowed: false, RetryAfter: until.Sub(now)}
}
