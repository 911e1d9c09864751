// Package ratelimit implements the per-session sliding-window message quota.
//
// The limiter is stateless: it operates on a Window value owned by the session
// store, so checking and consuming quota are separate steps and a caller can
// reject for other reasons without spending anything.
package ratelimit

import (
	"time"
)

// Window holds the instants of accepted sends inside the trailing window,
// oldest first.
type Window struct {
	Timestamps []time.Time `json:"timestamps"`
}

// Clone returns a copy that does not share the backing array.
func (w Window) Clone() Window {
	if w.Timestamps == nil {
		return Window{}
	}
	ts := make([]time.Time, len(w.Timestamps))
	copy(ts, w.Timestamps)
	return Window{Timestamps: ts}
}

// Result is the outcome of a quota check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces at most Max accepted sends per Size.
type Limiter struct {
	Max  int
	Size time.Duration
}

// New returns a Limiter, falling back to 10 messages per hour for
// non-positive arguments.
func New(maxMessages int, size time.Duration) Limiter {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	if size <= 0 {
		size = time.Hour
	}
	return Limiter{Max: maxMessages, Size: size}
}

// Check purges entries that have aged out of the window and reports whether
// one more send fits. The purged window is returned so the caller can keep
// it; nothing is consumed.
//
// An entry exactly Size old has left the window.
func (l Limiter) Check(w Window, now time.Time) (Window, Result) {
	w = l.purge(w, now)
	count := len(w.Timestamps)

	if count >= l.Max {
		oldest := w.Timestamps[0]
		retry := l.Size - now.Sub(oldest)
		if retry <= 0 {
			retry = time.Nanosecond
		}
		return w, Result{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	// Remaining counts the send being checked as already made.
	return w, Result{Allowed: true, Remaining: l.Max - count - 1}
}

// Commit records an accepted send at now. Callers must have seen an Allowed
// result from Check under the same session lock.
func (l Limiter) Commit(w Window, now time.Time) Window {
	w = l.purge(w, now)
	out := make([]time.Time, 0, len(w.Timestamps)+1)
	out = append(out, w.Timestamps...)
	// keep ordering even if the clock stepped backwards
	i := len(out)
	for i > 0 && out[i-1].After(now) {
		i--
	}
	out = append(out, time.Time{})
	copy(out[i+1:], out[i:])
	out[i] = now
	return Window{Timestamps: out}
}

// Refund removes one committed send recorded at exactly at. It is a no-op
// when no such entry exists.
func (l Limiter) Refund(w Window, at time.Time) Window {
	for i := len(w.Timestamps) - 1; i >= 0; i-- {
		if w.Timestamps[i].Equal(at) {
			out := make([]time.Time, 0, len(w.Timestamps)-1)
			out = append(out, w.Timestamps[:i]...)
			out = append(out, w.Timestamps[i+1:]...)
			return Window{Timestamps: out}
		}
	}
	return w
}

// Count reports how many sends are inside the window at now.
func (l Limiter) Count(w Window, now time.Time) int {
	return len(l.purge(w, now).Timestamps)
}

func (l Limiter) purge(w Window, now time.Time) Window {
	cutoff := now.Add(-l.Size)
	start := 0
	for start < len(w.Timestamps) && !w.Timestamps[start].After(cutoff) {
		start++
	}
	if start == 0 {
		return w
	}
	kept := make([]time.Time, len(w.Timestamps)-start)
	copy(kept, w.Timestamps[start:])
	return Window{Timestamps: kept}
}
