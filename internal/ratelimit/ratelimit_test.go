package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLimiter_TenPerHourThenLimited(t *testing.T) {
	l := New(10, time.Hour)
	var w Window

	for i := 0; i < 10; i++ {
		now := t0.Add(time.Duration(i) * time.Minute)
		var res Result
		w, res = l.Check(w, now)
		require.True(t, res.Allowed, "send %d should be allowed", i+1)
		assert.Equal(t, 10-i-1, res.Remaining)
		w = l.Commit(w, now)
	}

	now := t0.Add(30 * time.Minute)
	_, res := l.Check(w, now)
	assert.False(t, res.Allowed)
	assert.Equal(t, 30*time.Minute, res.RetryAfter)
}

func TestLimiter_CheckDoesNotConsume(t *testing.T) {
	l := New(2, time.Minute)
	var w Window

	for i := 0; i < 5; i++ {
		var res Result
		w, res = l.Check(w, t0)
		require.True(t, res.Allowed)
	}
	assert.Empty(t, w.Timestamps)
}

func TestLimiter_BoundaryEntryLeavesWindow(t *testing.T) {
	l := New(1, time.Hour)
	w := l.Commit(Window{}, t0)

	_, res := l.Check(w, t0.Add(time.Hour-time.Nanosecond))
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Nanosecond, res.RetryAfter)

	_, res = l.Check(w, t0.Add(time.Hour))
	assert.True(t, res.Allowed)
}

func TestLimiter_RetryAfterIsExactWait(t *testing.T) {
	l := New(3, 10*time.Minute)
	var w Window
	for i := 0; i < 3; i++ {
		w = l.Commit(w, t0.Add(time.Duration(i)*time.Minute))
	}

	now := t0.Add(4 * time.Minute)
	_, res := l.Check(w, now)
	require.False(t, res.Allowed)

	_, res = l.Check(w, now.Add(res.RetryAfter))
	assert.True(t, res.Allowed)
}

func TestLimiter_QuotaInvariantUnderBursts(t *testing.T) {
	l := New(5, time.Minute)
	var w Window
	var accepted []time.Time

	// try to send every 7 seconds for 10 minutes
	for now := t0; now.Before(t0.Add(10 * time.Minute)); now = now.Add(7 * time.Second) {
		var res Result
		w, res = l.Check(w, now)
		if res.Allowed {
			w = l.Commit(w, now)
			accepted = append(accepted, now)
		}
	}

	for i := range accepted {
		inWindow := 0
		for j := i; j < len(accepted) && accepted[j].Sub(accepted[i]) < time.Minute; j++ {
			inWindow++
		}
		assert.LessOrEqual(t, inWindow, 5)
	}
}

func TestLimiter_Refund(t *testing.T) {
	l := New(2, time.Hour)
	w := l.Commit(Window{}, t0)
	w = l.Commit(w, t0.Add(time.Second))

	w = l.Refund(w, t0.Add(time.Second))
	assert.Equal(t, 1, l.Count(w, t0.Add(2*time.Second)))

	same := l.Refund(w, t0.Add(time.Minute))
	assert.Equal(t, w, same)
}

func TestLimiter_CommitKeepsOrder(t *testing.T) {
	l := New(5, time.Hour)
	w := l.Commit(Window{}, t0.Add(2*time.Second))
	w = l.Commit(w, t0.Add(time.Second))

	require.Len(t, w.Timestamps, 2)
	assert.True(t, w.Timestamps[0].Before(w.Timestamps[1]))
}

func TestWindow_CloneIsIndependent(t *testing.T) {
	w := Window{Timestamps: []time.Time{t0}}
	c := w.Clone()
	c.Timestamps[0] = t0.Add(time.Hour)
	assert.Equal(t, t0, w.Timestamps[0])
}

func TestNew_Defaults(t *testing.T) {
	l := New(0, 0)
	assert.Equal(t, 10, l.Max)
	assert.Equal(t, time.Hour, l.Size)
}
