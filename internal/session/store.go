package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrLockLost is returned when a session lock expired before the mutation
	// was written back; the mutation is discarded.
	ErrLockLost = errors.New("session: lock lost before write")
	// ErrInvalidID is returned for empty session IDs.
	ErrInvalidID = errors.New("session: empty session id")
)

// MutateFunc changes a session under its lock. Returning an error discards
// the change.
type MutateFunc func(s *State) error

// Store keeps session state. Implementations guarantee at most one Update in
// flight per session ID.
type Store interface {
	// Get returns a copy of the session, or a zero-valued state for an
	// unknown ID.
	Get(ctx context.Context, id string) (State, error)
	// Touch marks the session as seen at now, creating it if needed.
	Touch(ctx context.Context, id string, now time.Time) error
	// Update runs fn on the session under its lock and stores the result with
	// LastSeenAt set to now. It waits for the lock until ctx is done.
	Update(ctx context.Context, id string, now time.Time, fn MutateFunc) (State, error)
	// End drops the session and everything attached to it.
	End(ctx context.Context, id string) error
	// EvictExpired drops sessions idle past the TTL and returns how many went.
	EvictExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweeper is anything else that needs periodic expiry alongside sessions.
type Sweeper interface {
	Sweep() int
}

// RunEvictor calls EvictExpired every interval until ctx is done.
func RunEvictor(ctx context.Context, store Store, every time.Duration, nowF func() time.Time, logger *slog.Logger, sweepers ...Sweeper) error {
	if every <= 0 {
		every = time.Minute
	}
	logger = logger.With("component", "session-evictor")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := store.EvictExpired(ctx, nowF())
			if err != nil {
				logger.Warn("evict expired sessions", "err", err)
				continue
			}
			for _, s := range sweepers {
				n += s.Sweep()
			}
			if n > 0 {
				logger.Debug("evicted expired entries", "count", n)
			}
		}
	}
}
