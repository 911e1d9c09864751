package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(24 * time.Hour),
		"redis":  NewRedisStore(client, "test:", 24*time.Hour, 5*time.Second),
	}
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			st, err := s.Get(ctx, "abc")
			require.NoError(t, err)
			assert.True(t, st.IsNew())
			assert.Equal(t, "abc", st.SessionID)

			st, err = s.Update(ctx, "abc", t0, func(st *State) error {
				st.Cooldown.ViolationStreak = 2
				return nil
			})
			require.NoError(t, err)
			assert.True(t, st.CreatedAt.Equal(t0))
			assert.True(t, st.LastSeenAt.Equal(t0))

			later := t0.Add(time.Minute)
			require.NoError(t, s.Touch(ctx, "abc", later))

			st, err = s.Get(ctx, "abc")
			require.NoError(t, err)
			assert.True(t, st.CreatedAt.Equal(t0))
			assert.True(t, st.LastSeenAt.Equal(later))
			assert.Equal(t, 2, st.Cooldown.ViolationStreak)

			require.NoError(t, s.End(ctx, "abc"))
			st, err = s.Get(ctx, "abc")
			require.NoError(t, err)
			assert.True(t, st.IsNew())
		})
	}
}

func TestStore_FailedMutationIsDiscarded(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Update(ctx, "abc", t0, func(st *State) error {
				st.Cooldown.ViolationStreak = 1
				return nil
			})
			require.NoError(t, err)

			_, err = s.Update(ctx, "abc", t0.Add(time.Second), func(st *State) error {
				st.Cooldown.ViolationStreak = 99
				return boom
			})
			assert.ErrorIs(t, err, boom)

			st, err := s.Get(ctx, "abc")
			require.NoError(t, err)
			assert.Equal(t, 1, st.Cooldown.ViolationStreak)
			assert.True(t, st.LastSeenAt.Equal(t0))
		})
	}
}

func TestStore_UpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, "abc", t0, func(st *State) error {
						seen := st.Behavior.Events
						time.Sleep(time.Millisecond)
						st.Behavior.Events = seen + 1
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			st, err := s.Get(ctx, "abc")
			require.NoError(t, err)
			assert.Equal(t, n, st.Behavior.Events)
		})
	}
}

func TestStore_LockWaitHonorsContext(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			held := make(chan struct{})
			release := make(chan struct{})
			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _ = s.Update(context.Background(), "abc", t0, func(*State) error {
					close(held)
					<-release
					return nil
				})
			}()
			<-held

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err := s.Update(ctx, "abc", t0, func(*State) error { return nil })
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			_, err = s.Update(context.Background(), "other", t0, func(*State) error { return nil })
			assert.NoError(t, err, "other sessions are not blocked")

			close(release)
			<-done
		})
	}
}

func TestStore_EmptyID(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidID)
			_, err = s.Update(ctx, "", t0, func(*State) error { return nil })
			assert.ErrorIs(t, err, ErrInvalidID)
			assert.ErrorIs(t, s.End(ctx, ""), ErrInvalidID)
		})
	}
}

func TestMemoryStore_EvictExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	require.NoError(t, s.Touch(ctx, "old", t0))
	require.NoError(t, s.Touch(ctx, "fresh", t0.Add(50*time.Minute)))

	n, err := s.EvictExpired(ctx, t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())

	st, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, st.IsNew())
}

func TestMemoryStore_EvictionSkipsBusySessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	require.NoError(t, s.Touch(ctx, "busy", t0))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Update(ctx, "busy", t0, func(*State) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	n, err := s.EvictExpired(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(release)
	<-done
	n, err = s.EvictExpired(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_EvictionDoesNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	for i := range 1000 {
		require.NoError(t, s.Touch(ctx, fmt.Sprintf("idle-%d", i), t0))
	}
	later := t0.Add(2 * time.Hour)

	var once sync.Once
	s.afterEvict = func() {
		once.Do(func() {
			updated := make(chan error, 1)
			go func() {
				_, err := s.Update(ctx, "live", later, func(*State) error { return nil })
				updated <- err
			}()
			select {
			case err := <-updated:
				assert.NoError(t, err)
			case <-time.After(time.Second):
				t.Error("update waited for the eviction sweep")
			}
		})
	}

	n, err := s.EvictExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	st, err := s.Get(ctx, "live")
	require.NoError(t, err)
	assert.False(t, st.IsNew())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ExpiredSessionStartsOver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	_, err := s.Update(ctx, "abc", t0, func(st *State) error {
		st.Cooldown.ViolationStreak = 3
		return nil
	})
	require.NoError(t, err)

	later := t0.Add(2 * time.Hour)
	st, err := s.Update(ctx, "abc", later, func(*State) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, st.Cooldown.ViolationStreak)
	assert.Equal(t, later, st.CreatedAt)
}

func TestRedisStore_TTLAndLockLoss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, "test:", time.Hour, time.Second)

	require.NoError(t, s.Touch(ctx, "abc", t0))
	assert.Equal(t, time.Hour, mr.TTL("test:session:abc"))
	assert.False(t, mr.Exists("test:session-lock:abc"))

	_, err := s.Update(ctx, "abc", t0, func(st *State) error {
		mr.FastForward(2 * time.Second)
		st.Cooldown.ViolationStreak = 5
		return nil
	})
	assert.ErrorIs(t, err, ErrLockLost)

	mr.FastForward(2 * time.Hour)
	st, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, st.IsNew())
}

func TestRunEvictor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemoryStore(time.Hour)
	require.NoError(t, s.Touch(ctx, "abc", t0))

	errc := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		errc <- RunEvictor(ctx, s, 5*time.Millisecond, func() time.Time { return t0.Add(2 * time.Hour) }, logger)
	}()

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-errc)
}

func TestState_CloneIsDeep(t *testing.T) {
	st := New("abc", t0)
	st.RateWindow.Timestamps = []time.Time{t0}
	st.Behavior.Reasons = []string{"x"}

	c := st.Clone()
	c.RateWindow.Timestamps[0] = t0.Add(time.Hour)
	c.Behavior.Reasons[0] = "y"

	assert.Equal(t, t0, st.RateWindow.Timestamps[0])
	assert.Equal(t, "x", st.Behavior.Reasons[0])
}
