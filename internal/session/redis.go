package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// writeScript stores the session only while the caller still owns the lock.
var writeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// RedisStore keeps sessions in Redis so several gate instances share them.
// Each session is one JSON value whose key TTL is the inactivity TTL, and
// Updates are serialized with a SET NX PX lock per session.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	lockTTL   time.Duration
	lockRetry time.Duration
}

// NewRedisStore returns a store on client. lockTTL bounds how long a crashed
// holder can block a session and must exceed the longest Update.
func NewRedisStore(client *redis.Client, prefix string, ttl, lockTTL time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		lockTTL:   lockTTL,
		lockRetry: 20 * time.Millisecond,
	}
}

func (r *RedisStore) key(id string) string     { return r.prefix + "session:" + id }
func (r *RedisStore) lockKey(id string) string { return r.prefix + "session-lock:" + id }

func (r *RedisStore) Get(ctx context.Context, id string) (State, error) {
	if id == "" {
		return State{}, ErrInvalidID
	}
	return r.load(ctx, id)
}

func (r *RedisStore) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := r.Update(ctx, id, now, func(*State) error { return nil })
	return err
}

func (r *RedisStore) Update(ctx context.Context, id string, now time.Time, fn MutateFunc) (State, error) {
	if id == "" {
		return State{}, ErrInvalidID
	}
	token, err := r.lock(ctx, id)
	if err != nil {
		return State{}, err
	}
	// the lock and the write must outlive a client that went away mid-update
	bg := context.WithoutCancel(ctx)
	defer r.unlock(bg, id, token)

	st, err := r.load(ctx, id)
	if err != nil {
		return State{}, err
	}
	if st.IsNew() || st.Expired(now, r.ttl) {
		st = New(id, now)
	}

	if err := fn(&st); err != nil {
		return State{}, err
	}
	st.SessionID = id
	st.LastSeenAt = now

	data, err := json.Marshal(st)
	if err != nil {
		return State{}, fmt.Errorf("encode session: %w", err)
	}
	ok, err := writeScript.Run(bg, r.client, []string{r.lockKey(id), r.key(id)}, token, data, r.ttl.Milliseconds()).Int()
	if err != nil {
		return State{}, fmt.Errorf("store session: %w", err)
	}
	if ok == 0 {
		return State{}, ErrLockLost
	}
	return st, nil
}

func (r *RedisStore) End(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// EvictExpired is a no-op: Redis expires idle sessions through key TTLs.
func (r *RedisStore) EvictExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) load(ctx context.Context, id string) (State, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{SessionID: id}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load session: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode session: %w", err)
	}
	return st, nil
}

func (r *RedisStore) lock(ctx context.Context, id string) (string, error) {
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, r.lockKey(id), token, r.lockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			return token, nil
		}
		t := time.NewTimer(r.lockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

func (r *RedisStore) unlock(ctx context.Context, id, token string) {
	// an expired lock is simply gone; nothing to report
	_ = unlockScript.Run(ctx, r.client, []string{r.lockKey(id)}, token).Err()
}
