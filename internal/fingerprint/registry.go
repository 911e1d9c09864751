package fingerprint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry tracks device signatures across sessions. It is keyed by
// signature only; nothing in it belongs to a single session.
type Registry interface {
	Lookup(ctx context.Context, signature string) (Reuse, error)
	Record(ctx context.Context, signature, sessionID string) error
	// Trap notes that source, a client address, was caught by a bot trap
	// while presenting signature.
	Trap(ctx context.Context, signature, source string) error
	// Flag marks signature as abusive outright. It is an operator action.
	Flag(ctx context.Context, signature string) error
}

// maxTrackedSessions bounds the per-signature session set in memory.
const maxTrackedSessions = 1000

type signatureEntry struct {
	sessions map[string]struct{}
	traps    map[string]struct{}
	flagged  bool
	lastSeen time.Time
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*signatureEntry
	ttl     time.Duration
	nowF    func() time.Time
}

// NewMemoryRegistry returns a registry that forgets signatures unseen for ttl.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*signatureEntry),
		ttl:     ttl,
		nowF:    time.Now,
	}
}

func (r *MemoryRegistry) Lookup(_ context.Context, signature string) (Reuse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[signature]
	if !ok || r.expired(e) {
		return Reuse{}, nil
	}
	return Reuse{Sessions: len(e.sessions), TrapSources: len(e.traps), Flagged: e.flagged}, nil
}

func (r *MemoryRegistry) Record(_ context.Context, signature, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(signature)
	if len(e.sessions) < maxTrackedSessions {
		e.sessions[sessionID] = struct{}{}
	}
	return nil
}

func (r *MemoryRegistry) Trap(_ context.Context, signature, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(signature)
	if len(e.traps) < maxTrackedSessions {
		e.traps[source] = struct{}{}
	}
	return nil
}

func (r *MemoryRegistry) Flag(_ context.Context, signature string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entry(signature).flagged = true
	return nil
}

// Sweep drops expired signatures and returns how many were removed.
func (r *MemoryRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for sig, e := range r.entries {
		if r.expired(e) {
			delete(r.entries, sig)
			n++
		}
	}
	return n
}

func (r *MemoryRegistry) entry(signature string) *signatureEntry {
	e, ok := r.entries[signature]
	if !ok || r.expired(e) {
		e = &signatureEntry{sessions: make(map[string]struct{}), traps: make(map[string]struct{})}
		r.entries[signature] = e
	}
	e.lastSeen = r.nowF()
	return e
}

func (r *MemoryRegistry) expired(e *signatureEntry) bool {
	return r.ttl > 0 && r.nowF().Sub(e.lastSeen) > r.ttl
}

// RedisRegistry shares signature reuse across gate instances. Each signature
// has a session set, a trapped-source set and a flag key, all expiring after
// ttl of inactivity.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry returns a registry on client. Keys are namespaced by prefix.
func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) sessionsKey(signature string) string {
	return fmt.Sprintf("%sfp:%s:sessions", r.prefix, signature)
}

func (r *RedisRegistry) trapsKey(signature string) string {
	return fmt.Sprintf("%sfp:%s:traps", r.prefix, signature)
}

func (r *RedisRegistry) flagKey(signature string) string {
	return fmt.Sprintf("%sfp:%s:flagged", r.prefix, signature)
}

func (r *RedisRegistry) Lookup(ctx context.Context, signature string) (Reuse, error) {
	pipe := r.client.Pipeline()
	card := pipe.SCard(ctx, r.sessionsKey(signature))
	traps := pipe.SCard(ctx, r.trapsKey(signature))
	flagged := pipe.Exists(ctx, r.flagKey(signature))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Reuse{}, fmt.Errorf("fingerprint lookup: %w", err)
	}
	return Reuse{Sessions: int(card.Val()), TrapSources: int(traps.Val()), Flagged: flagged.Val() > 0}, nil
}

func (r *RedisRegistry) Record(ctx context.Context, signature, sessionID string) error {
	if err := r.addMember(ctx, r.sessionsKey(signature), sessionID); err != nil {
		return fmt.Errorf("fingerprint record: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Trap(ctx context.Context, signature, source string) error {
	if err := r.addMember(ctx, r.trapsKey(signature), source); err != nil {
		return fmt.Errorf("fingerprint trap: %w", err)
	}
	return nil
}

func (r *RedisRegistry) addMember(ctx context.Context, key, member string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Flag(ctx context.Context, signature string) error {
	if err := r.client.Set(ctx, r.flagKey(signature), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("fingerprint flag: %w", err)
	}
	return nil
}
