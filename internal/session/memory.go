package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	// lock is held by the single Update in flight for this session.
	lock   chan struct{}
	state  State
	stored bool
}

// MemoryStore keeps sessions in process. State is guarded by mu; the
// per-entry lock channel serializes Updates of one session without blocking
// other sessions.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memoryEntry
	ttl      time.Duration

	// afterEvict runs after each eviction candidate, outside mu.
	afterEvict func()
}

// NewMemoryStore returns a store that expires sessions idle for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
	}
}

// Len returns the number of tracked sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) Get(_ context.Context, id string) (State, error) {
	if id == "" {
		return State{}, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || !e.stored {
		return State{SessionID: id}, nil
	}
	return e.state.Clone(), nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := m.Update(ctx, id, now, func(*State) error { return nil })
	return err
}

func (m *MemoryStore) Update(ctx context.Context, id string, now time.Time, fn MutateFunc) (State, error) {
	if id == "" {
		return State{}, ErrInvalidID
	}
	e, err := m.acquire(ctx, id)
	if err != nil {
		return State{}, err
	}
	defer func() { <-e.lock }()

	m.mu.Lock()
	st := New(id, now)
	if e.stored && !e.state.Expired(now, m.ttl) {
		st = e.state.Clone()
	}
	m.mu.Unlock()

	if err := fn(&st); err != nil {
		return State{}, err
	}
	st.SessionID = id
	st.LastSeenAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] != e {
		// ended while fn ran
		return st.Clone(), nil
	}
	e.state = st.Clone()
	e.stored = true
	return st, nil
}

// acquire returns the live entry for id with its lock held.
func (m *MemoryStore) acquire(ctx context.Context, id string) (*memoryEntry, error) {
	for {
		m.mu.Lock()
		e, ok := m.sessions[id]
		if !ok {
			e = &memoryEntry{lock: make(chan struct{}, 1)}
			m.sessions[id] = e
		}
		m.mu.Unlock()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.mu.Lock()
		live := m.sessions[id] == e
		m.mu.Unlock()
		if live {
			return e, nil
		}
		// evicted or ended while waiting
		<-e.lock
	}
}

func (m *MemoryStore) End(_ context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// EvictExpired removes idle sessions. The map lock is held only to collect
// candidates and then once per removal, so request handling keeps going
// during a large sweep. Sessions with an Update in flight are skipped and
// picked up on a later pass.
func (m *MemoryStore) EvictExpired(_ context.Context, now time.Time) (int, error) {
	type candidate struct {
		id string
		e  *memoryEntry
	}

	m.mu.Lock()
	var candidates []candidate
	for id, e := range m.sessions {
		if !e.stored || e.state.Expired(now, m.ttl) {
			candidates = append(candidates, candidate{id, e})
		}
	}
	m.mu.Unlock()

	n := 0
	for _, c := range candidates {
		if m.evict(c.id, c.e, now) {
			n++
		}
		if m.afterEvict != nil {
			m.afterEvict()
		}
	}
	return n, nil
}

// evict removes e if it is still the live, idle entry for id. It reports
// whether a stored session was removed.
func (m *MemoryStore) evict(id string, e *memoryEntry, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[id] != e {
		return false
	}
	select {
	case e.lock <- struct{}{}:
	default:
		return false
	}
	defer func() { <-e.lock }()

	if !e.stored {
		delete(m.sessions, id)
		return false
	}
	if !e.state.Expired(now, m.ttl) {
		return false
	}
	delete(m.sessions, id)
	return true
}
