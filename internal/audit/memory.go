package audit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps the last entries of each session in process. Used when no
// database is configured.
type Memory struct {
	mu         sync.Mutex
	perSession int
	retention  time.Duration
	nowF       func() time.Time
	entries    map[string][]Entry
}

// NewMemory returns a repository keeping up to perSession entries for each
// session, for sessions active within retention.
func NewMemory(perSession int, retention time.Duration) *Memory {
	if perSession <= 0 {
		perSession = 50
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Memory{
		perSession: perSession,
		retention:  retention,
		nowF:       time.Now,
		entries:    make(map[string][]Entry),
	}
}

func (m *Memory) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.entries[e.SessionID], e)
	if len(list) > m.perSession {
		list = list[len(list)-m.perSession:]
	}
	m.entries[e.SessionID] = list
	return nil
}

// Recent returns the newest entries first.
func (m *Memory) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[sessionID]
	out := make([]Entry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// Sweep drops sessions whose newest entry is older than the retention.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.nowF().Add(-m.retention)
	n := 0
	for id, list := range m.entries {
		if len(list) == 0 || list[len(list)-1].CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}
