// Package audit keeps a durable trail of gate decisions.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/softiel/chatguard/internal/gate"
)

// Entry is one recorded decision.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   string          `json:"sessionId"`
	ReasonCode  string          `json:"reasonCode"`
	Allowed     bool            `json:"allowed"`
	RetryAfter  time.Duration   `json:"retryAfter"`
	RiskLevel   string          `json:"riskLevel,omitempty"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Repository stores entries.
type Repository interface {
	Insert(ctx context.Context, e Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// Logger is a gate.Observer that writes decisions to a Repository in the
// background. Writes are best effort and bounded by a timeout so a slow
// database never delays a chat reply.
type Logger struct {
	repo    Repository
	timeout time.Duration
	nowF    func() time.Time
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewLogger returns a Logger writing to repo.
func NewLogger(repo Repository, logger *slog.Logger) *Logger {
	return &Logger{
		repo:    repo,
		timeout: 5 * time.Second,
		nowF:    time.Now,
		logger:  logger.With("component", "audit"),
	}
}

func (l *Logger) ObserveDecision(_ context.Context, sessionID string, d gate.Decision) {
	diag, err := json.Marshal(d.Diagnostics)
	if err != nil {
		l.logger.Warn("encode diagnostics", "err", err)
		diag = nil
	}
	e := Entry{
		ID:          uuid.New(),
		SessionID:   sessionID,
		ReasonCode:  string(d.ReasonCode),
		Allowed:     d.Allowed,
		RetryAfter:  d.RetryAfter,
		RiskLevel:   string(d.RiskLevel),
		Diagnostics: diag,
		CreatedAt:   l.nowF().UTC(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := l.repo.Insert(ctx, e); err != nil {
			l.logger.Warn("audit write failed", "session", sessionID, "reason", e.ReasonCode, "err", err)
		}
	}()
}

// Wait blocks until pending writes have finished.
func (l *Logger) Wait() {
	l.wg.Wait()
}
