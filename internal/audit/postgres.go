package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS gate_decisions (
    id             UUID PRIMARY KEY,
    session_id     TEXT NOT NULL,
    reason_code    TEXT NOT NULL,
    allowed        BOOLEAN NOT NULL,
    retry_after_ms BIGINT NOT NULL DEFAULT 0,
    risk_level     TEXT NOT NULL DEFAULT '',
    diagnostics    JSONB,
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS gate_decisions_session_idx ON gate_decisions (session_id, created_at DESC);
`

// Postgres stores entries in the gate_decisions table.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Postgres{Pool: pool}, nil
}

// EnsureSchema creates the table and index if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, e Entry) error {
	query := `
        INSERT INTO gate_decisions (id, session_id, reason_code, allowed, retry_after_ms, risk_level, diagnostics, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	var diag any
	if len(e.Diagnostics) > 0 {
		diag = string(e.Diagnostics)
	}
	_, err := p.Pool.Exec(ctx, query,
		e.ID,
		e.SessionID,
		e.ReasonCode,
		e.Allowed,
		e.RetryAfter.Milliseconds(),
		e.RiskLevel,
		diag,
		e.CreatedAt,
	)
	return err
}

func (p *Postgres) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	query := `
        SELECT id, session_id, reason_code, allowed, retry_after_ms, risk_level, diagnostics, created_at
        FROM gate_decisions
        WHERE session_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `
	rows, err := p.Pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			retryMs int64
			diag    []byte
		)
		err := row.Scan(&e.ID, &e.SessionID, &e.ReasonCode, &e.Allowed, &retryMs, &e.RiskLevel, &diag, &e.CreatedAt)
		e.RetryAfter = time.Duration(retryMs) * time.Millisecond
		e.Diagnostics = diag
		return e, err
	})
}

func (p *Postgres) Close() {
	p.Pool.Close()
}
