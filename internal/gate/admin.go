package gate

import (
	"context"
	"errors"

	"github.com/softiel/chatguard/internal/fingerprint"
	"github.com/softiel/chatguard/internal/session"
)

// ErrNoRegistry is returned by signature operations when no registry is
// configured.
var ErrNoRegistry = errors.New("gate: no fingerprint registry configured")

// Session returns a copy of the session state.
func (g *Gate) Session(ctx context.Context, id string) (session.State, error) {
	return g.deps.Store.Get(ctx, id)
}

// EndSession drops a session and all of its records.
func (g *Gate) EndSession(ctx context.Context, id string) error {
	return g.deps.Store.End(ctx, id)
}

// FlagSignature marks a device signature as abusive for every session.
func (g *Gate) FlagSignature(ctx context.Context, signature string) error {
	if g.deps.Registry == nil {
		return ErrNoRegistry
	}
	return g.deps.Registry.Flag(ctx, signature)
}

// SignatureReuse reports what the registry knows about a signature.
func (g *Gate) SignatureReuse(ctx context.Context, signature string) (fingerprint.Reuse, error) {
	if g.deps.Registry == nil {
		return fingerprint.Reuse{}, ErrNoRegistry
	}
	return g.deps.Registry.Lookup(ctx, signature)
}

// ScoreSignals scores a signal bundle outside any session, for the widget's
// pre-send check.
func (g *Gate) ScoreSignals(ctx context.Context, s fingerprint.Signals) (fingerprint.Record, error) {
	signature, err := fingerprint.Signature(s)
	if err != nil {
		return fingerprint.Record{}, err
	}
	return g.deps.Scorer.Score(s, g.lookupReuse(ctx, signature))
}
