package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/softiel/chatguard/internal/api"
	"github.com/softiel/chatguard/internal/audit"
	"github.com/softiel/chatguard/internal/auth"
	"github.com/softiel/chatguard/internal/behavior"
	"github.com/softiel/chatguard/internal/captcha"
	"github.com/softiel/chatguard/internal/config"
	"github.com/softiel/chatguard/internal/content"
	"github.com/softiel/chatguard/internal/cooldown"
	"github.com/softiel/chatguard/internal/fingerprint"
	"github.com/softiel/chatguard/internal/gate"
	"github.com/softiel/chatguard/internal/honeypot"
	"github.com/softiel/chatguard/internal/metrics"
	"github.com/softiel/chatguard/internal/ratelimit"
	"github.com/softiel/chatguard/internal/responder"
	"github.com/softiel/chatguard/internal/session"
)

type app struct {
	gate      *gate.Gate
	store     session.Store
	issuer    api.TokenIssuer
	auditRepo audit.Repository
	adminAuth *auth.Middleware
	sweepers  []session.Sweeper
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var registry fingerprint.Registry
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opt)
		a.closers = append(a.closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.store = session.NewRedisStore(client, cfg.RedisPrefix, cfg.SessionTTL, cfg.LockTTL)
		registry = fingerprint.NewRedisRegistry(client, cfg.RedisPrefix, cfg.SignatureTTL)
	} else {
		a.store = session.NewMemoryStore(cfg.SessionTTL)
		mem := fingerprint.NewMemoryRegistry(cfg.SignatureTTL)
		registry = mem
		a.sweepers = append(a.sweepers, mem)
	}

	rules := content.DefaultRules()
	if cfg.ContentRulesFile != "" {
		if rules, err = content.LoadRules(cfg.ContentRulesFile); err != nil {
			return nil, err
		}
	}
	analyzer, err := content.NewAnalyzer(rules)
	if err != nil {
		return nil, err
	}

	verifier, err := buildVerifier(cfg, a)
	if err != nil {
		return nil, err
	}

	var hpOpts []honeypot.Option
	if cfg.HoneypotRequirePresent {
		hpOpts = append(hpOpts, honeypot.RequirePresent())
	}

	opts := []gate.Option{gate.WithLogger(logger)}

	provider, err := metrics.NewProvider(ctx, cfg.OTLPEndpoint, "chatguard", cfg.MetricsInterval)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { shutdownProvider(provider, logger) })
	recorder, err := metrics.NewRecorder(provider)
	if err != nil {
		return nil, err
	}
	opts = append(opts, gate.WithObserver(recorder))

	if cfg.DatabaseURL != "" {
		pg, err := audit.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("audit database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.auditRepo = pg
	} else {
		mem := audit.NewMemory(50, cfg.SessionTTL)
		a.auditRepo = mem
		a.sweepers = append(a.sweepers, mem)
	}
	auditLog := audit.NewLogger(a.auditRepo, logger)
	a.closers = append(a.closers, auditLog.Wait)
	opts = append(opts, gate.WithObserver(auditLog))

	if cfg.AdminJWTSecret != "" {
		a.adminAuth = auth.NewMiddleware(cfg.AdminJWTSecret)
	}

	a.gate, err = gate.New(gate.Deps{
		Store:    a.store,
		Honeypot: honeypot.New(cfg.HoneypotFieldList(), hpOpts...),
		Behavior: behavior.NewAnalyzer(behavior.DefaultConfig()),
		Content:  analyzer,
		Scorer:   fingerprint.NewScorer(fingerprint.Config{ReuseThreshold: cfg.SignatureReuseThreshold}),
		Registry: registry,
		Cooldown: cooldown.Policy{
			MinimumSpacing: cfg.CooldownMinSpacing,
			BaseCooldown:   cfg.CooldownBase,
			CapExponent:    cfg.CooldownCapExponent,
			MaxCooldown:    cfg.CooldownMax,
		},
		Limiter:   ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		Captcha:   verifier,
		Responder: responder.NewHTTP(cfg.ResponderURL, cfg.ResponderTimeout),
	}, gate.Config{
		FingerprintThreshold: cfg.FingerprintThreshold,
		BehaviorThreshold:    cfg.BehaviorThreshold,
		CaptchaAction:        cfg.CaptchaAction,
		CaptchaTimeout:       cfg.CaptchaTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildVerifier(cfg *config.Config, a *app) (captcha.Verifier, error) {
	var v captcha.Verifier
	switch cfg.CaptchaMode {
	case config.CaptchaToken:
		tv := captcha.NewTokenVerifier(cfg.CaptchaSecret)
		a.issuer = tv
		a.sweepers = append(a.sweepers, tv)
		v = tv
	case config.CaptchaHTTP:
		v = captcha.NewHTTPVerifier(cfg.CaptchaVerifyURL, cfg.CaptchaSecret, cfg.CaptchaTimeout)
	case config.CaptchaDisabled:
		return captcha.Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown captcha mode %q", cfg.CaptchaMode)
	}
	if cfg.CaptchaMinScore > 0 {
		v = captcha.MinScore{Next: v, Min: cfg.CaptchaMinScore}
	}
	return v, nil
}

func shutdownProvider(p *sdkmetric.MeterProvider, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn("metrics shutdown", "err", err)
	}
}
