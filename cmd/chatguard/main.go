// Command chatguard runs the chat abuse gate.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/softiel/chatguard/internal/api"
	"github.com/softiel/chatguard/internal/config"
	"github.com/softiel/chatguard/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chatguard exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	requestTimeout := cfg.ResponderTimeout + cfg.CaptchaTimeout + 2*time.Second
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.Options{
			Gate:           app.gate,
			Issuer:         app.issuer,
			Audit:          app.auditRepo,
			AdminAuth:      app.adminAuth,
			CORSOrigins:    cfg.CORSOrigins(),
			RequestTimeout: requestTimeout,
			Logger:         logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestTimeout + 3*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("chatguard server starting", "port", cfg.Port, "captcha", cfg.CaptchaMode,
			"redis", cfg.RedisURL != "", "audit", cfg.DatabaseURL != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return session.RunEvictor(gctx, app.store, cfg.EvictInterval, time.Now, logger, app.sweepers...)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
