// Package main implements the retrieval API server.
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

	"github.com/nats-io/nats.go"

	"github.com/taskrecall/recall/engine/app"
	"github.com/taskrecall/recall/engine/index"
	"github.com/taskrecall/recall/pkg/config"
	"github.com/taskrecall/recall/pkg/metrics"
	"github.com/taskrecall/recall/pkg/natsutil"
	"github.com/taskrecall/recall/pkg/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Engine ---
	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer comps.Close()

	// --- NATS (optional) ---
	var notify func(context.Context, index.Completed)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("recall-api"))
		if err != nil {
			logger.Warn("nats unavailable, reindex events disabled", "url", cfg.NATSURL, "error", err)
		} else {
			defer nc.Drain()
			notify = func(ctx context.Context, evt index.Completed) {
				if err := natsutil.Publish(ctx, nc, index.CompletedSubject, evt); err != nil {
					logger.Warn("reindex event publish failed", "error", err)
				}
			}
		}
	}

	// --- HTTP server ---
	s := &server{
		rag:     comps.RAG,
		index:   comps.Index,
		eval:    comps.Eval,
		usage:   comps.Usage,
		metrics: metrics.New(),
		limiter: resilience.NewKeyedLimiter(resilience.LimiterOpts{
			Window: time.Duration(cfg.Server.RateLimitWindowMs) * time.Millisecond,
			Max:    cfg.Server.RateLimitMax,
		}),
		apiKey:     cfg.Server.APIAuthKey,
		corsOrigin: cfg.Server.CORSOrigin,
		notify:     notify,
		logger:     logger,
	}
	if s.apiKey == "" {
		logger.Warn("API_AUTH_KEY not set, /api/llm and /metrics are unauthenticated")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "provider", cfg.LLM.Provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
