// ABOUTME: HTTP gateway wiring the session registry, pipeline runner, and routes
// ABOUTME: Owns server lifecycle; graceful shutdown tears down all sessions

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgelab/forge-gateway/internal/config"
	"github.com/forgelab/forge-gateway/internal/pipeline"
	"github.com/forgelab/forge-gateway/internal/session"
)

// Gateway serves the generation API and per-session push channels.
type Gateway struct {
	cfg      *config.Config
	registry *session.Registry
	runner   *pipeline.Runner
	logger   *slog.Logger

	heartbeat     time.Duration
	maxIterations int
}

// New builds a gateway from configuration. Pass nil logger for the default.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	personas, err := pipeline.LoadPersonas(cfg.Pipeline.AgentsFile)
	if err != nil {
		return nil, fmt.Errorf("loading personas: %w", err)
	}

	registry := session.NewRegistry(session.RegistryOptions{
		QueueSize:       cfg.Sessions.QueueSize,
		IdleTimeout:     cfg.Sessions.IdleTimeout,
		CleanupInterval: cfg.Sessions.CleanupInterval,
	}, logger)

	runner := pipeline.NewRunner(pipeline.NewScriptedTeam(personas), pipeline.Options{
		ScoreThreshold: cfg.Pipeline.ScoreThreshold,
		InputTimeout:   cfg.Pipeline.InputTimeout,
	}, logger)

	return &Gateway{
		cfg:           cfg,
		registry:      registry,
		runner:        runner,
		logger:        logger.With("component", "gateway"),
		heartbeat:     cfg.Stream.HeartbeatInterval,
		maxIterations: cfg.Pipeline.MaxIterations,
	}, nil
}

// Handler returns the gateway's routing table. Exposed for tests.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/generate", g.handleGenerate)
	mux.HandleFunc("GET /api/stream/{id}", g.handleStream)
	mux.HandleFunc("GET /api/ws/{id}", g.handleWS)
	mux.HandleFunc("POST /api/input", g.handleInput)
	mux.HandleFunc("POST /api/approve", g.handleApprove)
	mux.HandleFunc("GET /api/status/{id}", g.handleStatus)
	mux.HandleFunc("DELETE /api/session/{id}", g.handleDispose)
	mux.HandleFunc("GET /healthz", g.handleHealthz)

	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully and
// disposes every live session.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    g.cfg.Server.HTTPAddr,
		Handler: g.Handler(),
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		g.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http shutdown", "error", err)
		}
		g.registry.Close()
		return nil
	})

	return eg.Wait()
}
