package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/middleware"
	"gitlab.com/timkado/api/event-context-agent/pkg/safego"
)

// routes mounts every endpoint on the mux.
func (a *App) routes(ctx context.Context) {
	contextIDMiddleware := middleware.ContextIDMiddleware(string(a.contextID))
	base := func(h http.Handler) http.Handler {
		return middleware.RequestIDMiddleware(contextIDMiddleware(h))
	}

	healthHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"OK"}`)
	})
	a.httpServeMux.Handle("GET /health", base(healthHandler))
	a.httpServeMux.Handle("GET /ready", base(http.HandlerFunc(a.readyHandler)))

	a.httpServeMux.Handle("GET /metrics", base(promhttp.Handler()))
	a.logger.Info(ctx, "Prometheus metrics endpoint registered at /metrics")

	apiKeyAuth := middleware.APIKeyAuthMiddleware(a.configProvider, a.logger)
	wrap := func(h http.Handler) http.Handler {
		return base(apiKeyAuth(h))
	}
	guard := middleware.RequireEventRole(a.resolver, a.configProvider, a.logger)
	a.handlers.Register(a.httpServeMux, wrap, guard)
	a.logger.Info(ctx, "/v1 API endpoints registered")

	a.httpServeMux.Handle("GET /ws/roles", wrap(a.roleFeed))
	a.logger.Info(ctx, "/ws/roles endpoint registered")
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ready := true
	dependenciesStatus := make(map[string]string)

	if err := a.redisClient.Ping(r.Context()).Err(); err == nil {
		dependenciesStatus["redis"] = "connected"
	} else {
		dependenciesStatus["redis"] = "disconnected"
		ready = false
		a.logger.Warn(r.Context(), "Readiness check failed: Redis ping failed", "error", err.Error())
	}

	status, ok := a.syncTransport.Ready(r.Context(), a.redisClient)
	dependenciesStatus["sync_"+a.syncTransport.Name] = status
	if !ok {
		ready = false
		a.logger.Warn(r.Context(), "Readiness check failed: sync transport unavailable", "transport", a.syncTransport.Name)
	}

	state, _ := a.lifecycle.State()
	response := struct {
		Status       string            `json:"status"`
		Session      string            `json:"session"`
		Dependencies map[string]string `json:"dependencies"`
	}{
		Session:      state.String(),
		Dependencies: dependenciesStatus,
	}

	if ready {
		response.Status = "READY"
		w.WriteHeader(http.StatusOK)
	} else {
		response.Status = "NOT_READY"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error(r.Context(), "Failed to encode readiness response", "error", err.Error())
	}
}

// Run starts the background loops and the HTTP server and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	appCfg := a.configProvider.Get().App
	a.logger.Info(ctx, "Starting application", "service_name", appCfg.ServiceName, "version", appCfg.Version, "context_id", string(a.contextID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.routes(runCtx)

	if err := a.crossSync.Start(runCtx); err != nil {
		// Sync is best-effort; the agent still serves from its own store.
		a.logger.Error(runCtx, "Failed to start cross-context sync", "error", err.Error())
	} else {
		a.logger.Info(runCtx, "Cross-context sync started", "transport", a.syncTransport.Name)
	}

	a.lifecycle.HandleLogoutSignals(runCtx, a.identity.LogoutSignals())
	if err := a.lifecycle.Sync(runCtx); err != nil {
		a.logger.Error(runCtx, "Initial lifecycle check failed", "error", err.Error())
	}
	a.lifecycle.StartIdentityWatchLoop(runCtx)

	safego.Execute(runCtx, a.logger, "SignalListenerAndGracefulShutdown", func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			a.logger.Info(context.Background(), "Shutdown signal received, initiating graceful shutdown...", "signal", sig.String())
		case <-runCtx.Done():
			a.logger.Info(context.Background(), "Application context cancelled, initiating graceful shutdown...")
		}

		shutdownTimeout := 15 * time.Second
		if s := a.configProvider.Get().App.ShutdownTimeoutSeconds; s > 0 {
			shutdownTimeout = time.Duration(s) * time.Second
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := a.crossSync.Stop(); err != nil {
			a.logger.Error(context.Background(), "Error stopping cross-context sync", "error", err.Error())
		}
		cancel()

		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error(context.Background(), "HTTP server graceful shutdown failed", "error", err.Error())
		}
		a.logger.Info(context.Background(), "HTTP server shut down.")
	})

	a.logger.Info(ctx, fmt.Sprintf("HTTP server listening on port %d", a.configProvider.Get().Server.HTTPPort))
	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error(ctx, "HTTP server ListenAndServe error", "error", err.Error())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	a.logger.Info(ctx, "Application shut down gracefully or server closed.")
	return nil
}
