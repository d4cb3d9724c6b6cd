package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func main() {
	cfg, err := Load()
	if err != nil {
		// The logger is not configured yet.
		bootstrap, _ := NewLogger(LogConfig{Level: "info"})
		bootstrap.Fatal("Invalid configuration", zap.Error(err))
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		bootstrap, _ := NewLogger(LogConfig{Level: "info"})
		bootstrap.Fatal("Invalid logging configuration", zap.Error(err))
	}
	defer logger.Sync()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           NewRouter(cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		allowed := "All (*)"
		if len(cfg.Server.AllowedOrigins) > 0 {
			allowed = strings.Join(cfg.Server.AllowedOrigins, ", ")
		}
		logger.Info("Page proxy running",
			zap.String("addr", srv.Addr),
			zap.String("public_url", cfg.Server.PublicURL),
			zap.String("allowed_origins", allowed),
			zap.Bool("permissive_csp", cfg.Inject.PermissiveCSP),
			zap.String("intercept_base", cfg.Inject.InterceptBase),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// NewRouter wires the routes and middleware for cfg.
func NewRouter(cfg *Config, logger *Logger) *mux.Router {
	return newRouter(NewServer(cfg, logger))
}

func newRouter(s *Server) *mux.Router {
	router := mux.NewRouter()
	router.Use(
		requestIDMiddleware,
		accessLogMiddleware(s.logger, s.metrics, s.cfg.Server.TrustProxy),
		recoveryMiddleware(s.logger),
		corsMiddleware(s.cfg.Server.AllowedOrigins),
	)
	if s.cfg.RateLimit.Enabled {
		router.Use(rateLimitMiddleware(newClientLimiter(s.cfg.RateLimit), s.cfg.Server.TrustProxy, s.logger, s.metrics))
	}

	methods := []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	router.HandleFunc("/", s.homeHandler).Methods(methods...)
	router.HandleFunc("/load", s.loadHandler).Methods(methods...)
	router.Handle("/asset", s.assets).Methods(methods...)
	router.Handle(runtimeScriptPath, s.runtime).Methods(methods...)
	router.HandleFunc("/healthz", s.healthHandler).Methods(methods...)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, s.logger, http.StatusNotFound, "Endpoint not found", nil)
	})
	return router
}
