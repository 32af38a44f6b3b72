package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/health"
	"github.com/maltehedderich/ratelimitd/internal/logger"
	"github.com/maltehedderich/ratelimitd/internal/metrics"
	"github.com/maltehedderich/ratelimitd/internal/middleware"
	"github.com/maltehedderich/ratelimitd/internal/tracing"
)

// Server runs the rate limiting front end and, when enabled, the metrics endpoint
type Server struct {
	config        *config.Config
	httpServer    *http.Server
	metricsServer *http.Server
	healthManager *health.Manager
	logger        *logger.ComponentLogger
}

// Options carries the request pipeline pieces assembled by the caller
type Options struct {
	// Auth identifies callers before rules run
	Auth middleware.Middleware
	// RateLimit enforces the configured rules
	RateLimit middleware.Middleware
	// Upstream receives admitted requests. Nil answers with a JSON status document.
	Upstream http.Handler
}

// New creates a new server instance
func New(cfg *config.Config, healthMgr *health.Manager, opts Options) *Server {
	s := &Server{
		config:        cfg,
		healthManager: healthMgr,
		logger:        logger.Get().WithComponent("server"),
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:        s.handler(opts),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	if cfg.Observability.MetricsEnabled {
		metrics.Init()
		mux := http.NewServeMux()
		mux.Handle(cfg.Observability.MetricsPath, metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
			Handler:     mux,
			ReadTimeout: cfg.Server.ReadTimeout,
			IdleTimeout: cfg.Server.IdleTimeout,
		}
	}

	return s
}

// handler builds the request pipeline:
// Recovery -> CorrelationID -> Tracing -> Metrics -> Logging -> routes.
// Health endpoints bypass authentication and rate limiting.
func (s *Server) handler(opts Options) http.Handler {
	trusted := s.config.Server.TrustedProxies

	limited := middleware.NewChain()
	if opts.Auth != nil {
		limited = limited.Append(opts.Auth)
	}
	if opts.RateLimit != nil {
		limited = limited.Append(opts.RateLimit)
	}
	upstream := opts.Upstream
	if upstream == nil {
		upstream = s.defaultHandler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Observability.HealthPath, s.healthManager.HealthHandler())
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.healthManager.ReadinessHandler())
	mux.HandleFunc(s.config.Observability.LivenessPath, s.healthManager.LivenessHandler())
	mux.Handle("/", limited.Then(upstream))

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.CorrelationID(),
		tracing.Middleware(trusted),
	)
	if s.config.Observability.MetricsEnabled {
		chain = chain.Append(metrics.Middleware())
	}
	chain = chain.Append(middleware.Logging(trusted))

	return chain.Then(mux)
}

// defaultHandler answers admitted requests when no upstream is configured
func (s *Server) defaultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"message": "request admitted",
			"path":    r.URL.Path,
		}
		if correlationID := logger.GetCorrelationID(r.Context()); correlationID != "" {
			response["correlation_id"] = correlationID
		}
		_ = middleware.WriteJSON(w, http.StatusOK, response)
	}
}

// Start serves until ctx is cancelled, SIGINT/SIGTERM arrives or a listener
// fails, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serve(s.httpServer, "HTTP server", s.config.Server.HTTPPort)
	})
	if s.metricsServer != nil {
		g.Go(func() error {
			return s.serve(s.metricsServer, "metrics server", s.config.Observability.MetricsPort)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}

func (s *Server) serve(srv *http.Server, name string, port int) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.logger.Info("starting "+name, logger.Fields{
		"port": port,
	})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s error: %w", name, err)
	}
	return nil
}

// Shutdown gracefully shuts down all listeners
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", logger.Fields{
			"error": err.Error(),
		})
		errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", logger.Fields{
				"error": err.Error(),
			})
			errs = append(errs, fmt.Errorf("failed to shutdown metrics server: %w", err))
		}
	}

	return errors.Join(errs...)
}
