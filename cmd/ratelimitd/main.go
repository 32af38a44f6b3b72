package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/auth"
	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/health"
	"github.com/maltehedderich/ratelimitd/internal/httplimit"
	"github.com/maltehedderich/ratelimitd/internal/logger"
	"github.com/maltehedderich/ratelimitd/internal/proxy"
	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
	"github.com/maltehedderich/ratelimitd/internal/server"
	"github.com/maltehedderich/ratelimitd/internal/tracing"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	version    = "1.0.0"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	flag.Parse()

	fmt.Printf("ratelimitd v%s (commit: %s, built: %s)\n", version, gitCommit, buildTime)

	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ratelimitd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	closeLog, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	log := logger.Get().WithComponent("main")
	log.Info("starting ratelimitd", logger.Fields{
		"version":    version,
		"git_commit": gitCommit,
		"build_time": buildTime,
	})

	if err := tracing.Init(ctx, tracing.ConfigFrom(cfg.Observability, version)); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown error", logger.Fields{"error": err.Error()})
		}
	}()

	storage, err := ratelimit.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create rate limit storage: %w", err)
	}
	if closer, ok := storage.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Warn("storage close error", logger.Fields{"error": err.Error()})
			}
		}()
	}

	healthMgr := health.NewManager()
	healthMgr.Register("config", health.ConfigChecker(cfg.Validate))
	healthMgr.Register("storage", health.StorageChecker(storage))

	authMw, err := auth.NewMiddleware(&cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize authentication: %w", err)
	}

	limitMw, err := httplimit.NewMiddleware(cfg.Rules, storage, cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("failed to build rate limit rules: %w", err)
	}

	var upstream http.Handler
	if cfg.UpstreamURL != "" {
		p, err := proxy.New(cfg.UpstreamURL, cfg.Server.TrustedProxies, proxy.DefaultConfig())
		if err != nil {
			return fmt.Errorf("failed to create upstream proxy: %w", err)
		}
		upstream = p
	}

	srv := server.New(cfg, healthMgr, server.Options{
		Auth:      authMw.Handler,
		RateLimit: limitMw,
		Upstream:  upstream,
	})

	log.Info("configuration loaded successfully", logger.Fields{
		"http_port":       cfg.Server.HTTPPort,
		"storage_backend": cfg.Storage.Backend,
		"rules":           len(cfg.Rules),
		"auth_enabled":    cfg.Auth.Enabled,
		"upstream":        cfg.UpstreamURL,
	})

	start := time.Now()
	if err := srv.Start(ctx); err != nil {
		log.Error("server error", logger.Fields{
			"error": err.Error(),
		})
		return err
	}

	log.Info("ratelimitd stopped", logger.Fields{
		"uptime": time.Since(start).String(),
	})
	return nil
}

// initLogger configures the global logger and returns a func that releases its output
func initLogger(cfg config.LoggingConfig) (func(), error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	closeFn := func() {}
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		closeFn = func() { _ = f.Close() }
	}

	logger.Init(level, cfg.Format, output)
	log := logger.Get().WithComponent("main")

	if len(cfg.SanitizePatterns) > 0 {
		if err := logger.Get().SetSanitizePatterns(cfg.SanitizePatterns); err != nil {
			closeFn()
			return nil, fmt.Errorf("failed to set sanitize patterns: %w", err)
		}
	}

	for component, levelStr := range cfg.ComponentLevels {
		level, err := logger.ParseLevel(levelStr)
		if err != nil {
			log.Warn("invalid component log level", logger.Fields{
				"component": component,
				"level":     levelStr,
				"error":     err.Error(),
			})
			continue
		}
		logger.Get().SetComponentLevel(component, level)
	}

	return closeFn, nil
}
