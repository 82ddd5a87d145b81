// File: cmd/gateway/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Gateway entrypoint: load configuration, wire the services, run the
// reactor until SIGINT/SIGTERM, then shut down gracefully.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-gateway/config"
	"github.com/momentics/hioload-gateway/engine"
	"github.com/momentics/hioload-gateway/gate"
	"github.com/momentics/hioload-gateway/ipctest"
	"github.com/momentics/hioload-gateway/reactor"
	"github.com/momentics/hioload-gateway/registry"
	"github.com/momentics/hioload-gateway/router"
	"github.com/momentics/hioload-gateway/stats"
	"github.com/momentics/hioload-gateway/video"
	"github.com/momentics/hioload-gateway/workers"
	"github.com/momentics/hioload-gateway/wshub"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway failed", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg *config.Config, log *zap.Logger) error {
	// Broken streaming sockets must not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	st := stats.NewCore()

	reg, err := registry.New(registry.DefaultTools())
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}

	browserTimeout := time.Duration(cfg.BrowserTimeoutMs) * time.Millisecond
	channel := engine.NewChannel(log, cfg.BrowserPath, browserTimeout)
	if err := channel.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer channel.Shutdown()
	licenses := engine.NewLicenseManager(log, cfg.BrowserPath, channel)

	ipFilter, err := gate.NewIPFilter(cfg.IPFilter.Enabled, cfg.IPFilter.Entries)
	if err != nil {
		return fmt.Errorf("ip whitelist: %w", err)
	}
	limiter := gate.NewRateLimiter(cfg.RateLimit.Enabled,
		cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowSeconds, cfg.RateLimit.BurstSize)

	var authn *gate.Authenticator
	switch cfg.AuthMode {
	case "jwt":
		authn, err = gate.NewJWTAuthenticator(cfg.JWT.PublicKeyPath, cfg.JWT.Algorithm,
			cfg.JWT.ExpectedIssuer, cfg.JWT.ExpectedAudience,
			cfg.JWT.ClockSkewSeconds, cfg.JWT.RequireExpEnabled())
		if err != nil {
			return fmt.Errorf("jwt authenticator: %w", err)
		}
	default:
		authn = gate.NewTokenAuthenticator(cfg.AuthToken)
	}

	var panel *router.PanelSessions
	if cfg.PanelPassword != "" {
		panel = router.NewPanelSessions(cfg.PanelPassword, router.DefaultSessionTTL)
	}

	pool := workers.NewPool(log, 0, 0)
	defer pool.Shutdown(time.Duration(cfg.ShutdownTimeoutSec) * time.Second)

	var hub *wshub.Hub
	if cfg.WebSocket.Enabled {
		hub = wshub.New(wshub.Config{
			MaxSessions:    cfg.WebSocket.MaxConnections,
			PingInterval:   time.Duration(cfg.WebSocket.PingIntervalSec) * time.Second,
			PongTimeout:    time.Duration(cfg.WebSocket.PongTimeoutSec) * time.Second,
			CallTimeout:    browserTimeout,
			MaxMessageSize: cfg.WebSocket.MessageMaxSize,
		}, log, channel, pool, st)
		defer hub.Shutdown()
	}

	// The shared-memory frame transport ships with the engine build;
	// without an opener the video endpoints answer 503.
	streamer := video.NewStreamer(log, nil)

	var tests router.TestRuns
	if cfg.IPCTests.Enabled {
		tests = ipctest.NewManager(ipctest.Config{
			Enabled:        true,
			TestClientPath: cfg.IPCTests.TestClientPath,
			ReportsDir:     cfg.IPCTests.ReportsDir,
		}, log)
	}

	cors := reactor.NewCORSHeaders(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders, cfg.CORS.MaxAgeSeconds)

	rtDeps := router.Deps{
		Registry: reg,
		Engine:   channel,
		Licenses: licenses,
		Video:    streamer,
		Panel:    panel,
		Stats:    st,
		Tests:    tests,
	}
	if hub != nil {
		rtDeps.WS = hub
	}
	rt := router.New(log, router.Config{
		CORS:           cors,
		BrowserTimeout: browserTimeout,
	}, rtDeps)

	deps := reactor.Deps{
		Log:         log,
		Pool:        pool,
		Handler:     rt,
		Video:       streamer,
		Stats:       st,
		IPFilter:    ipFilter,
		RateLimiter: limiter,
		Auth:        router.NewAuth(authn, panel),
		LogRequests: cfg.LogRequests,
	}
	if hub != nil {
		deps.Hub = hub
	}

	r, err := reactor.New(reactor.Config{
		Host:             cfg.Host,
		Port:             cfg.Port,
		MaxConnections:   cfg.MaxConnections,
		RequestTimeout:   time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		KeepAliveTimeout: time.Duration(cfg.KeepAliveTimeoutSec) * time.Second,
		MaxBodySize:      config.MaxBodySize,
		CORS:             cors,
	}, deps)
	if err != nil {
		return fmt.Errorf("starting reactor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.Run()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received")
		r.Stop()
		<-r.Done()
		return nil
	})
	return g.Wait()
}
