// Package main provides the entry point for the browsergrid control plane.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/browsergrid/browsergrid/internal/action"
	"github.com/browsergrid/browsergrid/internal/api"
	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/grpcapi"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/middleware"
	"github.com/browsergrid/browsergrid/internal/page"
	"github.com/browsergrid/browsergrid/internal/policy"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
	"github.com/browsergrid/browsergrid/internal/ws"
	"github.com/browsergrid/browsergrid/pkg/version"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	// Validate configuration (warn-and-correct, never fatal)
	cfg.Validate()

	printBanner()

	// Event bus first: every component publishes through it.
	bus := events.NewBus()

	// Browser pool on the rod driver.
	log.Info().Msg("Initializing browser pool...")
	pool := browser.NewPool(cfg, driver.NewRod(), bus)

	// Session store, optionally persisted across restarts.
	var persister session.Persister
	if cfg.SessionPersist {
		persister = session.NewFilePersister(cfg.SessionStorePath)
		log.Info().Str("path", cfg.SessionStorePath).Msg("Session persistence enabled")
	}
	store := session.NewStore(cfg, bus, persister)

	pages := page.NewManager(cfg, pool, store, bus)

	// Validation policy, hot-reloadable from YAML.
	pm, err := policy.NewManager(cfg.PolicyPath, cfg.PolicyHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load validation policy")
	}

	// Action pipeline.
	dispatcher := action.NewDispatcher()
	validator := action.NewValidator(cfg, pm, dispatcher.Known)
	exec := action.NewExecutor(cfg, pages, pool, store, validator, dispatcher, bus)

	// WebSocket fabric. The auth callback checks the shared API key;
	// deployments with per-user tokens swap in their own resolver.
	hub := ws.NewHub(cfg, bus, store, func(token string) (types.Caller, error) {
		if cfg.APIKeyEnabled && !middleware.CheckAPIKey(cfg, token) {
			return types.Caller{}, types.ErrNotAuthenticated
		}
		return types.Caller{UserID: "default", Roles: []string{"user"}}, nil
	})

	// REST surface.
	apiHandler := api.New(cfg, pool, store, pages, exec, pm, hub)
	mux := apiHandler.Routes()
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	// Middleware chain, outermost first.
	chain := []middleware.Middleware{
		middleware.Recovery,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.SecurityHeaders,
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, limiter.Handler())
	}
	chain = append(chain, middleware.Auth(cfg), middleware.Logging)

	finalHandler := middleware.Chain(chain...)(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      finalHandler,
		ReadTimeout:  cfg.MaxTimeout + 10*time.Second,
		WriteTimeout: cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.TLSEnabled {
		tlsConf, err := buildTLSConfig(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build TLS config")
		}
		server.TLSConfig = tlsConf
	}

	// Channel to signal shutdown to background tasks
	stopCh := make(chan struct{})

	// Metrics server, separate port so scrapes bypass the main chain.
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// pprof server if enabled
	// WARNING: pprof should only be enabled in development/debugging
	// as it exposes detailed runtime information
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second, // Profiles can take time
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	// gRPC server: health service plus the shared interceptors. Service
	// registration is done by deployments that bring generated stubs;
	// the event streamer and error mapping live in internal/grpcapi.
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcapi.UnaryInterceptor(cfg)),
		grpc.ChainStreamInterceptor(grpcapi.StreamInterceptor(cfg)),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	go func() {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatal().Err(err).Str("address", grpcAddr).Msg("Failed to listen for gRPC")
		}
		log.Info().Str("address", grpcAddr).Msg("gRPC server started")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Start main server in goroutine
	go func() {
		log.Info().
			Str("address", addr).
			Int("pool_max", cfg.PoolMaxSize).
			Bool("tls", cfg.TLSEnabled).
			Bool("metrics_enabled", cfg.MetricsEnabled).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("browsergrid is ready to accept requests")

		var err error
		if cfg.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)
	healthSrv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then drain state bottom-up.
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	grpcServer.GracefulStop()
	hub.Shutdown()

	pages.Shutdown()
	if err := store.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Session store shutdown error")
	}
	if err := pool.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Browser pool shutdown error")
	}
	if limiter != nil {
		limiter.Close()
	}
	if err := pm.Close(); err != nil {
		log.Error().Err(err).Msg("Policy manager close error")
	}
	bus.Close()

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// buildTLSConfig assembles the server TLS settings, including mutual
// TLS when a client CA bundle is configured.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsConf := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSClientAuth {
		if cfg.TLSCAPath == "" {
			return nil, fmt.Errorf("TLS client auth enabled but no CA bundle configured")
		}
		pem, err := os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLSCAPath)
		}
		tlsConf.ClientCAs = pool
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConf, nil
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _                                                 _     _
| |__  _ __ _____      _____  ___ _ __ __ _ _ __ (_) __| |
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ '__/ _' | '__|| |/ _' |
| |_) | | | (_) \ V  V /\__ \  __/ | | (_| | |   | | (_| |
|_.__/|_|  \___/ \_/\_/ |___/\___|_|  \__, |_|   |_|\__,_|
                                      |___/
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browsergrid")
}
