package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nodeplane/fleetcore/infrastructure/logging"
	"github.com/nodeplane/fleetcore/infrastructure/middleware"
	"github.com/nodeplane/fleetcore/infrastructure/ratelimit"
	"github.com/nodeplane/fleetcore/monitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring engine and local status HTTP surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8090", "address for the local status HTTP surface")
	serveCmd.Flags().StringSlice("cors-origins", nil, "allowed CORS origins for the status surface (none = same-origin only)")
	serveCmd.Flags().String("shared-secret", "", "if set, require this value in X-Shared-Secret on every request except /healthz and /metrics")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger("fleetcored", cfg)
	if err != nil {
		return err
	}

	secretsDir := resolveSecretsDir(cmd)

	store, err := newCacheStore(secretsDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	panelClient := newPanelClient(cfg, logger)

	monCfg := monitor.DefaultConfig()
	monCfg.Interval = cfg.HealthCheckIntervalDuration()
	monCfg.Logger = logger
	engine := monitor.New(panelClient, store, monCfg)

	hub := monitor.NewWebSocketHub(logger)
	engine.Subscribe(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	listen, _ := cmd.Flags().GetString("listen")
	origins, _ := cmd.Flags().GetStringSlice("cors-origins")
	sharedSecret, _ := cmd.Flags().GetString("shared-secret")

	router := newRouter(engine, hub, logger, origins, sharedSecret)

	srv := &http.Server{
		Addr:         listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	graceful := middleware.NewGracefulShutdown(srv, 10*time.Second)
	graceful.OnShutdown(func() {
		logger.Info(ctx, "stopping monitoring engine", nil)
		cancel()
	})
	graceful.ListenForSignals()

	logger.Info(ctx, "status HTTP surface listening", map[string]interface{}{"addr": listen})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(ctx, "status HTTP surface failed", err, nil)
		return err
	}

	graceful.Wait()
	return nil
}

func newRouter(engine *monitor.Engine, hub *monitor.WebSocketHub, logger *logging.Logger, corsOrigins []string, sharedSecret string) http.Handler {
	r := chi.NewRouter()

	recovery := middleware.NewRecoveryMiddleware(logger)
	r.Use(recovery.Handler)
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}))
	}

	if sharedSecret != "" {
		r.Use(middleware.HeaderGateMiddleware(sharedSecret))
	}

	// /ws/metrics is a long-lived upgraded connection: it must stay outside
	// the body-limit/timeout group below, since TimeoutMiddleware's wrapped
	// ResponseWriter doesn't implement http.Hijacker and its deadline would
	// cut the connection.
	r.Get("/ws/metrics", hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBodyLimitMiddleware(0).Handler)
		r.Use(middleware.NewTimeoutMiddleware(0).Handler)

		health := middleware.NewHealthChecker(Version)
		health.RegisterCheck("monitoring", func() error { return nil })
		r.Get("/healthz", health.Handler())
		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		// ForceUpdate drives a real round trip to the upstream panel, so it
		// gets its own limiter rather than sharing the status surface's
		// general request volume.
		forceUpdateLimit := ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
		r.Get("/api/force-update", func(w http.ResponseWriter, req *http.Request) {
			if forceUpdateLimit.LimitExceeded() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			event, err := engine.ForceUpdate(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, event)
		})
	})

	return r
}
