package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-sidecar/config"
	"github.com/vnmchuo/llm-sidecar/internal/admission"
	"github.com/vnmchuo/llm-sidecar/internal/client"
	"github.com/vnmchuo/llm-sidecar/internal/health"
	"github.com/vnmchuo/llm-sidecar/internal/logging"
	"github.com/vnmchuo/llm-sidecar/internal/metrics"
	"github.com/vnmchuo/llm-sidecar/internal/proxy"
	"github.com/vnmchuo/llm-sidecar/internal/schedule"
	"github.com/vnmchuo/llm-sidecar/internal/settings"
	"github.com/vnmchuo/llm-sidecar/internal/telemetry"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Logger
	lr := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		lr.SetLevel(level)
	}
	logger := logging.NewLogrus(lr)

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-sidecar", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("llm-sidecar")

	// 4. Settings provider (live overrides over env config)
	provider, err := settings.Load(cfg.SettingsFile, logger)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	snap := provider.Snapshot()

	// 5. Metrics
	mx := metrics.New(prometheus.DefaultRegisterer)

	// 6. Request executor
	executor := client.New(clientConfig(cfg, snap),
		client.WithLogger(logger),
		client.WithTracer(tracer),
		client.WithRetryObserver(mx.RetriesTotal.Inc),
	)
	defer executor.Close()

	// 7. Notifier
	notifier := proxy.LogNotifier{Log: logger}

	// 8. Admission control
	ctrl := admission.NewController(admission.Config{
		RateLimits: rateLimitOverrides(snap),
	}, logger, admission.WithBreakerListener(func(identifier, from, to string) {
		notifier.ShowError("circuit breaker for " + identifier + " is now " + to)
	}))

	// 9. Background scheduler + health monitor
	sched := schedule.New(logger)
	defer sched.Stop()

	monitor := health.NewMonitor(health.Config{}, executor, sched, logger)
	monitor.OnStatusChange(func(change health.StatusChange) {
		notifier.ShowConnectionStatus(change.Connected, change.Info)
		if change.Connected {
			mx.Connected.Set(1)
		} else {
			mx.Connected.Set(0)
		}
		if change.OfflineMode {
			mx.OfflineMode.Set(1)
		} else {
			mx.OfflineMode.Set(0)
		}
	})
	monitor.Start()
	defer monitor.Stop()

	ctrl.StartMaintenance(sched)

	// 10. Live settings rebuild the executor and limits without a restart
	provider.Subscribe(func(s settings.Settings) {
		executor.Rebuild(clientConfig(cfg, s))
		ctrl.SetRateLimits(rateLimitOverrides(s))
	})

	// 11. Handler + router
	handler := proxy.NewHandler(executor, monitor, ctrl, mx, logger, notifier, defaultModel(cfg, snap))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(proxy.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-sidecar"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/generate", handler.HandleGenerate)
	r.Get("/api/tags", handler.HandleModels)
	r.Get("/api/version", handler.HandleVersion)
	r.Get("/api/health", handler.HandleUpstreamHealth)
	r.Get("/api/status", handler.HandleStatus)
	r.Post("/api/reconnect", handler.HandleReconnect)

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("main", "sidecar listening on port "+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	logger.Info("main", "shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	logger.Info("main", "server stopped")
}

func clientConfig(cfg *config.Config, s settings.Settings) client.Config {
	endpoint := cfg.UpstreamURL
	if s.EndpointURL != "" {
		endpoint = s.EndpointURL
	}
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if s.TimeoutMs > 0 {
		timeout = time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return client.Config{
		BaseURL:               endpoint,
		RequestTimeout:        timeout,
		ProbeTimeout:          time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
		MaxConcurrentRequests: int64(s.MaxConcurrentRequests),
		MaxRetryAttempts:      s.MaxRetryAttempts,
	}
}

func rateLimitOverrides(s settings.Settings) map[admission.LimitType]int {
	if len(s.RateLimitOverrides) == 0 {
		return nil
	}
	out := make(map[admission.LimitType]int, len(s.RateLimitOverrides))
	for k, v := range s.RateLimitOverrides {
		out[admission.LimitType(k)] = v
	}
	return out
}

func defaultModel(cfg *config.Config, s settings.Settings) string {
	if s.ModelName != "" {
		return s.ModelName
	}
	return cfg.Model
}
