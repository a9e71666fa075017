package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tair/cart-sync/internal/cart"
	delivery "github.com/tair/cart-sync/internal/cart/delivery/http"
	"github.com/tair/cart-sync/pkg/auth"
	"github.com/tair/cart-sync/pkg/config"
	"github.com/tair/cart-sync/pkg/logger"
	"github.com/tair/cart-sync/pkg/tracing"
)

const serviceName = "cart-sync"

func main() {
	configPath := flag.String("config", os.Getenv("CARTSYNC_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init(serviceName, true)
		logger.Logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(serviceName, cfg.IsDevelopment())
	logger.SetLevel(cfg.LogLevel)
	auth.SetSecret(cfg.JWT.Secret)

	tp, err := tracing.InitTracer(serviceName, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to initialize tracer")
	}
	defer func() {
		if err := tracing.Shutdown(context.Background(), tp); err != nil {
			logger.Logger.Error().Err(err).Msg("Error shutting down tracer")
		}
	}()

	app, cleanup, err := cart.InitializeApp(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to initialize cart service")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if app.Consumer != nil {
		if err := app.Consumer.Start(ctx); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to start Kafka consumer")
		}
	}

	go app.Sessions.RunJanitor(ctx, cfg.Sessions.IdleTTL, cfg.Sessions.SweepInterval)

	router := mux.NewRouter()
	router.Use(delivery.LoggingMiddleware())
	app.Handler.RegisterRoutes(router)
	router.Handle("/health", app.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: otelhttp.NewHandler(c.Handler(router), serviceName),
	}

	go func() {
		logger.Logger.Info().
			Str("port", cfg.Server.Port).
			Str("store", cfg.Store.Backend).
			Bool("kafka", len(cfg.Kafka.Brokers) > 0).
			Msg("Cart sync service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	<-ctx.Done()
	logger.Logger.Info().Msg("Shutting down cart sync service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
}
