package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/geo"
	httpapi "github.com/example/ride-lifecycle/internal/http"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/matching"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/route"
	"github.com/example/ride-lifecycle/internal/session"
	"github.com/example/ride-lifecycle/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("server", cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var (
		events    matching.TransitionPublisher
		locations httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic)
		defer kp.Close()
		events, locations = kp, kp
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "locations", cfg.KafkaTopic, "events", cfg.KafkaEventsTopic)
	}

	mode, err := matching.ParseCleanupMode(cfg.Session.CleanupMode)
	if err != nil {
		return err
	}
	coord := matching.New(store, events, mode, logger)

	var routes route.Client = route.StraightLine{}
	if cfg.OSRMEndpoint != "" {
		routes = route.WithFallback(route.NewOSRMClient(cfg.OSRMEndpoint), routes)
	}
	routes = route.NewCached(routes, cfg.RouteCacheTTL)

	var holder payments.Holder = payments.Noop{}
	if cfg.StripeAPIKey != "" {
		holder = payments.NewStripeClient(cfg.StripeAPIKey, cfg.PaymentCurrency)
	}

	var locator geo.Locator = geo.NewIndex()
	if cfg.Store.Backend == "redis" {
		rg := geo.NewRedisGeo(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisGeoKey)
		defer rg.Close()
		locator = rg
	}

	ws := dispatch.NewWSRegistry(logger)
	hub := session.NewHub(session.Deps{
		Coordinator: coord,
		Requests:    store,
		Presence:    store,
		Routes:      routes,
		Payments:    holder,
		Notifier:    dispatch.NewPushDispatcher(ws, cfg.PushEndpoint, cfg.PushKey, logger),
		Logger:      logger,
		Backoff:     session.Backoff{Base: cfg.Session.ResubscribeBase, Max: cfg.Session.ResubscribeMax},
	})
	defer hub.Close()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Options{
			Store:       store,
			Coordinator: coord,
			Hub:         hub,
			Geo:         locator,
			Locations:   locations,
			WS:          ws,
			Logger:      logger,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-lifecycle listening", "addr", cfg.HTTPAddr, "store", cfg.Store.Backend, "cleanup", string(mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
