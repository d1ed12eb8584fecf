package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	presenceUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_updates_total",
		Help: "Total successful presence location writes",
	})
	presenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_errors_total",
		Help: "Total presence writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, presenceUpdates, presenceErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("consumer", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var index LocationIndex
	if cfg.Store.Backend == "redis" {
		rg := geo.NewRedisGeo(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisGeoKey)
		defer rg.Close()
		index = indexFor(store, rg)
	}

	go serveOps(cfg.MetricsAddr, store, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		fix, err := decodeFix(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "err", err, "offset", m.Offset)
			continue
		}

		if err := applyFixWithRetry(ctx, store, index, fix, cfg.Attempts, cfg.RetryDelay); err != nil {
			presenceErrors.Inc()
			logger.Warn("presence update failed", "driver_id", fix.DriverID, "err", err)
			continue
		}
		presenceUpdates.Inc()
	}
}

func serveOps(addr string, store storage.Backend, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "err", err)
	}
}

func decodeFix(b []byte) (models.LocationFix, error) {
	var fix models.LocationFix
	if err := json.Unmarshal(b, &fix); err != nil {
		return fix, err
	}
	if fix.DriverID == "" {
		return fix, errors.New("missing driver_id")
	}
	if fix.Loc.IsZero() {
		return fix, errors.New("missing location")
	}
	return fix, nil
}

// PresenceUpdater is the slice of the presence store the consumer writes to.
type PresenceUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
}

// LocationIndex mirrors fixes into a spatial index for nearby lookups.
type LocationIndex interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
}

// indexFor returns loc, or nil when the store already writes every fix into
// the same GEO set.
func indexFor(store storage.Backend, loc geo.Locator) LocationIndex {
	if geo.FedBy(loc, store) {
		return nil
	}
	return loc
}

// applyFixWithRetry writes the fix to presence, then to the index when one is
// configured. Each failed step is retried with doubling delay.
func applyFixWithRetry(ctx context.Context, store PresenceUpdater, index LocationIndex, fix models.LocationFix, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		err := store.UpdateLocation(ctx, fix.DriverID, fix.Loc)
		if err == nil && index != nil {
			err = index.Upsert(ctx, fix.DriverID, fix.Loc)
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil
}
