package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreConfig selects and parameterizes the document store backend shared by
// the API server, the consumer and the simulator.
type StoreConfig struct {
	Backend       string // memory, redis or postgres
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	PGDSN         string
	RunMigrations bool
}

// SessionConfig holds the client session tunables.
type SessionConfig struct {
	CleanupMode     string // archive or delete
	ResubscribeBase time.Duration
	ResubscribeMax  time.Duration
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Store   StoreConfig
	Session SessionConfig

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	OSRMEndpoint  string
	RouteCacheTTL time.Duration

	StripeAPIKey    string
	PaymentCurrency string

	// PushEndpoint receives notices for users with no live websocket.
	PushEndpoint string
	PushKey      string

	LogLevel string
}

// ConsumerConfig is the subset used by the location consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	Store        StoreConfig
	Attempts     int
	RetryDelay   time.Duration
	LogLevel     string
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:     "memory",
		RedisGeoKey: "drivers_geo",
	}
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		CleanupMode:     "archive",
		ResubscribeBase: time.Second,
		ResubscribeMax:  30 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		Store:            defaultStoreConfig(),
		Session:          defaultSessionConfig(),
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "ride-lifecycle",
		RouteCacheTTL:    10 * time.Minute,
		PaymentCurrency:  "vnd",
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadStore(&cfg.Store)
	loadSession(&cfg.Session, &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.OSRMEndpoint = strings.TrimRight(strings.TrimSpace(os.Getenv("OSRM_ENDPOINT")), "/")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.Store.validate()...)
	errs = append(errs, cfg.Session.validate()...)

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-lifecycle-consumer",
		Store:        defaultStoreConfig(),
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	loadStore(&cfg.Store)
	setIntFromEnv(&cfg.Attempts, "CONSUMER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_ATTEMPTS must be > 0"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	errs = append(errs, cfg.Store.validate()...)

	return cfg, errors.Join(errs...)
}

func loadStore(s *StoreConfig) {
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		s.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	s.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	s.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&s.RedisGeoKey, "REDIS_GEO_KEY")
	s.PGDSN = os.Getenv("PG_DSN")
	s.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
}

func loadSession(s *SessionConfig, errs *[]error) {
	if v := os.Getenv("CLEANUP_MODE"); v != "" {
		s.CleanupMode = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&s.ResubscribeBase, "RESUBSCRIBE_BASE", errs)
	setDurationFromEnv(&s.ResubscribeMax, "RESUBSCRIBE_MAX", errs)
}

func (s StoreConfig) validate() []error {
	var errs []error
	switch s.Backend {
	case "memory":
	case "redis":
		if s.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for STORE_BACKEND=redis"))
		}
	case "postgres":
		if s.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for STORE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", s.Backend))
	}
	return errs
}

func (s SessionConfig) validate() []error {
	var errs []error
	if s.CleanupMode != "archive" && s.CleanupMode != "delete" {
		errs = append(errs, fmt.Errorf("CLEANUP_MODE must be archive or delete, got %q", s.CleanupMode))
	}
	if s.ResubscribeBase <= 0 {
		errs = append(errs, fmt.Errorf("RESUBSCRIBE_BASE must be > 0"))
	}
	if s.ResubscribeMax < s.ResubscribeBase {
		errs = append(errs, fmt.Errorf("RESUBSCRIBE_MAX must be >= RESUBSCRIBE_BASE"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
