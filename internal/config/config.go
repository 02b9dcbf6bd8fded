package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch processes.
// Values are loaded from environment variables over defaults so the binary
// runs locally with no external services at all.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisRequired bool
	KeyNamespace  string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaHeartbeatTopic string
	KafkaGroupID        string

	PGDSN         string
	RunMigrations bool

	WebhookURL string

	Dispatch DispatchConfig

	LogLevel string
}

// DispatchConfig holds the matching and expiry tunables.
type DispatchConfig struct {
	OfferTTL        time.Duration
	WorkerInterval  time.Duration
	DriverTTL       time.Duration
	ScanWindow      int
	DefaultCapacity int
	StoreTimeout    time.Duration
	MaxDrain        int
	// RunWorkerWithoutSharedStore enables the periodic cycle on the in-process
	// store. Explicit triggers always run.
	RunWorkerWithoutSharedStore bool
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		OfferTTL:        15 * time.Minute,
		WorkerInterval:  time.Second,
		DriverTTL:       5 * time.Minute,
		ScanWindow:      50,
		DefaultCapacity: 4,
		StoreTimeout:    500 * time.Millisecond,
		MaxDrain:        256,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		KeyNamespace:        "dispatch:",
		KafkaEventsTopic:    "dispatch-events",
		KafkaHeartbeatTopic: "driver-heartbeats",
		KafkaGroupID:        "dispatch-heartbeats",
		Dispatch:            DefaultDispatchConfig(),
		LogLevel:            "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setBoolFromEnv(&cfg.RedisRequired, "REDIS_REQUIRED", &errs)
	setStringFromEnv(&cfg.KeyNamespace, "DISPATCH_KEY_NAMESPACE")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaHeartbeatTopic, "KAFKA_HEARTBEAT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.WebhookURL = strings.TrimSpace(os.Getenv("DISPATCH_WEBHOOK_URL"))

	d := &cfg.Dispatch
	setDurationFromEnv(&d.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&d.WorkerInterval, "DISPATCH_WORKER_INTERVAL", &errs)
	setDurationFromEnv(&d.DriverTTL, "DISPATCH_DRIVER_TTL", &errs)
	setIntFromEnv(&d.ScanWindow, "DISPATCH_SCAN_WINDOW", &errs)
	setIntFromEnv(&d.DefaultCapacity, "DISPATCH_DEFAULT_CAPACITY", &errs)
	setDurationFromEnv(&d.StoreTimeout, "DISPATCH_STORE_TIMEOUT", &errs)
	setIntFromEnv(&d.MaxDrain, "DISPATCH_MAX_DRAIN", &errs)
	setBoolFromEnv(&d.RunWorkerWithoutSharedStore, "DISPATCH_WORKER_WITHOUT_SHARED_STORE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, d.Validate())
	if cfg.KeyNamespace == "" {
		errs = append(errs, fmt.Errorf("DISPATCH_KEY_NAMESPACE must not be empty"))
	}

	return cfg, errors.Join(errs...)
}

// Validate reports every out-of-range tunable.
func (d DispatchConfig) Validate() error {
	var errs []error
	positive := []struct {
		name string
		v    time.Duration
	}{
		{"DISPATCH_OFFER_TTL", d.OfferTTL},
		{"DISPATCH_WORKER_INTERVAL", d.WorkerInterval},
		{"DISPATCH_DRIVER_TTL", d.DriverTTL},
		{"DISPATCH_STORE_TIMEOUT", d.StoreTimeout},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.name))
		}
	}
	if d.ScanWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SCAN_WINDOW must be > 0"))
	}
	if d.DefaultCapacity < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_DEFAULT_CAPACITY must be >= 1"))
	}
	if d.MaxDrain <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_DRAIN must be > 0"))
	}
	return errors.Join(errs...)
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
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
