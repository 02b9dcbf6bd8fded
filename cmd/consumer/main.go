package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/kvstore"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver heartbeat messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total heartbeat messages rejected as malformed",
	})
	heartbeatsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_heartbeats_applied_total",
		Help:      "Total heartbeats written to the availability registry",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, heartbeatsApplied)
}

var errInvalidMessage = errors.New("invalid heartbeat message")

// HeartbeatRegistrar is the part of the availability registry the consumer
// feeds.
type HeartbeatRegistrar interface {
	RegisterHeartbeat(ctx context.Context, hb availability.Heartbeat) (models.DriverAvailability, error)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required: heartbeats must land in the shared store")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.Open(ctx, kvstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Required: true,
		Timeout:  cfg.Dispatch.StoreTimeout,
	}, logger)
	if err != nil {
		logger.Error("open keyed store", "error", err)
		os.Exit(1)
	}

	events := ingest.NewEventWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
	publisher := dispatch.NewFanout(dispatch.Sink{Name: "kafka", Publisher: events})
	ledger := offers.NewLedger(store, cfg.KeyNamespace, 2*cfg.Dispatch.OfferTTL, nil)
	registry := availability.NewRegistry(store, ledger, publisher, logger, availability.Options{
		Namespace:       cfg.KeyNamespace,
		DriverTTL:       cfg.Dispatch.DriverTTL,
		ScanWindow:      cfg.Dispatch.ScanWindow,
		DefaultCapacity: cfg.Dispatch.DefaultCapacity,
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "store not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaHeartbeatTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = events.Close()
		if c, ok := store.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaHeartbeatTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		if err := handleMessage(ctx, registry, m.Key, m.Value); err != nil {
			msgsInvalid.Inc()
			logger.Warn("heartbeat rejected", "offset", m.Offset, "error", err)
			continue
		}
		heartbeatsApplied.Inc()
	}
}

// handleMessage decodes one heartbeat and applies it. The message key is the
// driver id when the payload does not carry one.
func handleMessage(ctx context.Context, reg HeartbeatRegistrar, key, value []byte) error {
	var hb availability.Heartbeat
	if err := json.Unmarshal(value, &hb); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if hb.DriverID == "" {
		hb.DriverID = string(key)
	}
	if hb.DriverID == "" {
		return fmt.Errorf("%w: missing driver id", errInvalidMessage)
	}
	_, err := reg.RegisterHeartbeat(ctx, hb)
	return err
}
