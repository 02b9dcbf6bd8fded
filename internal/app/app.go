// Package app wires the dispatch services together. Every dependency is
// built here and handed down explicitly; nothing lives at package scope.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/kvstore"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/sweeper"
	"github.com/example/ride-dispatch/internal/worker"
)

type App struct {
	Config config.ServerConfig
	Logger *slog.Logger

	Store     kvstore.Store
	Bookings  storage.BookingStore
	Hub       *dispatch.Hub
	Publisher dispatch.Publisher

	Registry *availability.Registry
	Ledger   *offers.Ledger
	Queue    *queue.Queue
	Matcher  *matcher.Service
	Sweeper  *sweeper.Sweeper
	Worker   *worker.Loop

	closers []func() error
}

type options struct {
	store    kvstore.Store
	bookings storage.BookingStore
	sinks    []dispatch.Sink
	now      func() time.Time
}

type Option func(*options)

// WithStore skips adapter selection and uses store.
func WithStore(store kvstore.Store) Option { return func(o *options) { o.store = store } }

// WithBookings replaces the configured booking collaborator.
func WithBookings(b storage.BookingStore) Option { return func(o *options) { o.bookings = b } }

// WithSink adds a broadcast destination next to the websocket hub.
func WithSink(name string, p dispatch.Publisher) Option {
	return func(o *options) { o.sinks = append(o.sinks, dispatch.Sink{Name: name, Publisher: p}) }
}

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	a := &App{Config: cfg, Logger: logger}

	a.Store = o.store
	if a.Store == nil {
		store, err := kvstore.Open(ctx, kvstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Required: cfg.RedisRequired,
			Timeout:  cfg.Dispatch.StoreTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open keyed store: %w", err)
		}
		a.Store = store
		if c, ok := store.(interface{ Close() error }); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	a.Bookings = o.bookings
	if a.Bookings == nil {
		if cfg.PGDSN != "" {
			ps, err := storage.NewPostgresStore(cfg.PGDSN)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("open booking store: %w", err)
			}
			a.Bookings = ps
			a.closers = append(a.closers, ps.Close)
		} else {
			a.Bookings = storage.NewMemoryStore()
		}
	}

	a.Hub = dispatch.NewHub(logger)
	sinks := []dispatch.Sink{{Name: "websocket", Publisher: a.Hub}}
	if len(cfg.KafkaBrokers) > 0 {
		ew := ingest.NewEventWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		sinks = append(sinks, dispatch.Sink{Name: "kafka", Publisher: ew})
		a.closers = append(a.closers, ew.Close)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, dispatch.Sink{Name: "webhook", Publisher: dispatch.NewWebhookPublisher(cfg.WebhookURL)})
	}
	sinks = append(sinks, o.sinks...)
	a.Publisher = dispatch.NewFanout(sinks...)

	d := cfg.Dispatch
	ns := cfg.KeyNamespace
	a.Ledger = offers.NewLedger(a.Store, ns, 2*d.OfferTTL, o.now)
	a.Registry = availability.NewRegistry(a.Store, a.Ledger, a.Publisher, logger, availability.Options{
		Namespace:       ns,
		DriverTTL:       d.DriverTTL,
		ScanWindow:      d.ScanWindow,
		DefaultCapacity: d.DefaultCapacity,
		Now:             o.now,
	})
	a.Queue = queue.New(a.Store, ns)
	a.Matcher = matcher.New(matcher.Deps{
		Registry:  a.Registry,
		Ledger:    a.Ledger,
		Queue:     a.Queue,
		Bookings:  a.Bookings,
		Publisher: a.Publisher,
		Logger:    logger,
		OfferTTL:  d.OfferTTL,
		Now:       o.now,
	})
	a.Sweeper = sweeper.New(a.Ledger, a.Registry, a.Matcher, a.Publisher, d.OfferTTL, logger)
	a.Worker = worker.New(a.Sweeper, a.Queue, a.Bookings, a.Matcher, logger, worker.Options{
		Interval:     d.WorkerInterval,
		MaxDrain:     d.MaxDrain,
		TimerEnabled: a.Store.Shared() || d.RunWorkerWithoutSharedStore,
		Now:          o.now,
	})
	return a, nil
}

// Run drives the dispatch worker until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	a.Worker.Run(ctx)
}

// SubmitBooking persists a new booking, queues it at its priority score and
// wakes the worker.
func (a *App) SubmitBooking(ctx context.Context, b models.Booking) (models.Booking, error) {
	b.ID = ""
	b.Status = models.BookingRequested
	b.DriverID = ""
	b.AcceptedAt = nil
	created, err := a.Bookings.CreateBooking(ctx, b)
	if err != nil {
		return models.Booking{}, err
	}
	a.Queue.Enqueue(ctx, created.ID, created.PriorityScore())
	a.Worker.Trigger()
	return created, nil
}

type Stats struct {
	QueueDepth       int64 `json:"queue_depth"`
	PendingOffers    int   `json:"pending_offers"`
	AvailableDrivers int64 `json:"available_drivers"`
	SharedStore      bool  `json:"shared_store"`
}

func (a *App) Stats(ctx context.Context) Stats {
	return Stats{
		QueueDepth:       a.Queue.Len(ctx),
		PendingOffers:    len(a.Ledger.ListPending(ctx)),
		AvailableDrivers: a.Registry.AvailableCount(ctx),
		SharedStore:      a.Store.Shared(),
	}
}

// Ready pings the keyed store.
func (a *App) Ready(ctx context.Context) error {
	return a.Store.Ping(ctx)
}

// Reset clears all dispatch state under the key namespace. Tests only.
func (a *App) Reset(ctx context.Context) {
	kvstore.Reset(ctx, a.Store, a.Config.KeyNamespace)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
