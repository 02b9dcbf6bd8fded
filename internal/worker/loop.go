// Package worker runs the periodic dispatch cycle: expire stale offers, then
// drain the booking queue through the matcher.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) int
}

type Queue interface {
	Enqueue(ctx context.Context, bookingID string, score float64)
	DequeueMinimum(ctx context.Context) (string, bool)
}

type Bookings interface {
	GetBooking(ctx context.Context, id string) (models.Booking, bool, error)
}

type Matcher interface {
	AttemptMatch(ctx context.Context, booking models.Booking, exclude map[string]struct{}) bool
}

type Options struct {
	Interval time.Duration
	MaxDrain int
	// TimerEnabled gates the periodic tick. Trigger always runs a cycle.
	TimerEnabled bool
	Now          func() time.Time
}

type Loop struct {
	sweeper  Sweeper
	queue    Queue
	bookings Bookings
	matcher  Matcher
	opts     Options
	logger   *slog.Logger

	trigger chan struct{}
	running atomic.Bool
}

func New(sweeper Sweeper, queue Queue, bookings Bookings, matcher Matcher, logger *slog.Logger, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxDrain <= 0 {
		opts.MaxDrain = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		sweeper:  sweeper,
		queue:    queue,
		bookings: bookings,
		matcher:  matcher,
		opts:     opts,
		logger:   logger.With("component", "worker"),
		trigger:  make(chan struct{}, 1),
	}
}

// Run ticks until ctx is cancelled. A cycle in progress when ctx ends is
// allowed to finish before Run returns.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	l.logger.Info("dispatch worker started", "interval", l.opts.Interval, "timer_enabled", l.opts.TimerEnabled)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch worker stopped")
			return
		case <-ticker.C:
			if l.opts.TimerEnabled {
				l.Cycle(context.WithoutCancel(ctx))
			}
		case <-l.trigger:
			l.Cycle(context.WithoutCancel(ctx))
		}
	}
}

// Trigger asks Run for an immediate cycle. Bursts coalesce into one.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Cycle sweeps expired offers and then drains the queue until it is empty,
// a match fails, or MaxDrain bookings were handled. It reports false without
// doing anything when another cycle is already running in this process.
func (l *Loop) Cycle(ctx context.Context) bool {
	if !l.running.CompareAndSwap(false, true) {
		return false
	}
	defer l.running.Store(false)

	start := time.Now()
	defer func() { observability.CycleDuration.Observe(time.Since(start).Seconds()) }()

	if n := l.sweeper.Sweep(ctx, l.opts.Now()); n > 0 {
		l.logger.Info("expired offers", "count", n)
	}

	// bookings that failed to load go back after the drain so one bad row
	// cannot be dequeued again within the same cycle
	var failed []string
	defer func() {
		for _, id := range failed {
			l.requeue(ctx, id)
		}
	}()

	for i := 0; i < l.opts.MaxDrain; i++ {
		id, ok := l.queue.DequeueMinimum(ctx)
		if !ok {
			return true
		}
		booking, found, err := l.bookings.GetBooking(ctx, id)
		if err != nil {
			l.logger.Error("load queued booking failed", "booking_id", id, "error", err)
			failed = append(failed, id)
			continue
		}
		if !found || !booking.Matchable() {
			l.logger.Debug("dropping unmatchable booking from queue", "booking_id", id)
			continue
		}
		if !l.matcher.AttemptMatch(ctx, booking, nil) {
			l.requeue(ctx, id)
			return true
		}
	}
	return true
}

func (l *Loop) requeue(ctx context.Context, id string) {
	l.queue.Enqueue(ctx, id, float64(l.opts.Now().UnixMilli()))
}
