// Package queue holds bookings waiting for a driver, ordered by priority
// score (lowest first).
package queue

import (
	"context"

	"github.com/example/ride-dispatch/internal/kvstore"
	"github.com/example/ride-dispatch/internal/observability"
)

type Queue struct {
	store kvstore.Store
	key   string
}

func New(store kvstore.Store, namespace string) *Queue {
	return &Queue{store: store, key: namespace + "queue"}
}

// Enqueue adds bookingID or moves it to score if already queued. Callers must
// not enqueue a booking that has a pending offer.
func (q *Queue) Enqueue(ctx context.Context, bookingID string, score float64) {
	q.store.AddScored(ctx, q.key, bookingID, score)
	q.observe(ctx)
}

// DequeueMinimum pops the lowest-score booking.
func (q *Queue) DequeueMinimum(ctx context.Context) (string, bool) {
	popped := q.store.PopMinScored(ctx, q.key, 1)
	q.observe(ctx)
	if len(popped) == 0 {
		return "", false
	}
	return popped[0].Member, true
}

func (q *Queue) Remove(ctx context.Context, bookingID string) {
	q.store.RemoveScored(ctx, q.key, bookingID)
	q.observe(ctx)
}

func (q *Queue) Len(ctx context.Context) int64 {
	return q.store.Cardinality(ctx, q.key)
}

// Entries lists the queue in dequeue order.
func (q *Queue) Entries(ctx context.Context) []kvstore.ScoredMember {
	return q.store.RangeScored(ctx, q.key, 0, -1)
}

func (q *Queue) observe(ctx context.Context) {
	observability.QueueDepth.Set(float64(q.Len(ctx)))
}
