// Package kvstore provides the small keyed-store surface dispatch state lives in:
// scored sets, field hashes, TTLs and prefix scans.
//
// Two adapters exist. MemoryStore keeps everything in process and is lost on
// restart. RedisStore shares state between server instances and falls back to
// an embedded MemoryStore whenever Redis cannot be reached, so callers never see
// transport errors.
package kvstore

import (
	"context"
	"time"
)

// ScoredMember is one entry of a scored set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the set of primitives dispatch components are built on. Every
// method is atomic per key and fail-soft: a broken backend yields empty results
// or a false CAS rather than an error.
type Store interface {
	AddScored(ctx context.Context, key, member string, score float64)
	RemoveScored(ctx context.Context, key string, members ...string)
	// RangeScored returns members ordered by ascending score between the
	// inclusive rank bounds. Negative ranks count from the end (-1 is last).
	RangeScored(ctx context.Context, key string, start, stop int64) []ScoredMember
	PopMinScored(ctx context.Context, key string, count int64) []ScoredMember
	Cardinality(ctx context.Context, key string) int64

	SetFields(ctx context.Context, key string, fields map[string]string)
	GetAllFields(ctx context.Context, key string) map[string]string
	// CompareAndSetField sets field to value only when it currently equals
	// expected. It reports whether the write happened.
	CompareAndSetField(ctx context.Context, key, field, expected, value string) bool

	Expire(ctx context.Context, key string, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	KeysMatching(ctx context.Context, prefix string) []string

	// Shared reports whether state is visible to other server instances.
	Shared() bool
	Ping(ctx context.Context) error
}

// Reset deletes every key under prefix. Tests use it to isolate runs.
func Reset(ctx context.Context, s Store, prefix string) {
	keys := s.KeysMatching(ctx, prefix)
	if len(keys) == 0 {
		return
	}
	s.Delete(ctx, keys...)
}
