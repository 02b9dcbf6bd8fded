package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Required turns an unreachable Redis at startup into an error instead of
	// a silent switch to the in-process adapter.
	Required bool
	Timeout  time.Duration
}

// Open picks the adapter once at startup. A malformed Redis URL is always an
// error; an unreachable server falls back to MemoryStore unless Required.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		logger.Info("keyed store: using in-process adapter")
		return NewMemoryStore(), nil
	}

	var ro *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ro = parsed
	} else {
		ro = &redis.Options{Addr: addr, Password: opts.Password, DB: opts.DB}
	}
	if opts.Timeout > 0 {
		ro.DialTimeout = opts.Timeout
		ro.ReadTimeout = opts.Timeout
		ro.WriteTimeout = opts.Timeout
	}

	client := redis.NewClient(ro)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if opts.Required {
			return nil, fmt.Errorf("redis unreachable at %s: %w", ro.Addr, err)
		}
		logger.Warn("redis unreachable, keyed store falls back to in-process adapter", "addr", ro.Addr, "error", err)
		return NewMemoryStore(), nil
	}
	logger.Info("keyed store: using redis", "addr", ro.Addr, "db", ro.DB)
	return NewRedisStore(client, opts.Timeout, logger), nil
}
