package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"pairdesk/internal/config"
	"pairdesk/internal/logger"
)

// ConnectRedis returns a live Redis client when one is configured and
// reachable, nil otherwise. The nil result selects the in-memory stores.
func ConnectRedis(conf config.Redis, log *logger.Logger) *redis.Client {
	if !conf.Enabled() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr(),
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", conf.Addr()).Msg("⚠️  Redis connection failed")
		_ = client.Close()
		return nil
	}
	return client
}

// NewStore builds the session repository, Redis backed when client is set.
func NewStore(conf config.Session, client *redis.Client, opts ...Option) Repository {
	opts = append([]Option{
		WithTTL(conf.TTL),
		WithSweepInterval(conf.SweepInterval),
		WithMaxCodeAttempts(conf.MaxCodeAttempts),
	}, opts...)

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if client != nil {
		store, err := NewRedisStore(client, opts...)
		if err == nil {
			o.log.Info().Msg("💾 Using Redis session store")
			return store
		}
		o.log.Warn().Err(err).Msg("⚠️  Redis session store unavailable")
		o.log.Info().Msg("💾 Falling back to in-memory session store")
	} else {
		o.log.Info().Msg("💾 Using in-memory session store")
	}
	return NewMemoryStore(opts...)
}
