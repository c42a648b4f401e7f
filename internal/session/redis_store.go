package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pairdesk/internal/constants"
)

const maxUpdateRetries = 5

var errPatchRejected = errors.New("patch rejected")

// deleteIfUnchanged removes a key only while it still holds the value the
// caller read, so a session recreated under the same code survives.
var deleteIfUnchanged = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps sessions in Redis so several server instances share one
// consistent view. Keys outlive ExpiresAt by a short grace so Get and Sweep
// still see the expiry and fire OnExpire.
type RedisStore struct {
	client   *redis.Client
	opts     options
	mu       sync.RWMutex
	onExpire func(code string)
	ctx      context.Context
	cancel   func()
	wg       sync.WaitGroup
}

func NewRedisStore(client *redis.Client, opts ...Option) (*RedisStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := &RedisStore{
		client: client,
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := store.client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	if o.sweepInterval > 0 {
		store.startCleanup()
	}
	return store, nil
}

func key(code string) string { return constants.RedisKeyPrefix + code }

func (st *RedisStore) keyTTL() time.Duration {
	grace := 2 * st.opts.sweepInterval
	if grace <= 0 {
		grace = 2 * constants.SweepInterval
	}
	return st.opts.ttl + grace
}

// expire removes the expired record read as data and fires OnExpire. Only
// the caller whose delete wins reports the expiry.
func (st *RedisStore) expire(code string, data []byte) bool {
	n, err := deleteIfUnchanged.Run(st.ctx, st.client, []string{key(code)}, data).Int()
	if err != nil {
		st.opts.log.Error().Err(err).Str("code", code).Msg("Failed to delete expired session from Redis")
		return false
	}
	if n == 0 {
		return false
	}
	st.expired(code)
	return true
}

func (st *RedisStore) OnExpire(fn func(code string)) {
	st.mu.Lock()
	st.onExpire = fn
	st.mu.Unlock()
}

func (st *RedisStore) expired(code string) {
	st.mu.RLock()
	fn := st.onExpire
	st.mu.RUnlock()
	if fn != nil {
		fn(code)
	}
}

func (st *RedisStore) Create(perms *Permissions) (*Session, error) {
	for i := 0; i < st.opts.maxAttempts; i++ {
		code, err := st.opts.codes()
		if err != nil {
			return nil, err
		}

		s := newSession(code, perms, st.opts.now(), st.opts.ttl)
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
		}

		// SET NX: a live session under the same code is never overwritten.
		ok, err := st.client.SetNX(st.ctx, key(code), data, st.keyTTL()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to save session to redis: %w", err)
		}
		if !ok {
			if _, live := st.Get(code); live {
				st.opts.log.Debug().Str("code", code).Msg("🔁 Pairing code collision, regenerating")
				continue
			}
			// The previous holder was logically expired and has just been removed.
			if ok, err = st.client.SetNX(st.ctx, key(code), data, st.keyTTL()).Result(); err != nil || !ok {
				continue
			}
		}

		st.opts.log.Info().Str("code", code).Dur("ttl", st.opts.ttl).Msg("💾 Session saved to Redis")
		return s, nil
	}
	return nil, ErrCodeSpaceExhausted
}

func (st *RedisStore) Get(code string) (*Session, bool) {
	data, err := st.client.Get(st.ctx, key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		st.opts.log.Error().Err(err).Str("code", code).Msg("Failed to get session from Redis")
		return nil, false
	}

	s, err := decode(data)
	if err != nil {
		st.opts.log.Error().Err(err).Str("code", code).Msg("Failed to unmarshal session")
		return nil, false
	}

	if s.IsExpired(st.opts.now()) {
		st.expire(code, data)
		return nil, false
	}
	return s, true
}

func (st *RedisStore) Update(code string, patch Patch) (*Session, bool) {
	var updated *Session
	k := key(code)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(st.ctx, k).Bytes()
		if err != nil {
			return err
		}
		s, err := decode(data)
		if err != nil {
			return err
		}
		if s.IsExpired(st.opts.now()) {
			return redis.Nil
		}
		if err := patch.apply(s); err != nil {
			return errPatchRejected
		}
		out, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(st.ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(st.ctx, k, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = s
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := st.client.Watch(st.ctx, txf, k)
		switch {
		case err == nil:
			return updated, true
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil), errors.Is(err, errPatchRejected):
			return nil, false
		default:
			st.opts.log.Error().Err(err).Str("code", code).Msg("Failed to update session in Redis")
			return nil, false
		}
	}
	st.opts.log.Warn().Str("code", code).Msg("Session update lost after repeated conflicts")
	return nil, false
}

func (st *RedisStore) Delete(code string) bool {
	n, err := st.client.Del(st.ctx, key(code)).Result()
	if err != nil {
		st.opts.log.Error().Err(err).Str("code", code).Msg("Failed to delete session from Redis")
		return false
	}
	return n > 0
}

// Sweep scans every session key and removes those past ExpiresAt, firing
// OnExpire for each. Redis only drops a key once its grace has run out too.
func (st *RedisStore) Sweep() int {
	removed := 0
	iter := st.client.Scan(st.ctx, 0, constants.RedisKeyPrefix+"*", 100).Iterator()
	for iter.Next(st.ctx) {
		k := iter.Val()
		code := k[len(constants.RedisKeyPrefix):]

		data, err := st.client.Get(st.ctx, k).Bytes()
		if err != nil {
			continue
		}
		s, err := decode(data)
		if err != nil || !s.IsExpired(st.opts.now()) {
			continue
		}
		if st.expire(code, data) {
			removed++
			st.opts.log.Info().Str("code", code).Msg("🗑 Expired session cleaned up (Redis)")
		}
	}
	if err := iter.Err(); err != nil {
		st.opts.log.Error().Err(err).Msg("Redis scan error")
	}
	return removed
}

// Close stops the sweep. The Redis client belongs to the caller.
func (st *RedisStore) Close() error {
	st.cancel()
	st.wg.Wait()
	return nil
}

func (st *RedisStore) startCleanup() {
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(st.opts.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-st.ctx.Done():
				return
			case <-ticker.C:
				st.Sweep()
			}
		}
	}()
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ChatMessages == nil {
		s.ChatMessages = []ChatMessage{}
	}
	return &s, nil
}
