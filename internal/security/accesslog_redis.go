package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pairdesk/internal/constants"
)

// appendScript adds one entry and trims the sorted set in a single step.
// KEYS[1] = log key
// ARGV[1] = score (unix micros), ARGV[2] = member, ARGV[3] = window cutoff score,
// ARGV[4] = entries always kept, ARGV[5] = key ttl in milliseconds
// Returns the number of retained entries.
var appendScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local total = redis.call('ZCARD', KEYS[1])
local old = redis.call('ZCOUNT', KEYS[1], '-inf', ARGV[3])
local drop = math.min(old, total - tonumber(ARGV[4]))
if drop > 0 then
    redis.call('ZREMRANGEBYRANK', KEYS[1], 0, drop - 1)
    total = total - drop
end
if tonumber(ARGV[5]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return total
`)

// RedisLogStore keeps each code's history in a sorted set scored by the
// entry time, so every server instance sees the same anomaly window.
type RedisLogStore struct {
	client    *redis.Client
	retention Retention
	now       func() time.Time
}

func NewRedisLogStore(client *redis.Client, r Retention, now func() time.Time) *RedisLogStore {
	if now == nil {
		now = time.Now
	}
	return &RedisLogStore{client: client, retention: r, now: now}
}

func logKey(code string) string { return constants.RedisAccessLogPrefix + code }

func score(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func (st *RedisLogStore) Append(ctx context.Context, code string, entry AccessLogEntry) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal access entry: %w", err)
	}

	cutoff := st.now().Add(-st.retention.Window)
	_, err = appendScript.Run(ctx, st.client, []string{logKey(code)},
		score(entry.Timestamp),
		member,
		score(cutoff),
		st.retention.Keep,
		st.retention.Idle.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to append access entry: %w", err)
	}
	return nil
}

func (st *RedisLogStore) Since(ctx context.Context, code string, from time.Time) ([]AccessLogEntry, error) {
	members, err := st.client.ZRangeByScore(ctx, logKey(code), &redis.ZRangeBy{
		Min: "(" + score(from),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read access log: %w", err)
	}
	return decodeEntries(members)
}

func (st *RedisLogStore) Recent(ctx context.Context, code string, n int) ([]AccessLogEntry, int, error) {
	if n <= 0 {
		total, err := st.client.ZCard(ctx, logKey(code)).Result()
		return nil, int(total), err
	}

	pipe := st.client.Pipeline()
	card := pipe.ZCard(ctx, logKey(code))
	rng := pipe.ZRange(ctx, logKey(code), int64(-n), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to read access log: %w", err)
	}

	entries, err := decodeEntries(rng.Val())
	if err != nil {
		return nil, 0, err
	}
	return entries, int(card.Val()), nil
}

func (st *RedisLogStore) Delete(ctx context.Context, code string) error {
	return st.client.Del(ctx, logKey(code)).Err()
}

// Close is a no-op; the client is owned by the caller.
func (st *RedisLogStore) Close() error { return nil }

func decodeEntries(members []string) ([]AccessLogEntry, error) {
	entries := make([]AccessLogEntry, 0, len(members))
	for _, m := range members {
		var e AccessLogEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("failed to decode access entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
