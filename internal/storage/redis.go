package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// accumulateScript performs the whole window transition server-side.
// KEYS: window, sum, count. ARGV: current window (ms), raw sample.
// Returns {window, sum, count} of the closed window, or an empty array.
// Sums are written with 17 significant digits so a float64 round-trips.
var accumulateScript = redis.NewScript(`
local ws = redis.call('GET', KEYS[1])
local sum = tonumber(redis.call('GET', KEYS[2]) or '0') or 0
local cnt = tonumber(redis.call('GET', KEYS[3]) or '0') or 0
local closed = {}
if ws and ws ~= ARGV[1] and cnt > 0 then
  closed = {ws, string.format('%.17g', sum), tostring(cnt)}
  sum = 0
  cnt = 0
end
sum = sum + tonumber(ARGV[2])
cnt = cnt + 1
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], string.format('%.17g', sum))
redis.call('SET', KEYS[3], tostring(cnt))
return closed
`)

// closeWindowScript closes a window that started before ARGV[1] without
// touching the stored window start.
var closeWindowScript = redis.NewScript(`
local ws = redis.call('GET', KEYS[1])
local sum = tonumber(redis.call('GET', KEYS[2]) or '0') or 0
local cnt = tonumber(redis.call('GET', KEYS[3]) or '0') or 0
if not ws or cnt <= 0 or (tonumber(ws) or 0) >= tonumber(ARGV[1]) then
  return {}
end
redis.call('SET', KEYS[2], '0')
redis.call('SET', KEYS[3], '0')
return {ws, string.format('%.17g', sum), tostring(cnt)}
`)

// Redis is a Backend on a Redis server.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects to the server described by url (redis://...).
func NewRedis(ctx context.Context, url string, logger zerolog.Logger) (*Redis, error) {
	if url == "" {
		return nil, fmt.Errorf("storage.redis_url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := NewRedisFromClient(redis.NewClient(opts), logger)
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{client: client, logger: logger.With().Str("component", "redis_backend").Logger()}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("redis get", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("redis del", err)
	}
	return nil
}

func (r *Redis) SetAndPush(ctx context.Context, scalarKey, value, listKey, item string, limit int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, scalarKey, value, 0)
		pipe.LPush(ctx, listKey, item)
		if limit > 0 {
			pipe.LTrim(ctx, listKey, 0, int64(limit-1))
		}
		return nil
	})
	if err != nil {
		return unavailable("redis set and push", err)
	}
	return nil
}

func (r *Redis) PushCapped(ctx context.Context, listKey, item string, limit int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, listKey, item)
		if limit > 0 {
			pipe.LTrim(ctx, listKey, 0, int64(limit-1))
		}
		return nil
	})
	if err != nil {
		return unavailable("redis push", err)
	}
	return nil
}

func (r *Redis) Range(ctx context.Context, listKey string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := r.client.LRange(ctx, listKey, 0, stop).Result()
	if err != nil {
		return nil, unavailable("redis lrange", err)
	}
	return items, nil
}

func (r *Redis) Len(ctx context.Context, listKey string) (int64, error) {
	n, err := r.client.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, unavailable("redis llen", err)
	}
	return n, nil
}

func (r *Redis) AddMember(ctx context.Context, setKey, member string) (bool, error) {
	added, err := r.client.SAdd(ctx, setKey, member).Result()
	if err != nil {
		return false, unavailable("redis sadd", err)
	}
	return added > 0, nil
}

func (r *Redis) IsMember(ctx context.Context, setKey, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, unavailable("redis sismember", err)
	}
	return ok, nil
}

func (r *Redis) Members(ctx context.Context, setKey string) ([]string, error) {
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, unavailable("redis smembers", err)
	}
	sort.Strings(members)
	return members, nil
}

func (r *Redis) Accumulate(ctx context.Context, keys AccumulatorKeys, raw float64, window int64) (*WindowTotals, error) {
	res, err := accumulateScript.Run(ctx, r.client,
		[]string{keys.Window, keys.Sum, keys.Count},
		strconv.FormatInt(window, 10),
		strconv.FormatFloat(raw, 'f', -1, 64),
	).StringSlice()
	if err != nil {
		return nil, unavailable("redis accumulate", err)
	}
	return r.closedWindow(keys, res), nil
}

func (r *Redis) CloseWindow(ctx context.Context, keys AccumulatorKeys, window int64) (*WindowTotals, error) {
	res, err := closeWindowScript.Run(ctx, r.client,
		[]string{keys.Window, keys.Sum, keys.Count},
		strconv.FormatInt(window, 10),
	).StringSlice()
	if err != nil {
		return nil, unavailable("redis close window", err)
	}
	return r.closedWindow(keys, res), nil
}

// closedWindow decodes a script reply. A window whose stored fields do not
// parse is dropped: the script has already reset it.
func (r *Redis) closedWindow(keys AccumulatorKeys, res []string) *WindowTotals {
	if len(res) != 3 {
		return nil
	}
	acc, err := decodeAccumulator(res[0], res[1], res[2], true, true, true)
	if err == nil && acc.Count <= 0 {
		err = malformed("accumulator count", nil)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("key", keys.Window).Msg("dropping unreadable closed window")
		return nil
	}
	return &WindowTotals{WindowStart: acc.WindowStart, Sum: acc.Sum, Count: acc.Count}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Backend = (*Redis)(nil)
