package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript atomically prunes expired grants, checks the ceiling, and
// records n new grants. Running it as a Lua script means concurrent workers
// in separate processes can never race past the ceiling.
//
// KEYS[1] window sorted set
// ARGV[1] window floor (ms epoch) - grants at or below are expired
// ARGV[2] n slots requested
// ARGV[3] ceiling
// ARGV[4] now (ms epoch), used as the member score
// ARGV[5] unique member prefix for this reservation
// ARGV[6] key TTL (ms)
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local n = tonumber(ARGV[2])
if count + n > tonumber(ARGV[3]) then
	return 0
end
for i = 1, n do
	redis.call('ZADD', KEYS[1], ARGV[4], ARGV[5] .. ':' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// RedisStore coordinates the join window across processes through a shared
// Redis sorted set. Every fetcher worker, in every process, must point at
// the same key.
type RedisStore struct {
	client  *redis.Client
	key     string
	ceiling int
	window  time.Duration
}

// NewRedisStore connects the counter to a Redis instance. The key defaults
// to "lurkerwatch:joinwindow" when empty.
func NewRedisStore(client *redis.Client, key string, ceiling int, window time.Duration) *RedisStore {
	if key == "" {
		key = "lurkerwatch:joinwindow"
	}
	if ceiling <= 0 {
		ceiling = 20
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &RedisStore{client: client, key: key, ceiling: ceiling, window: window}
}

// TryReserve implements CounterStore. Any Redis error is surfaced so the
// limiter fails fast instead of proceeding unthrottled.
func (s *RedisStore) TryReserve(ctx context.Context, n int) (bool, error) {
	nowMs := time.Now().UnixMilli()
	floorMs := nowMs - s.window.Milliseconds()
	member := uuid.NewString()
	res, err := reserveScript.Run(ctx, s.client, []string{s.key},
		floorMs, n, s.ceiling, nowMs, member, s.window.Milliseconds()*2,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	return res == 1, nil
}

// Ping verifies the shared store is reachable; called at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ CounterStore = (*RedisStore)(nil)
