package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/marketdata/pkg/model"
)

// ErrInvalidMarket rejects ids the member encoding cannot order.
var ErrInvalidMarket = errors.New("region and type ids must be positive")

// claimScript picks the lowest-scored member at or below the cutoff and
// re-scores it in the same step. Equal scores fall back to member order,
// which the zero-padded encoding makes region then type.
var claimScript = redis.NewScript(`
local r = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #r == 0 then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], r[1])
return r[1]
`)

// RedisLedger keeps instruments in one sorted set scored by the unix
// microsecond of their last claim; never-claimed instruments score -inf.
// Microseconds match the service clock and stay exact in a float64 score.
type RedisLedger struct {
	rdb redisClient
	key string
}

// redisClient is what RedisLedger needs from a go-redis client.
type redisClient interface {
	redis.Scripter
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
}

func NewRedisLedger(rdb redisClient, key string) *RedisLedger {
	return &RedisLedger{rdb: rdb, key: key}
}

// member encodes m so that lexicographic order is region then type. The
// encoding only orders correctly for positive ids.
func member(m model.Market) string {
	return fmt.Sprintf("%010d:%010d", m.RegionID, m.TypeID)
}

func parseMember(s string) (model.Market, error) {
	var m model.Market
	if _, err := fmt.Sscanf(s, "%d:%d", &m.RegionID, &m.TypeID); err != nil {
		return model.Market{}, fmt.Errorf("malformed schedule member %q: %w", s, err)
	}
	return m, nil
}

func (l *RedisLedger) ClaimNext(ctx context.Context, now time.Time, minInterval time.Duration) (model.Instrument, bool, error) {
	cutoff := now.Add(-minInterval).UnixMicro()

	res, err := claimScript.Run(ctx, l.rdb, []string{l.key}, cutoff, now.UnixMicro()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Instrument{}, false, nil
		}
		return model.Instrument{}, false, fmt.Errorf("claim next instrument: %w", err)
	}
	m, err := parseMember(res)
	if err != nil {
		return model.Instrument{}, false, err
	}
	last := now
	return model.Instrument{Market: m, LastScheduled: &last}, true, nil
}

func (l *RedisLedger) Register(ctx context.Context, m model.Market) error {
	if m.RegionID <= 0 || m.TypeID <= 0 {
		return fmt.Errorf("register instrument %s: %w", m, ErrInvalidMarket)
	}
	err := l.rdb.ZAddNX(ctx, l.key, redis.Z{Score: math.Inf(-1), Member: member(m)}).Err()
	if err != nil {
		return fmt.Errorf("register instrument %s: %w", m, err)
	}
	return nil
}

func (l *RedisLedger) Backlog(ctx context.Context, now time.Time, minInterval time.Duration) (tracked, eligible int64, err error) {
	tracked, err = l.rdb.ZCard(ctx, l.key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count instruments: %w", err)
	}
	cutoff := strconv.FormatInt(now.Add(-minInterval).UnixMicro(), 10)
	eligible, err = l.rdb.ZCount(ctx, l.key, "-inf", cutoff).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count eligible instruments: %w", err)
	}
	return tracked, eligible, nil
}
