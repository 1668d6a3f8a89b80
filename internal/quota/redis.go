package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cadence/internal/config"
	"cadence/internal/model"
)

const defaultKeyPrefix = "cadence:quota"

// Keys rotate with the period they count, so a reset is a new key.
// Old keys expire one period after they stop being written.
const (
	globalKeyTTL = 48 * time.Hour
	tenantKeyTTL = 40 * 24 * time.Hour
)

// tryConsumeScript increments both counters only if neither would pass its
// limit. Returns {0} on success or {scope, used} on refusal (1 global, 2 tenant).
var tryConsumeScript = redis.NewScript(`
local units = tonumber(ARGV[1])
local glimit = tonumber(ARGV[2])
local tlimit = tonumber(ARGV[3])
local g = tonumber(redis.call('GET', KEYS[1]) or '0')
local t = tonumber(redis.call('GET', KEYS[2]) or '0')
if glimit > 0 and g + units > glimit then return {1, g} end
if tlimit > 0 and t + units > tlimit then return {2, t} end
redis.call('INCRBY', KEYS[1], units)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('INCRBY', KEYS[2], units)
redis.call('PEXPIRE', KEYS[2], ARGV[5])
return {0, 0}
`)

// releaseScript decrements both counters, flooring at zero. Missing keys are
// left alone so a release never creates a counter without a TTL.
var releaseScript = redis.NewScript(`
for i, k in ipairs(KEYS) do
  if redis.call('EXISTS', k) == 1 then
    local v = redis.call('DECRBY', k, ARGV[1])
    if v < 0 then
      local ttl = redis.call('PTTL', k)
      redis.call('SET', k, 0)
      if ttl > 0 then redis.call('PEXPIRE', k, ttl) end
    end
  end
end
return 0
`)

// RedisLedger keeps counters in Redis. Limits come from configuration only;
// the tenant cycle is the calendar month in UTC.
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
	limits Limits
	opts   options
}

func NewRedisLedger(rdb redis.UniversalClient, prefix string, limits Limits, opts ...Option) *RedisLedger {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, limits: limits, opts: buildOptions(opts)}
}

// NewRedisClient builds a client from config.
func NewRedisClient(c config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	})
}

func (l *RedisLedger) keys(tenantID string, metric model.Metric, now time.Time) (global, tenant string) {
	now = now.UTC()
	global = fmt.Sprintf("%s:global:%s:%s", l.prefix, metric, now.Format("20060102"))
	tenant = fmt.Sprintf("%s:tenant:%s:%s:%s", l.prefix, tenantID, metric, now.Format("200601"))
	return global, tenant
}

func (l *RedisLedger) Usage(ctx context.Context, tenantID string, metric model.Metric) (model.Usage, model.Usage, error) {
	now := l.opts.now().UTC()
	gk, tk := l.keys(tenantID, metric, now)
	vals, err := l.rdb.MGet(ctx, gk, tk).Result()
	if err != nil {
		return model.Usage{}, model.Usage{}, err
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	global := model.Usage{Metric: metric, Used: asInt64(vals[0]), Limit: l.limits.global(metric), CycleStart: day, CycleEnd: day.AddDate(0, 0, 1)}
	tenant := model.Usage{TenantID: tenantID, Metric: metric, Used: asInt64(vals[1]), Limit: l.limits.tenant(metric), CycleStart: month, CycleEnd: month.AddDate(0, 1, 0)}
	return tenant, global, nil
}

func (l *RedisLedger) CheckAvailability(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	tenant, global, err := l.Usage(ctx, tenantID, metric)
	if err != nil {
		return err
	}
	return checkScopes(tenantID, tenant, global, units)
}

func (l *RedisLedger) Consume(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	if units <= 0 {
		return nil
	}
	gk, tk := l.keys(tenantID, metric, l.opts.now())
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.IncrBy(ctx, gk, units)
		p.PExpire(ctx, gk, globalKeyTTL)
		p.IncrBy(ctx, tk, units)
		p.PExpire(ctx, tk, tenantKeyTTL)
		return nil
	})
	return err
}

func (l *RedisLedger) TryConsume(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	if units <= 0 {
		return nil
	}
	gk, tk := l.keys(tenantID, metric, l.opts.now())
	glimit, tlimit := l.limits.global(metric), l.limits.tenant(metric)
	res, err := tryConsumeScript.Run(ctx, l.rdb, []string{gk, tk},
		units, glimit, tlimit, globalKeyTTL.Milliseconds(), tenantKeyTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return err
	}
	if len(res) != 2 {
		return errors.New("quota: unexpected script reply")
	}
	switch res[0] {
	case 0:
		return nil
	case 1:
		return &ExceededError{Scope: model.ScopeGlobal, TenantID: tenantID, Metric: metric, Used: res[1], Limit: glimit, Requested: units}
	default:
		return &ExceededError{Scope: model.ScopeTenant, TenantID: tenantID, Metric: metric, Used: res[1], Limit: tlimit, Requested: units}
	}
}

func (l *RedisLedger) Release(ctx context.Context, tenantID string, metric model.Metric, units int64) error {
	if units <= 0 {
		return nil
	}
	gk, tk := l.keys(tenantID, metric, l.opts.now())
	return releaseScript.Run(ctx, l.rdb, []string{gk, tk}, units).Err()
}

func asInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
