package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// reserveScript atomically applies both refresh limits against a sorted
// set of refresh timestamps (score = unix millis). Returning the denial
// from inside the script keeps check-and-claim race free across
// instances.
//
// KEYS[1] = refresh set key
// ARGV    = now_ms, min_gap_ms, window_ms, window_limit
//
// Replies {1} on grant, {0, reason, retry_after_ms} on denial.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local min_gap = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local last = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
if #last > 0 then
  local gap = now - tonumber(last[2])
  if gap < min_gap then
    return {0, 'min_gap', min_gap - gap}
  end
end

if redis.call('ZCARD', key) >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, 'window', tonumber(oldest[2]) + window - now}
end

redis.call('ZADD', key, now, tostring(now))
redis.call('PEXPIRE', key, window)
return {1}
`)

// Redis is the shared Coordinator for multi-instance deployments. All
// instances pointing at the same Redis observe one refresh history and
// one call budget per tenant.
type Redis struct {
	rdb     redis.UniversalClient
	refresh RefreshPolicy
	calls   CallBudget
}

// NewRedis wraps an existing Redis client as a Coordinator.
func NewRedis(rdb redis.UniversalClient, refresh RefreshPolicy, calls CallBudget) *Redis {
	return &Redis{rdb: rdb, refresh: refresh, calls: calls}
}

func refreshKey(tenantID string) string {
	return "sdpbridge:refresh:" + tenantID
}

func callKey(tenantID, window string, bucket int64) string {
	return fmt.Sprintf("sdpbridge:calls:%s:%s:%d", tenantID, window, bucket)
}

func (r *Redis) ReserveRefresh(ctx context.Context, tenantID string) error {
	now := time.Now()
	res, err := reserveScript.Run(ctx, r.rdb, []string{refreshKey(tenantID)},
		now.UnixMilli(),
		r.refresh.MinGap.Milliseconds(),
		r.refresh.Window.Milliseconds(),
		r.refresh.WindowLimit,
	).Slice()
	if err != nil {
		// Fail closed: without coordination another instance may have
		// just refreshed, and a blind second refresh risks revocation.
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("refresh reservation backend failed")
		return &DeniedError{Reason: ReasonUnavailable, RetryAfter: r.refresh.MinGap}
	}

	if granted, _ := res[0].(int64); granted == 1 {
		return nil
	}

	reason := ReasonRefreshWindow
	if s, _ := res[1].(string); s == "min_gap" {
		reason = ReasonRefreshMinGap
	}
	retryMs, _ := res[2].(int64)
	return &DeniedError{Reason: reason, RetryAfter: time.Duration(retryMs) * time.Millisecond}
}

func (r *Redis) RecordCall(ctx context.Context, tenantID string) error {
	now := time.Now()
	type window struct {
		name  string
		d     time.Duration
		limit int
	}
	windows := []window{
		{"m", time.Minute, r.calls.PerMinute},
		{"h", time.Hour, r.calls.PerHour},
		{"d", 24 * time.Hour, r.calls.PerDay},
	}

	pipe := r.rdb.Pipeline()
	incrs := make([]*redis.IntCmd, len(windows))
	for i, w := range windows {
		if w.limit <= 0 {
			continue
		}
		bucket := now.UnixMilli() / w.d.Milliseconds()
		key := callKey(tenantID, w.name, bucket)
		incrs[i] = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, w.d)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: an uncounted call is the lesser harm.
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("call budget backend failed, allowing call")
		return nil
	}

	for i, w := range windows {
		if incrs[i] == nil {
			continue
		}
		if n := incrs[i].Val(); n > int64(w.limit) {
			bucketStart := now.UnixMilli() / w.d.Milliseconds() * w.d.Milliseconds()
			retry := time.UnixMilli(bucketStart).Add(w.d).Sub(now)
			return &DeniedError{Reason: ReasonCallBudget, RetryAfter: retry}
		}
	}
	return nil
}

func (r *Redis) ResetLimits(ctx context.Context, tenantID string) error {
	iter := r.rdb.Scan(ctx, 0, "sdpbridge:calls:"+tenantID+":*", 100).Iterator()
	keys := []string{refreshKey(tenantID)}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return r.rdb.Del(ctx, keys...).Err()
}
