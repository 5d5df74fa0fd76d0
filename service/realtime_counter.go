package service

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/relayguard/relayguard/common"
	"github.com/relayguard/relayguard/constant"
	"github.com/relayguard/relayguard/dto"
)

type RealtimeCounterConfig struct {
	CounterTTL   time.Duration
	IndexTTL     time.Duration
	ActiveWindow time.Duration
}

func LoadCounterConfigFromEnv() RealtimeCounterConfig {
	return RealtimeCounterConfig{
		CounterTTL:   constant.TTLUserCounter,
		IndexTTL:     constant.TTLActiveIndex,
		ActiveWindow: common.GetEnvOrDefaultDuration("ACTIVE_SESSION_WINDOW", constant.TTLSessionRecord),
	}
}

// RealtimeCounter maintains the near-real-time per-user usage counters and
// the active-session indices in the fast store. Counters are approximate by
// design; the reconciler repairs them against the ledger.
type RealtimeCounter struct {
	redis *common.RedisService
	cfg   RealtimeCounterConfig
	now   func() time.Time
}

func NewRealtimeCounter(redis *common.RedisService, cfg RealtimeCounterConfig) *RealtimeCounter {
	return &RealtimeCounter{redis: redis, cfg: cfg, now: time.Now}
}

func counterKey(userId int) string {
	return constant.UserCounterPrefix + strconv.Itoa(userId)
}

func userIndexKey(userId int) string {
	return constant.ActiveSessionsUserPrefix + strconv.Itoa(userId)
}

// Increment atomically bumps one integer metric, refreshing the 24h TTL.
func (c *RealtimeCounter) Increment(ctx context.Context, userId int, metric string, delta int64) bool {
	return c.redis.HIncrBy(ctx, counterKey(userId), metric, delta, c.cfg.CounterTTL)
}

// IncrementCost atomically bumps the cost metric, refreshing the 24h TTL.
func (c *RealtimeCounter) IncrementCost(ctx context.Context, userId int, cost float64) bool {
	return c.redis.HIncrByFloat(ctx, counterKey(userId), constant.CounterFieldTodayCost, cost, c.cfg.CounterTTL)
}

func parseStats(userId int, fields map[string]string) *dto.UserStats {
	stats := &dto.UserStats{UserId: userId}
	if v, err := strconv.ParseInt(fields[constant.CounterFieldConcurrent], 10, 64); err == nil {
		stats.ConcurrentCount = v
	}
	if v, err := strconv.ParseInt(fields[constant.CounterFieldTodayRequests], 10, 64); err == nil {
		stats.TodayRequests = v
	}
	if v, err := strconv.ParseFloat(fields[constant.CounterFieldTodayCost], 64); err == nil {
		stats.TodayCost = v
	}
	return stats
}

// GetUserStats reads one user's counters. Absent record or unavailable
// store reads as "no stats".
func (c *RealtimeCounter) GetUserStats(ctx context.Context, userId int) (*dto.UserStats, bool) {
	fields, ok := c.redis.HGetAll(ctx, counterKey(userId))
	if !ok {
		return nil, false
	}
	return parseStats(userId, fields), true
}

// GetBatchUserStats reads N users in one round trip. Users whose key errors
// or is absent are simply missing from the result; the batch survives.
func (c *RealtimeCounter) GetBatchUserStats(ctx context.Context, userIds []int) map[int]*dto.UserStats {
	result := make(map[int]*dto.UserStats, len(userIds))
	pipe, ok := c.redis.Pipeline()
	if !ok || len(userIds) == 0 {
		return result
	}
	cmds := make(map[int]*redis.StringStringMapCmd, len(userIds))
	for _, id := range userIds {
		cmds[id] = pipe.HGetAll(ctx, counterKey(id))
	}
	_, _ = pipe.Exec(ctx)
	for id, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		result[id] = parseStats(id, fields)
	}
	return result
}

// TouchActiveSession records activity for a session in both the global and
// the per-user time-ordered index.
func (c *RealtimeCounter) TouchActiveSession(ctx context.Context, userId int, sessionId string) {
	if sessionId == "" {
		return
	}
	score := float64(c.now().Unix())
	c.redis.ZAdd(ctx, constant.ActiveSessionsKey, score, sessionId, c.cfg.IndexTTL)
	if userId > 0 {
		c.redis.ZAdd(ctx, userIndexKey(userId), score, sessionId, c.cfg.IndexTTL)
	}
}

// GetActiveSessionIds lists sessions with activity inside the window, most
// recent last.
func (c *RealtimeCounter) GetActiveSessionIds(ctx context.Context) []string {
	cutoff := float64(c.now().Add(-c.cfg.ActiveWindow).Unix())
	var ids []string
	for _, z := range c.redis.ZRangeWithScores(ctx, constant.ActiveSessionsKey) {
		if z.Score < cutoff {
			continue
		}
		if id, ok := z.Member.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// PruneActiveIndices drops entries older than the activity window from the
// global and every per-user index. Called by the sync pass under the sync
// lock.
func (c *RealtimeCounter) PruneActiveIndices(ctx context.Context) int64 {
	max := strconv.FormatInt(c.now().Add(-c.cfg.ActiveWindow).Unix(), 10)
	pruned := c.redis.ZRemRangeByScore(ctx, constant.ActiveSessionsKey, "-inf", max)
	for _, key := range c.redis.ScanKeys(ctx, constant.ActiveSessionsUserPrefix+"*") {
		pruned += c.redis.ZRemRangeByScore(ctx, key, "-inf", max)
	}
	return pruned
}

// ResetDaily zeroes the day-scoped metrics for one user (day boundary).
func (c *RealtimeCounter) ResetDaily(ctx context.Context, userId int) bool {
	return c.redis.HSetWithTTL(ctx, counterKey(userId), map[string]interface{}{
		constant.CounterFieldTodayRequests: 0,
		constant.CounterFieldTodayCost:     "0",
	}, c.cfg.CounterTTL)
}

// SetCounters overwrites the day-scoped metrics with ledger-derived values.
// Used by the consistency auditor's repair path and cold-start recovery.
func (c *RealtimeCounter) SetCounters(ctx context.Context, userId int, requests int64, cost float64) bool {
	return c.redis.HSetWithTTL(ctx, counterKey(userId), map[string]interface{}{
		constant.CounterFieldTodayRequests: requests,
		constant.CounterFieldTodayCost:     strconv.FormatFloat(cost, 'f', -1, 64),
	}, c.cfg.CounterTTL)
}
