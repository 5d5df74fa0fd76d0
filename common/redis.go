package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/thanhpk/randstr"
)

// RedisConfig is loaded from the environment. An empty ConnString disables
// the whole fail-open layer; every consumer then runs on its fallback path.
type RedisConfig struct {
	ConnString         string
	PoolSize           int
	MaxRetries         int
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	CommandTimeout     time.Duration
}

func LoadRedisConfigFromEnv() *RedisConfig {
	return &RedisConfig{
		ConnString:         GetEnvOrDefaultString("REDIS_CONN_STRING", ""),
		PoolSize:           GetEnvOrDefault("REDIS_POOL_SIZE", 10),
		MaxRetries:         GetEnvOrDefault("REDIS_MAX_RETRIES", 3),
		InsecureSkipVerify: GetEnvOrDefaultBool("REDIS_INSECURE_SKIP_VERIFY", false),
		DialTimeout:        GetEnvOrDefaultDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		CommandTimeout:     GetEnvOrDefaultDuration("REDIS_COMMAND_TIMEOUT", 3*time.Second),
	}
}

// RedisService owns the connection to the shared fast store. Construction
// never fails: a missing or malformed connection string yields a service
// whose Ready() is false and whose every command is a defined no-op, so the
// request path is never blocked by the store being absent.
type RedisService struct {
	rdb     *redis.Client
	enabled bool
}

func NewRedisService(cfg *RedisConfig) *RedisService {
	if cfg == nil || cfg.ConnString == "" {
		SysLog("REDIS_CONN_STRING not set, fast-store layer is disabled")
		return &RedisService{}
	}
	opt, err := redis.ParseURL(cfg.ConnString)
	if err != nil {
		SysError("failed to parse Redis connection string: " + err.Error() + ", fast-store layer is disabled")
		return &RedisService{}
	}
	// TLS comes purely from the URL scheme (rediss://); the skip-verify
	// toggle exists for self-signed deployments.
	if cfg.InsecureSkipVerify && opt.TLSConfig != nil {
		opt.TLSConfig.InsecureSkipVerify = true
	}
	opt.PoolSize = cfg.PoolSize
	opt.MaxRetries = cfg.MaxRetries
	opt.MinRetryBackoff = 200 * time.Millisecond
	opt.MaxRetryBackoff = 2 * time.Second
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.CommandTimeout
	opt.WriteTimeout = cfg.CommandTimeout

	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		// The client reconnects lazily; individual commands degrade until
		// the store comes back, so a failed boot-time ping is not fatal.
		LogWarn("Redis ping failed: %v, continuing in degraded mode", err)
	} else {
		SysLog(fmt.Sprintf("Redis connected to %s", opt.Addr))
	}
	return &RedisService{rdb: rdb, enabled: true}
}

// NewRedisServiceFromClient wraps an existing client. Used by tests.
func NewRedisServiceFromClient(rdb *redis.Client) *RedisService {
	return &RedisService{rdb: rdb, enabled: rdb != nil}
}

func (s *RedisService) Ready() bool {
	return s != nil && s.enabled
}

func logCmdError(op, key string, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		LogWarn("redis %s failed: key=%s, err=%v", op, key, err)
	}
}

func (s *RedisService) Get(ctx context.Context, key string) (string, bool) {
	if !s.Ready() {
		return "", false
	}
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		logCmdError("GET", key, err)
		return "", false
	}
	return val, true
}

func (s *RedisService) Set(ctx context.Context, key, value string, expiration time.Duration) bool {
	if !s.Ready() {
		return false
	}
	err := s.rdb.Set(ctx, key, value, expiration).Err()
	logCmdError("SET", key, err)
	return err == nil
}

// SetNX is the atomic conditional-write primitive shared by the session
// binding first-write and the reconciler locks.
func (s *RedisService) SetNX(ctx context.Context, key, value string, expiration time.Duration) bool {
	if !s.Ready() {
		return false
	}
	ok, err := s.rdb.SetNX(ctx, key, value, expiration).Result()
	logCmdError("SETNX", key, err)
	return err == nil && ok
}

func (s *RedisService) Del(ctx context.Context, keys ...string) {
	if !s.Ready() || len(keys) == 0 {
		return
	}
	logCmdError("DEL", keys[0], s.rdb.Del(ctx, keys...).Err())
}

func (s *RedisService) Expire(ctx context.Context, key string, expiration time.Duration) bool {
	if !s.Ready() {
		return false
	}
	ok, err := s.rdb.Expire(ctx, key, expiration).Result()
	logCmdError("EXPIRE", key, err)
	return err == nil && ok
}

func (s *RedisService) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if !s.Ready() {
		return 0, false
	}
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		logCmdError("TTL", key, err)
		return 0, false
	}
	return ttl, ttl > 0
}

func (s *RedisService) Exists(ctx context.Context, key string) bool {
	if !s.Ready() {
		return false
	}
	n, err := s.rdb.Exists(ctx, key).Result()
	logCmdError("EXISTS", key, err)
	return err == nil && n > 0
}

// IncrBy bumps a plain integer key and refreshes its TTL in one pipeline.
func (s *RedisService) IncrBy(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, bool) {
	if !s.Ready() {
		return 0, false
	}
	pipe := s.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		logCmdError("INCRBY", key, err)
		return 0, false
	}
	return incr.Val(), true
}

// HSetWithTTL writes hash fields and refreshes the key TTL in one pipeline.
func (s *RedisService) HSetWithTTL(ctx context.Context, key string, fields map[string]interface{}, expiration time.Duration) bool {
	if !s.Ready() || len(fields) == 0 {
		return false
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	_, err := pipe.Exec(ctx)
	logCmdError("HSET", key, err)
	return err == nil
}

func (s *RedisService) HGetAll(ctx context.Context, key string) (map[string]string, bool) {
	if !s.Ready() {
		return nil, false
	}
	result, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		logCmdError("HGETALL", key, err)
		return nil, false
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}

func (s *RedisService) HIncrBy(ctx context.Context, key, field string, delta int64, expiration time.Duration) bool {
	if !s.Ready() {
		return false
	}
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, field, delta)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	_, err := pipe.Exec(ctx)
	logCmdError("HINCRBY", key, err)
	return err == nil
}

func (s *RedisService) HIncrByFloat(ctx context.Context, key, field string, delta float64, expiration time.Duration) bool {
	if !s.Ready() {
		return false
	}
	pipe := s.rdb.TxPipeline()
	pipe.HIncrByFloat(ctx, key, field, delta)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	_, err := pipe.Exec(ctx)
	logCmdError("HINCRBYFLOAT", key, err)
	return err == nil
}

func (s *RedisService) ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) bool {
	if !s.Ready() {
		return false
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: member})
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	_, err := pipe.Exec(ctx)
	logCmdError("ZADD", key, err)
	return err == nil
}

func (s *RedisService) ZRemRangeByScore(ctx context.Context, key, min, max string) int64 {
	if !s.Ready() {
		return 0
	}
	n, err := s.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	logCmdError("ZREMRANGEBYSCORE", key, err)
	return n
}

func (s *RedisService) ZRangeWithScores(ctx context.Context, key string) []redis.Z {
	if !s.Ready() {
		return nil
	}
	result, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		logCmdError("ZRANGE", key, err)
		return nil
	}
	return result
}

func (s *RedisService) ZCard(ctx context.Context, key string) int64 {
	if !s.Ready() {
		return 0
	}
	n, err := s.rdb.ZCard(ctx, key).Result()
	logCmdError("ZCARD", key, err)
	return n
}

// ScanKeys walks the keyspace for a pattern. Used only by audit/debug reads
// and the reconciler, never on the request path.
func (s *RedisService) ScanKeys(ctx context.Context, pattern string) []string {
	if !s.Ready() {
		return nil
	}
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			logCmdError("SCAN", pattern, err)
			return keys
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys
}

// Pipeline hands out a raw pipeline for batched reads/writes. Callers must
// tolerate per-command errors without discarding the whole batch.
func (s *RedisService) Pipeline() (redis.Pipeliner, bool) {
	if !s.Ready() {
		return nil, false
	}
	return s.rdb.Pipeline(), true
}

// releaseLockScript deletes the lock only when the caller still holds it.
const releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// AcquireLock takes a named cross-instance lock for at most ttl. A false
// return means another instance holds it; callers skip their round, they do
// not queue.
func (s *RedisService) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	if !s.Ready() {
		return "", false
	}
	token := randstr.Hex(16)
	if !s.SetNX(ctx, key, token, ttl) {
		return "", false
	}
	return token, true
}

// ReleaseLock gives the lock back, but only if token still matches, so a
// holder whose critical section outlived the TTL cannot delete a successor's
// lock.
func (s *RedisService) ReleaseLock(ctx context.Context, key, token string) {
	if !s.Ready() || token == "" {
		return
	}
	_, err := s.rdb.Eval(ctx, releaseLockScript, []string{key}, token).Result()
	logCmdError("EVAL release lock", key, err)
}
