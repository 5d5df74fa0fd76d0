package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/relayguard/relayguard/common"
	"github.com/relayguard/relayguard/constant"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// BreakerState is the per-target record persisted in the fast store.
// Read-modify-write with last-writer-wins: the failure signal is approximate
// by design, the breaker only has to trend toward the correct state.
type BreakerState struct {
	TargetId             string `json:"target_id"`
	State                string `json:"state"`
	FailureCount         int    `json:"failure_count"`
	LastFailureTime      int64  `json:"last_failure_time,omitempty"`
	OpenUntil            int64  `json:"open_until,omitempty"`
	HalfOpenSuccessCount int    `json:"half_open_success_count"`
}

func encodeBreakerState(s *BreakerState) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// decodeBreakerState tolerates partially-expired or older-schema records by
// defaulting every missing field instead of failing.
func decodeBreakerState(raw, targetId string) *BreakerState {
	state := &BreakerState{TargetId: targetId, State: BreakerClosed}
	if raw == "" {
		return state
	}
	if err := json.Unmarshal([]byte(raw), state); err != nil {
		common.LogWarn("malformed breaker state for %s: %v", targetId, err)
		return &BreakerState{TargetId: targetId, State: BreakerClosed}
	}
	if state.State == "" {
		state.State = BreakerClosed
	}
	if state.TargetId == "" {
		state.TargetId = targetId
	}
	return state
}

// CircuitBreakerConfig carries the policy knobs. Provider and endpoint
// breakers run the same machine with separate policies.
type CircuitBreakerConfig struct {
	FailureThreshold         int
	HalfOpenSuccessThreshold int
	OpenDuration             time.Duration
	StateTTL                 time.Duration
}

func LoadProviderBreakerConfigFromEnv() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         common.GetEnvOrDefault("BREAKER_FAILURE_THRESHOLD", 5),
		HalfOpenSuccessThreshold: common.GetEnvOrDefault("BREAKER_HALF_OPEN_SUCCESS_THRESHOLD", 2),
		OpenDuration:             common.GetEnvOrDefaultDuration("BREAKER_OPEN_DURATION", 30*time.Minute),
		StateTTL:                 constant.TTLBreakerState,
	}
}

func LoadEndpointBreakerConfigFromEnv() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         common.GetEnvOrDefault("ENDPOINT_BREAKER_FAILURE_THRESHOLD", 10),
		HalfOpenSuccessThreshold: common.GetEnvOrDefault("ENDPOINT_BREAKER_HALF_OPEN_SUCCESS_THRESHOLD", 2),
		OpenDuration:             common.GetEnvOrDefaultDuration("ENDPOINT_BREAKER_OPEN_DURATION", 10*time.Minute),
		StateTTL:                 constant.TTLBreakerState,
	}
}

// CircuitBreaker gates routing eligibility for one class of targets. When
// the fast store is unavailable it reports every target closed: routing
// becomes less precise, requests never fail because of it.
type CircuitBreaker struct {
	redis     *common.RedisService
	cfg       CircuitBreakerConfig
	keyPrefix string
	now       func() time.Time
}

func NewProviderBreaker(redis *common.RedisService, cfg CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(redis, constant.BreakerProviderPrefix, cfg)
}

func newCircuitBreaker(redis *common.RedisService, keyPrefix string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		redis:     redis,
		cfg:       cfg,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (b *CircuitBreaker) stateKey(targetId string) string {
	return b.keyPrefix + targetId
}

func (b *CircuitBreaker) load(ctx context.Context, targetId string) *BreakerState {
	raw, _ := b.redis.Get(ctx, b.stateKey(targetId))
	return decodeBreakerState(raw, targetId)
}

func (b *CircuitBreaker) save(ctx context.Context, state *BreakerState) {
	b.redis.Set(ctx, b.stateKey(state.TargetId), encodeBreakerState(state), b.cfg.StateTTL)
}

// IsOpen reports whether the target must be excluded from selection. An
// elapsed open window transitions the target to half-open right here on the
// read path; there is no timer.
func (b *CircuitBreaker) IsOpen(ctx context.Context, targetId string) bool {
	if !b.redis.Ready() {
		return false
	}
	state := b.load(ctx, targetId)
	if state.State != BreakerOpen {
		return false
	}
	if b.now().Unix() >= state.OpenUntil {
		state.State = BreakerHalfOpen
		state.HalfOpenSuccessCount = 0
		b.save(ctx, state)
		common.SysLog(fmt.Sprintf("breaker %s%s: open window elapsed, entering half-open", b.keyPrefix, targetId))
		return false
	}
	return true
}

// GetState returns the current record for monitoring, applying the same
// lazy open window expiry as IsOpen.
func (b *CircuitBreaker) GetState(ctx context.Context, targetId string) *BreakerState {
	if !b.redis.Ready() {
		return &BreakerState{TargetId: targetId, State: BreakerClosed}
	}
	state := b.load(ctx, targetId)
	if state.State == BreakerOpen && b.now().Unix() >= state.OpenUntil {
		state.State = BreakerHalfOpen
		state.HalfOpenSuccessCount = 0
		b.save(ctx, state)
	}
	return state
}

// RecordFailure counts a failure against the target. Reaching the threshold
// while closed opens the breaker; any failure while half-open reopens it
// with a fresh window.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, targetId string, cause error) {
	if !b.redis.Ready() {
		return
	}
	now := b.now()
	state := b.load(ctx, targetId)
	state.LastFailureTime = now.Unix()

	switch state.State {
	case BreakerHalfOpen:
		state.State = BreakerOpen
		state.OpenUntil = now.Add(b.cfg.OpenDuration).Unix()
		state.HalfOpenSuccessCount = 0
		common.SysLog(fmt.Sprintf("breaker %s%s: failure while half-open, reopening until %d (%v)",
			b.keyPrefix, targetId, state.OpenUntil, cause))
	case BreakerOpen:
		// Already open; keep the count for observability.
		state.FailureCount++
	default:
		state.FailureCount++
		if state.FailureCount >= b.cfg.FailureThreshold {
			state.State = BreakerOpen
			state.OpenUntil = now.Add(b.cfg.OpenDuration).Unix()
			common.SysLog(fmt.Sprintf("breaker %s%s: %d consecutive failures, opening until %d (%v)",
				b.keyPrefix, targetId, state.FailureCount, state.OpenUntil, cause))
		}
	}
	b.save(ctx, state)
}

// RecordSuccess counts a success. While half-open, enough successes close
// the breaker and zero the counters; while closed it resets the consecutive
// failure count.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, targetId string) {
	if !b.redis.Ready() {
		return
	}
	state := b.load(ctx, targetId)
	switch state.State {
	case BreakerHalfOpen:
		state.HalfOpenSuccessCount++
		if state.HalfOpenSuccessCount >= b.cfg.HalfOpenSuccessThreshold {
			state.State = BreakerClosed
			state.FailureCount = 0
			state.HalfOpenSuccessCount = 0
			common.SysLog(fmt.Sprintf("breaker %s%s: recovered, closing", b.keyPrefix, targetId))
		}
		b.save(ctx, state)
	case BreakerClosed:
		if state.FailureCount > 0 {
			state.FailureCount = 0
			b.save(ctx, state)
		}
	}
}

// Reset forces closed with zeroed counters. Manual operator recovery.
func (b *CircuitBreaker) Reset(ctx context.Context, targetId string) {
	if !b.redis.Ready() {
		return
	}
	b.save(ctx, &BreakerState{TargetId: targetId, State: BreakerClosed})
	common.SysLog(fmt.Sprintf("breaker %s%s: manually reset", b.keyPrefix, targetId))
}

// BatchGetStates reads many targets in a single round trip. A bad or missing
// entry yields a closed default for that target only; the batch survives.
func (b *CircuitBreaker) BatchGetStates(ctx context.Context, targetIds []string) map[string]*BreakerState {
	result := make(map[string]*BreakerState, len(targetIds))
	for _, id := range targetIds {
		result[id] = &BreakerState{TargetId: id, State: BreakerClosed}
	}
	pipe, ok := b.redis.Pipeline()
	if !ok || len(targetIds) == 0 {
		return result
	}
	cmds := make(map[string]*redis.StringCmd, len(targetIds))
	for _, id := range targetIds {
		cmds[id] = pipe.Get(ctx, b.stateKey(id))
	}
	_, _ = pipe.Exec(ctx) // per-key errors inspected below
	now := b.now().Unix()
	for id, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		state := decodeBreakerState(raw, id)
		if state.State == BreakerOpen && now >= state.OpenUntil {
			state.State = BreakerHalfOpen
			state.HalfOpenSuccessCount = 0
		}
		result[id] = state
	}
	return result
}
