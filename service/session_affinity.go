package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relayguard/relayguard/common"
	"github.com/relayguard/relayguard/constant"
	"github.com/relayguard/relayguard/dto"
	"github.com/relayguard/relayguard/model"
)

// ProviderFinder resolves provider metadata for priority comparisons.
type ProviderFinder interface {
	FindById(id int) (*model.Provider, bool)
}

type SessionAffinityConfig struct {
	// ShortContextThreshold is the message count at or below which a
	// client-supplied id seen under concurrency is treated as two unrelated
	// parallel tasks. Policy constant, tuned empirically.
	ShortContextThreshold int
	SessionTTL            time.Duration
	BindingTTL            time.Duration
	InflightTTL           time.Duration
	FingerprintTTL        time.Duration
}

func LoadSessionAffinityConfigFromEnv() SessionAffinityConfig {
	return SessionAffinityConfig{
		ShortContextThreshold: common.GetEnvOrDefault("SESSION_SHORT_CONTEXT_THRESHOLD", 2),
		SessionTTL:            common.GetEnvOrDefaultDuration("SESSION_RECORD_TTL", constant.TTLSessionRecord),
		BindingTTL:            common.GetEnvOrDefaultDuration("SESSION_BINDING_TTL", constant.TTLSessionBind),
		InflightTTL:           constant.TTLInflight,
		FingerprintTTL:        constant.TTLFingerprint,
	}
}

// SessionBinding is the session→provider record. Exactly one exists per
// session; it is created by an atomic first-write and only overwritten by
// the migration rules in ReconsiderBinding.
type SessionBinding struct {
	SessionId  string `json:"session_id"`
	ProviderId int    `json:"provider_id"`
	BoundAt    int64  `json:"bound_at"`
	TTLSeconds int64  `json:"ttl"`
}

func decodeSessionBinding(raw, sessionId string) *SessionBinding {
	binding := &SessionBinding{SessionId: sessionId}
	if raw == "" {
		return binding
	}
	if err := json.Unmarshal([]byte(raw), binding); err != nil {
		// Legacy format: plain provider id.
		if id, convErr := strconv.Atoi(strings.TrimSpace(raw)); convErr == nil {
			binding.ProviderId = id
			return binding
		}
		common.LogWarn("malformed session binding for %s: %v", sessionId, err)
	}
	if binding.SessionId == "" {
		binding.SessionId = sessionId
	}
	return binding
}

// SessionStart describes a request entering the gateway.
type SessionStart struct {
	SessionId string
	UserId    int
	KeyId     int
	Model     string
	ApiType   string
}

// SessionUsageUpdate is written when the response completes.
type SessionUsageUpdate struct {
	PromptTokens     int64
	CompletionTokens int64
	CacheTokens      int64
	CostUsd          float64
	StatusCode       int
	ErrorMessage     string
}

// Session statuses.
const (
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusError      = "error"
)

// SessionAffinity pins a multi-turn conversation to one upstream provider
// across retries and keeps the live-session records used for operational
// monitoring. Every store failure degrades to "no affinity", never to a
// failed request.
type SessionAffinity struct {
	redis     *common.RedisService
	providers ProviderFinder
	breaker   *CircuitBreaker
	counter   *RealtimeCounter
	tasks     *TaskTracker
	cfg       SessionAffinityConfig
	now       func() time.Time
}

func NewSessionAffinity(redis *common.RedisService, providers ProviderFinder, breaker *CircuitBreaker, counter *RealtimeCounter, tasks *TaskTracker, cfg SessionAffinityConfig) *SessionAffinity {
	return &SessionAffinity{
		redis:     redis,
		providers: providers,
		breaker:   breaker,
		counter:   counter,
		tasks:     tasks,
		cfg:       cfg,
		now:       time.Now,
	}
}

func bindingKey(sessionId string) string {
	return constant.SessionBindingPrefix + sessionId
}

func infoKey(sessionId string) string {
	return constant.SessionInfoPrefix + sessionId
}

func usageKey(sessionId string) string {
	return constant.SessionUsagePrefix + sessionId
}

func inflightKey(sessionId string) string {
	return constant.SessionInflightPrefix + sessionId
}

func fingerprintKey(keyId int, fingerprint string) string {
	return fmt.Sprintf("%s%d:%s", constant.SessionFingerprintPrefix, keyId, fingerprint)
}

// NewSessionId mints an unguessable fresh session id.
func NewSessionId() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ResolveSessionID decides which session id this request belongs to.
//
// A client-supplied id is normally reused, except when the conversation is
// short (≤ ShortContextThreshold messages) and the same id already has a
// request in flight: a short prompt recurring under concurrency is evidence
// of two unrelated parallel tasks, so a fresh id is minted instead. Without
// a client id the content fingerprint is tried (best effort), and only as a
// last resort a fresh id is minted.
func (a *SessionAffinity) ResolveSessionID(ctx context.Context, keyId int, clientId, fingerprint string, recentMessageCount int) string {
	if clientId != "" {
		if recentMessageCount <= a.cfg.ShortContextThreshold && a.inflightCount(ctx, clientId) > 0 {
			fresh := NewSessionId()
			common.LogDebug("session %s busy with a short context (%d msgs), minting %s", clientId, recentMessageCount, fresh)
			return fresh
		}
		return clientId
	}
	if fingerprint != "" {
		key := fingerprintKey(keyId, fingerprint)
		if sid, ok := a.redis.Get(ctx, key); ok {
			a.redis.Expire(ctx, key, a.cfg.FingerprintTTL)
			return sid
		}
		sid := NewSessionId()
		a.redis.Set(ctx, key, sid, a.cfg.FingerprintTTL)
		return sid
	}
	return NewSessionId()
}

// MarkInflight registers an in-flight request under the session id.
func (a *SessionAffinity) MarkInflight(ctx context.Context, sessionId string) {
	a.redis.IncrBy(ctx, inflightKey(sessionId), 1, a.cfg.InflightTTL)
}

// ReleaseInflight retires an in-flight request. The key TTL covers leaked
// releases after a crash.
func (a *SessionAffinity) ReleaseInflight(ctx context.Context, sessionId string) {
	if val, ok := a.redis.IncrBy(ctx, inflightKey(sessionId), -1, a.cfg.InflightTTL); ok && val <= 0 {
		a.redis.Del(ctx, inflightKey(sessionId))
	}
}

func (a *SessionAffinity) inflightCount(ctx context.Context, sessionId string) int64 {
	raw, ok := a.redis.Get(ctx, inflightKey(sessionId))
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

// BindFirstSuccess creates the session→provider binding if none exists.
// Concurrent first attempts race; exactly one wins.
func (a *SessionAffinity) BindFirstSuccess(ctx context.Context, sessionId string, providerId int) bool {
	binding := &SessionBinding{
		SessionId:  sessionId,
		ProviderId: providerId,
		BoundAt:    a.now().Unix(),
		TTLSeconds: int64(a.cfg.BindingTTL.Seconds()),
	}
	data, _ := json.Marshal(binding)
	return a.redis.SetNX(ctx, bindingKey(sessionId), string(data), a.cfg.BindingTTL)
}

// GetBinding returns the current binding, if any.
func (a *SessionAffinity) GetBinding(ctx context.Context, sessionId string) (*SessionBinding, bool) {
	raw, ok := a.redis.Get(ctx, bindingKey(sessionId))
	if !ok {
		return nil, false
	}
	return decodeSessionBinding(raw, sessionId), true
}

func (a *SessionAffinity) overwriteBinding(ctx context.Context, sessionId string, providerId int) {
	binding := &SessionBinding{
		SessionId:  sessionId,
		ProviderId: providerId,
		BoundAt:    a.now().Unix(),
		TTLSeconds: int64(a.cfg.BindingTTL.Seconds()),
	}
	data, _ := json.Marshal(binding)
	a.redis.Set(ctx, bindingKey(sessionId), string(data), a.cfg.BindingTTL)
}

// ReconsiderBinding is the retry-time decision, evaluated only after a
// successful retry outcome. Lower priority number means higher priority.
// A strictly better candidate reclaims the session; an equal or worse one
// takes over only when the bound provider's breaker is open.
func (a *SessionAffinity) ReconsiderBinding(ctx context.Context, sessionId string, candidateId int, candidatePriority int64, isFirstAttempt bool) dto.BindingDecision {
	if !a.redis.Ready() {
		return dto.BindingDecision{
			Reason: dto.BindReasonStoreUnavailable,
			Detail: "fast store unavailable, session affinity skipped",
		}
	}

	if isFirstAttempt {
		if a.BindFirstSuccess(ctx, sessionId, candidateId) {
			return dto.BindingDecision{
				Updated: true,
				Reason:  dto.BindReasonFirstAttempt,
				Detail:  fmt.Sprintf("session %s bound to provider %d on first attempt", sessionId, candidateId),
			}
		}
		return dto.BindingDecision{
			Reason: dto.BindReasonLostRace,
			Detail: fmt.Sprintf("concurrent first attempt already bound session %s", sessionId),
		}
	}

	binding, found := a.GetBinding(ctx, sessionId)
	if !found {
		if a.BindFirstSuccess(ctx, sessionId, candidateId) {
			return dto.BindingDecision{
				Updated: true,
				Reason:  dto.BindReasonNoBinding,
				Detail:  fmt.Sprintf("no binding existed at retry time, session %s bound to provider %d", sessionId, candidateId),
			}
		}
		return dto.BindingDecision{
			Reason: dto.BindReasonLostRace,
			Detail: fmt.Sprintf("concurrent retry already bound session %s", sessionId),
		}
	}

	if binding.ProviderId == candidateId {
		a.redis.Expire(ctx, bindingKey(sessionId), a.cfg.BindingTTL)
		return dto.BindingDecision{
			Reason: dto.BindReasonKeptExisting,
			Detail: fmt.Sprintf("session %s already bound to provider %d", sessionId, candidateId),
		}
	}

	bound, known := a.providers.FindById(binding.ProviderId)
	if !known {
		a.overwriteBinding(ctx, sessionId, candidateId)
		return dto.BindingDecision{
			Updated: true,
			Reason:  dto.BindReasonFailoverTakeover,
			Detail:  fmt.Sprintf("bound provider %d no longer exists, session %s migrated to provider %d", binding.ProviderId, sessionId, candidateId),
		}
	}

	if candidatePriority < bound.GetPriority() {
		a.overwriteBinding(ctx, sessionId, candidateId)
		return dto.BindingDecision{
			Updated: true,
			Reason:  dto.BindReasonPriorityUpgrade,
			Detail: fmt.Sprintf("provider %d (priority %d) reclaims session %s from provider %d (priority %d)",
				candidateId, candidatePriority, sessionId, binding.ProviderId, bound.GetPriority()),
		}
	}

	if a.breaker.IsOpen(ctx, strconv.Itoa(binding.ProviderId)) {
		a.overwriteBinding(ctx, sessionId, candidateId)
		return dto.BindingDecision{
			Updated: true,
			Reason:  dto.BindReasonFailoverTakeover,
			Detail: fmt.Sprintf("bound provider %d breaker is open, session %s migrated to provider %d",
				binding.ProviderId, sessionId, candidateId),
		}
	}

	return dto.BindingDecision{
		Reason: dto.BindReasonKeptExisting,
		Detail: fmt.Sprintf("bound provider %d is healthy and candidate %d has no better priority, session %s kept",
			binding.ProviderId, candidateId, sessionId),
	}
}
