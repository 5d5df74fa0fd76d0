package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/relayguard/relayguard/constant"
	"github.com/relayguard/relayguard/dto"
)

// Live-session records: SessionInfo and SessionUsage live in two co-located
// hashes sharing one sliding TTL, refreshed on every touch. They are written
// at three checkpoints — request start, target selection, response
// completion — and only ever expire, never get hard-deleted.

// StartSession writes the info record for a request entering the gateway and
// registers the activity tick.
func (a *SessionAffinity) StartSession(ctx context.Context, s SessionStart) {
	now := a.now().Unix()
	a.redis.HSetWithTTL(ctx, infoKey(s.SessionId), map[string]interface{}{
		"user_id":       s.UserId,
		"key_id":        s.KeyId,
		"model":         s.Model,
		"api_type":      s.ApiType,
		"start_time":    now,
		"status":        SessionStatusInProgress,
		"last_activity": now,
	}, a.cfg.SessionTTL)
	a.redis.Expire(ctx, usageKey(s.SessionId), a.cfg.SessionTTL)
	a.MarkInflight(ctx, s.SessionId)
	a.tasks.Go(func() {
		a.counter.TouchActiveSession(context.Background(), s.UserId, s.SessionId)
	})
}

// RecordSelection notes which provider the selector settled on.
func (a *SessionAffinity) RecordSelection(ctx context.Context, sessionId string, providerId int) {
	a.redis.HSetWithTTL(ctx, infoKey(sessionId), map[string]interface{}{
		"provider_id":   providerId,
		"last_activity": a.now().Unix(),
	}, a.cfg.SessionTTL)
	a.redis.Expire(ctx, usageKey(sessionId), a.cfg.SessionTTL)
}

// CompleteSession writes the usage record and final status when the response
// finishes, and retires the in-flight marker.
func (a *SessionAffinity) CompleteSession(ctx context.Context, sessionId string, userId int, usage SessionUsageUpdate, status string) {
	now := a.now().Unix()
	usageFields := map[string]interface{}{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"cache_tokens":      usage.CacheTokens,
		"cost_usd":          strconv.FormatFloat(usage.CostUsd, 'f', -1, 64),
	}
	if usage.StatusCode != 0 {
		usageFields["status_code"] = usage.StatusCode
	}
	if usage.ErrorMessage != "" {
		usageFields["error_message"] = usage.ErrorMessage
	}
	a.redis.HSetWithTTL(ctx, usageKey(sessionId), usageFields, a.cfg.SessionTTL)
	a.redis.HSetWithTTL(ctx, infoKey(sessionId), map[string]interface{}{
		"status":        status,
		"last_activity": now,
	}, a.cfg.SessionTTL)
	a.ReleaseInflight(ctx, sessionId)
	a.tasks.Go(func() {
		a.counter.TouchActiveSession(context.Background(), userId, sessionId)
	})
}

func parseHashInt(fields map[string]string, name string) int64 {
	v, _ := strconv.ParseInt(fields[name], 10, 64)
	return v
}

// GetSession reconstructs the typed view from the two co-located records,
// tolerating either half being expired.
func (a *SessionAffinity) GetSession(ctx context.Context, sessionId string) (*dto.SessionView, bool) {
	info, infoOk := a.redis.HGetAll(ctx, infoKey(sessionId))
	usage, usageOk := a.redis.HGetAll(ctx, usageKey(sessionId))
	if !infoOk && !usageOk {
		return nil, false
	}

	view := &dto.SessionView{SessionId: sessionId}
	if infoOk {
		view.UserId = int(parseHashInt(info, "user_id"))
		view.KeyId = int(parseHashInt(info, "key_id"))
		view.Model = info["model"]
		view.ApiType = info["api_type"]
		view.Status = info["status"]
		view.StartTime = parseHashInt(info, "start_time")
		view.LastActivity = parseHashInt(info, "last_activity")
		view.ProviderId = int(parseHashInt(info, "provider_id"))
		if view.StartTime > 0 && view.LastActivity >= view.StartTime {
			view.DurationMs = (view.LastActivity - view.StartTime) * 1000
		}
	}
	if usageOk {
		view.HasUsage = true
		view.PromptTokens = parseHashInt(usage, "prompt_tokens")
		view.CompletionTokens = parseHashInt(usage, "completion_tokens")
		view.CacheTokens = parseHashInt(usage, "cache_tokens")
		view.TotalTokens = view.PromptTokens + view.CompletionTokens + view.CacheTokens
		view.CostUsd, _ = strconv.ParseFloat(usage["cost_usd"], 64)
		view.StatusCode = int(parseHashInt(usage, "status_code"))
		view.ErrorMessage = usage["error_message"]
	}
	return view, true
}

// GetActiveSessions returns views for the sessions currently in the
// activity index. This is the fast dashboard read.
func (a *SessionAffinity) GetActiveSessions(ctx context.Context) []dto.SessionView {
	views := make([]dto.SessionView, 0)
	for _, sessionId := range a.counter.GetActiveSessionIds(ctx) {
		if view, ok := a.GetSession(ctx, sessionId); ok {
			views = append(views, *view)
		}
	}
	return views
}

// GetAllSessionsWithExpiry scans every live-session key, not just the
// indexed ones, and partitions them into sessions touched within the
// activity window and stale-but-unexpired ones. Audit/debug read; it walks
// the keyspace and stays off the request path.
func (a *SessionAffinity) GetAllSessionsWithExpiry(ctx context.Context) dto.SessionScanReport {
	report := dto.SessionScanReport{
		Active:   make([]dto.SessionWithExpiry, 0),
		Inactive: make([]dto.SessionWithExpiry, 0),
	}
	cutoff := a.now().Add(-a.cfg.SessionTTL).Unix()
	for _, key := range a.redis.ScanKeys(ctx, constant.SessionInfoPrefix+"*") {
		sessionId := strings.TrimPrefix(key, constant.SessionInfoPrefix)
		view, ok := a.GetSession(ctx, sessionId)
		if !ok {
			continue // expired between scan and read
		}
		entry := dto.SessionWithExpiry{SessionView: *view}
		if ttl, ok := a.redis.TTL(ctx, key); ok {
			entry.TTLSeconds = int64(ttl.Seconds())
		}
		if view.LastActivity >= cutoff {
			report.Active = append(report.Active, entry)
		} else {
			report.Inactive = append(report.Inactive, entry)
		}
	}
	return report
}
