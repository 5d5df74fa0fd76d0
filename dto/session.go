package dto

// SessionView is the typed read model reconstructed from the co-located
// info and usage records. Either half may have expired; the view reports
// what is still there.
type SessionView struct {
	SessionId        string  `json:"session_id"`
	UserId           int     `json:"user_id"`
	KeyId            int     `json:"key_id"`
	Model            string  `json:"model"`
	ApiType          string  `json:"api_type"`
	Status           string  `json:"status"`
	StartTime        int64   `json:"start_time"`
	LastActivity     int64   `json:"last_activity"`
	ProviderId       int     `json:"provider_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CacheTokens      int64   `json:"cache_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUsd          float64 `json:"cost_usd"`
	StatusCode       int     `json:"status_code,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	DurationMs       int64   `json:"duration_ms"`
	HasUsage         bool    `json:"has_usage"`
}

// SessionWithExpiry is the audit view produced by the full keyspace scan.
type SessionWithExpiry struct {
	SessionView
	TTLSeconds int64 `json:"ttl_seconds"`
}

// SessionScanReport partitions every live-session key into sessions touched
// within the activity window and stale-but-not-yet-expired ones.
type SessionScanReport struct {
	Active   []SessionWithExpiry `json:"active"`
	Inactive []SessionWithExpiry `json:"inactive"`
}

// BindingDecision is the structured outcome of a retry-time re-binding
// evaluation. No branch drops information.
type BindingDecision struct {
	Updated bool   `json:"updated"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail"`
}

// BindingDecision reasons.
const (
	BindReasonFirstAttempt     = "first_attempt"
	BindReasonNoBinding        = "no_binding"
	BindReasonPriorityUpgrade  = "priority_upgrade"
	BindReasonFailoverTakeover = "failover_takeover"
	BindReasonKeptExisting     = "kept_existing"
	BindReasonLostRace         = "lost_race"
	BindReasonStoreUnavailable = "store_unavailable"
)
