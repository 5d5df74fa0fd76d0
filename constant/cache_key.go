package constant

import "time"

// Fast-store key namespace. Every subsystem owns exactly one prefix here so
// that the breaker, the affinity manager and the reconciler can never collide
// on a key. All entries are disposable caches; a full wipe is a cold start.
const (
	// Circuit breaker state records, one per target.
	BreakerProviderPrefix = "breaker:provider:"
	BreakerEndpointPrefix = "breaker:endpoint:"

	// Session affinity.
	SessionBindingPrefix     = "session:binding:"
	SessionInfoPrefix        = "session:info:"
	SessionUsagePrefix       = "session:usage:"
	SessionInflightPrefix    = "session:inflight:"
	SessionFingerprintPrefix = "session:fingerprint:"

	// Active-session indices (sorted sets scored by last activity).
	ActiveSessionsKey        = "sessions:active"
	ActiveSessionsUserPrefix = "sessions:active:user:"

	// Realtime per-user counters (hash).
	UserCounterPrefix = "counter:user:"

	// Named locks, one key per purpose.
	LockSyncKey        = "lock:reconcile:sync"
	LockConsistencyKey = "lock:reconcile:consistency"
)

// Counter hash fields.
const (
	CounterFieldConcurrent    = "concurrent_count"
	CounterFieldTodayRequests = "today_requests"
	CounterFieldTodayCost     = "today_cost"
)

// Default TTLs.
const (
	TTLBreakerState  = 24 * time.Hour
	TTLSessionRecord = 300 * time.Second
	TTLSessionBind   = 60 * time.Minute
	TTLInflight      = 90 * time.Second
	TTLFingerprint   = 10 * time.Minute
	TTLUserCounter   = 24 * time.Hour
	TTLActiveIndex   = 24 * time.Hour
)
