package dto

// UserStats is the realtime counter view for one user.
type UserStats struct {
	UserId          int     `json:"user_id"`
	ConcurrentCount int64   `json:"concurrent_count"`
	TodayRequests   int64   `json:"today_requests"`
	TodayCost       float64 `json:"today_cost"`
}

// BreakerStatus is the monitoring view of one circuit breaker target.
type BreakerStatus struct {
	TargetId             string `json:"target_id"`
	State                string `json:"state"`
	FailureCount         int    `json:"failure_count"`
	HalfOpenSuccessCount int    `json:"half_open_success_count"`
	LastFailureTime      int64  `json:"last_failure_time,omitempty"`
	OpenUntil            int64  `json:"open_until,omitempty"`
}
