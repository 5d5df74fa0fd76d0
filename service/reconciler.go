package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/relayguard/relayguard/common"
	"github.com/relayguard/relayguard/constant"
	"github.com/relayguard/relayguard/model"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type ReconcilerConfig struct {
	SyncInterval  time.Duration
	CheckInterval time.Duration
	// WarnDriftPct / RepairDriftPct are the consistency thresholds in
	// percent. Policy constants, tuned empirically.
	WarnDriftPct   float64
	RepairDriftPct float64
	// Lock TTLs bound the critical sections; the slow ledger aggregation
	// runs before the lock is taken, never under it.
	SyncLockTTL        time.Duration
	CheckLockTTL       time.Duration
	RecoveryUsageSpan  time.Duration
	RecoveryActiveSpan time.Duration
}

func LoadReconcilerConfigFromEnv() ReconcilerConfig {
	return ReconcilerConfig{
		SyncInterval:       common.GetEnvOrDefaultDuration("RECONCILE_SYNC_INTERVAL", 5*time.Minute),
		CheckInterval:      common.GetEnvOrDefaultDuration("RECONCILE_CHECK_INTERVAL", time.Hour),
		WarnDriftPct:       common.GetEnvOrDefaultFloat64("RECONCILE_WARN_DRIFT_PCT", 10),
		RepairDriftPct:     common.GetEnvOrDefaultFloat64("RECONCILE_REPAIR_DRIFT_PCT", 30),
		SyncLockTTL:        common.GetEnvOrDefaultDuration("RECONCILE_SYNC_LOCK_TTL", time.Minute),
		CheckLockTTL:       common.GetEnvOrDefaultDuration("RECONCILE_CHECK_LOCK_TTL", 5*time.Minute),
		RecoveryUsageSpan:  24 * time.Hour,
		RecoveryActiveSpan: 5 * time.Minute,
	}
}

// Reconciler keeps the fast-store counters in agreement with the durable
// ledger. It runs per-process timers, but only the instance that wins the
// named lock executes a given round; everyone else skips silently.
type Reconciler struct {
	redis   *common.RedisService
	db      *gorm.DB
	counter *RealtimeCounter
	cfg     ReconcilerConfig
	stop    chan struct{}
	now     func() time.Time
}

func NewReconciler(redis *common.RedisService, db *gorm.DB, counter *RealtimeCounter, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		redis:   redis,
		db:      db,
		counter: counter,
		cfg:     cfg,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the periodic sync and consistency timers.
func (r *Reconciler) Start() {
	gopool.Go(func() {
		ticker := time.NewTicker(r.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SyncPass(context.Background())
			case <-r.stop:
				return
			}
		}
	})
	gopool.Go(func() {
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.ConsistencyPass(context.Background()); err != nil {
					common.SysError("consistency pass aborted: " + err.Error())
				}
			case <-r.stop:
				return
			}
		}
	})
	common.SysLog(fmt.Sprintf("reconciler started (sync every %v, consistency check every %v)",
		r.cfg.SyncInterval, r.cfg.CheckInterval))
}

// Stop halts the timers. In-flight rounds finish on their own.
func (r *Reconciler) Stop() {
	close(r.stop)
}

// SyncPass prunes expired entries from the active-session indices. Exactly
// one gateway instance runs it per interval; losing the lock is an expected,
// silent skip.
func (r *Reconciler) SyncPass(ctx context.Context) {
	token, ok := r.redis.AcquireLock(ctx, constant.LockSyncKey, r.cfg.SyncLockTTL)
	if !ok {
		return
	}
	defer r.redis.ReleaseLock(ctx, constant.LockSyncKey, token)

	pruned := r.counter.PruneActiveIndices(ctx)
	if pruned > 0 {
		common.SysLog(fmt.Sprintf("sync pass pruned %d stale active-session entries", pruned))
	}
}

// driftPct measures how far the fast counter strayed from the ledger value,
// in percent of the ledger value.
func driftPct(fast, ledger float64) float64 {
	if ledger == 0 {
		if fast == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(fast-ledger) / ledger * 100
}

// ConsistencyPass compares fast-store counters against same-day ledger
// aggregates for every active user. Drift over the warn threshold is
// logged; drift over the repair threshold overwrites the counter with the
// ledger-derived value — the database wins. Returns how many users were
// repaired; running it twice with no traffic in between repairs nothing the
// second time.
func (r *Reconciler) ConsistencyPass(ctx context.Context) (int, error) {
	// Ledger aggregation may be slow; run it before taking the lock so the
	// critical section stays well inside the lock TTL.
	userIds, err := model.GetActiveUserIds(r.db)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list active users")
	}
	aggs, err := model.SumUserUsageSince(r.db, common.StartOfDay(r.now()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to aggregate ledger usage")
	}
	aggByUser := lo.Associate(aggs, func(a model.UserUsageAggregate) (int, model.UserUsageAggregate) {
		return a.UserId, a
	})

	token, ok := r.redis.AcquireLock(ctx, constant.LockConsistencyKey, r.cfg.CheckLockTTL)
	if !ok {
		return 0, nil
	}
	defer r.redis.ReleaseLock(ctx, constant.LockConsistencyKey, token)

	stats := r.counter.GetBatchUserStats(ctx, userIds)
	repaired := 0
	for _, userId := range userIds {
		agg := aggByUser[userId]
		ledgerCost, _ := agg.Cost.Float64()

		var fastRequests int64
		var fastCost float64
		if st := stats[userId]; st != nil {
			fastRequests = st.TodayRequests
			fastCost = st.TodayCost
		} else if agg.Requests == 0 {
			continue // nothing on either side
		}

		requestDrift := driftPct(float64(fastRequests), float64(agg.Requests))
		costDrift := driftPct(fastCost, ledgerCost)
		worst := math.Max(requestDrift, costDrift)

		switch {
		case worst > r.cfg.RepairDriftPct:
			r.counter.SetCounters(ctx, userId, agg.Requests, ledgerCost)
			repaired++
			common.LogWarn("counter drift for user %d over %.0f%% (requests %.1f%%, cost %.1f%%), repaired from ledger: requests %d->%d, cost %.6f->%.6f",
				userId, r.cfg.RepairDriftPct, requestDrift, costDrift, fastRequests, agg.Requests, fastCost, ledgerCost)
		case worst > r.cfg.WarnDriftPct:
			common.LogWarn("counter drift for user %d: requests %.1f%% (fast %d, ledger %d), cost %.1f%% (fast %.6f, ledger %.6f)",
				userId, requestDrift, fastRequests, agg.Requests, costDrift, fastCost, ledgerCost)
		}
	}
	return repaired, nil
}

// RecoverFromDatabase cold-bootstraps the fast store after a restart: the
// last day of per-user aggregates and the last minutes of session activity
// are computed from the ledger and bulk-written in one pipeline, so a fresh
// instance does not report zero usage while the fast store catches up.
func (r *Reconciler) RecoverFromDatabase(ctx context.Context) error {
	if !r.redis.Ready() {
		return nil // nothing to warm
	}
	now := r.now()
	aggs, err := model.SumUserUsageSince(r.db, now.Add(-r.cfg.RecoveryUsageSpan))
	if err != nil {
		return errors.Wrap(err, "failed to aggregate ledger usage")
	}
	sessions, err := model.GetRecentSessionActivity(r.db, now.Add(-r.cfg.RecoveryActiveSpan))
	if err != nil {
		return errors.Wrap(err, "failed to list recent session activity")
	}

	pipe, ok := r.redis.Pipeline()
	if !ok {
		return nil
	}
	for _, agg := range aggs {
		cost, _ := agg.Cost.Float64()
		key := counterKey(agg.UserId)
		pipe.HSet(ctx, key, map[string]interface{}{
			constant.CounterFieldTodayRequests: agg.Requests,
			constant.CounterFieldTodayCost:     fmt.Sprintf("%g", cost),
		})
		pipe.Expire(ctx, key, constant.TTLUserCounter)
	}
	for _, s := range sessions {
		score := float64(s.LastAt.Unix())
		pipe.ZAdd(ctx, constant.ActiveSessionsKey, &redis.Z{Score: score, Member: s.SessionId})
		pipe.ZAdd(ctx, userIndexKey(s.UserId), &redis.Z{Score: score, Member: s.SessionId})
		pipe.Expire(ctx, userIndexKey(s.UserId), constant.TTLActiveIndex)
	}
	pipe.Expire(ctx, constant.ActiveSessionsKey, constant.TTLActiveIndex)
	if _, err := pipe.Exec(ctx); err != nil {
		common.LogWarn("cold-start recovery pipeline failed: %v", err)
		return nil // degraded start is still a valid start
	}
	common.SysLog(fmt.Sprintf("cold-start recovery: restored %d user counters and %d active sessions from the ledger",
		len(aggs), len(sessions)))
	return nil
}
