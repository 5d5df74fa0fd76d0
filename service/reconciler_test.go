package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/relayguard/relayguard/common"
	"github.com/relayguard/relayguard/constant"
	"github.com/relayguard/relayguard/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Provider{}, &model.RequestLog{}))
	return db
}

func testReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		SyncInterval:       time.Minute,
		CheckInterval:      time.Hour,
		WarnDriftPct:       10,
		RepairDriftPct:     30,
		SyncLockTTL:        time.Minute,
		CheckLockTTL:       5 * time.Minute,
		RecoveryUsageSpan:  24 * time.Hour,
		RecoveryActiveSpan: 5 * time.Minute,
	}
}

type reconcilerFixture struct {
	rec     *Reconciler
	counter *RealtimeCounter
	db      *gorm.DB
	mr      *miniredis.Miniredis
	now     time.Time
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	rs, mr := newTestRedis(t)
	db := newTestDB(t)
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	counter := NewRealtimeCounter(rs, RealtimeCounterConfig{
		CounterTTL:   constant.TTLUserCounter,
		IndexTTL:     constant.TTLActiveIndex,
		ActiveWindow: 5 * time.Minute,
	})
	counter.now = clock

	rec := NewReconciler(rs, db, counter, testReconcilerConfig())
	rec.now = clock
	return &reconcilerFixture{rec: rec, counter: counter, db: db, mr: mr, now: now}
}

func (f *reconcilerFixture) seedUser(t *testing.T, id int, status int) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.User{
		Id:       id,
		Username: "user-" + strconv.Itoa(id),
		Status:   status,
	}).Error)
}

func (f *reconcilerFixture) seedRequests(t *testing.T, userId, n int, cost float64, sessionId string, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.db.Create(&model.RequestLog{
			UserId:     userId,
			SessionId:  sessionId,
			ModelName:  "claude-sonnet-4",
			Cost:       decimal.NewFromFloat(cost),
			StatusCode: 200,
			CreatedAt:  at,
		}).Error)
	}
}

func TestDriftPct(t *testing.T) {
	tests := []struct {
		name   string
		fast   float64
		ledger float64
		want   float64
	}{
		{name: "no drift", fast: 100, ledger: 100, want: 0},
		{name: "fast ahead", fast: 110, ledger: 100, want: 10},
		{name: "fast behind", fast: 60, ledger: 100, want: 40},
		{name: "both zero", fast: 0, ledger: 0, want: 0},
		{name: "ledger zero fast not", fast: 5, ledger: 0, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, driftPct(tt.fast, tt.ledger), 1e-9)
		})
	}
}

func TestConsistencyPassRepairsLargeDrift(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.seedUser(t, 1, model.UserStatusEnabled)
	f.seedRequests(t, 1, 3, 0.5, "sess_a", f.now)
	// The fast counter drifted way past the ledger.
	f.counter.SetCounters(ctx, 1, 100, 10)

	repaired, err := f.rec.ConsistencyPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	stats, ok := f.counter.GetUserStats(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.TodayRequests)
	assert.InDelta(t, 1.5, stats.TodayCost, 1e-6)

	// With no traffic in between, a second pass finds nothing to repair.
	repaired, err = f.rec.ConsistencyPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
}

func TestConsistencyPassWarnsButKeepsSmallDrift(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.seedUser(t, 1, model.UserStatusEnabled)
	f.seedRequests(t, 1, 10, 1, "sess_a", f.now)
	// 20% drift: over the warn threshold, under the repair threshold.
	f.counter.SetCounters(ctx, 1, 12, 12)

	repaired, err := f.rec.ConsistencyPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)

	stats, ok := f.counter.GetUserStats(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(12), stats.TodayRequests)
}

func TestConsistencyPassRepairsGhostCounters(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	// No ledger rows at all, but the fast store claims usage.
	f.seedUser(t, 1, model.UserStatusEnabled)
	f.counter.SetCounters(ctx, 1, 5, 1)

	repaired, err := f.rec.ConsistencyPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	stats, ok := f.counter.GetUserStats(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(0), stats.TodayRequests)
	assert.InDelta(t, 0, stats.TodayCost, 1e-9)
}

func TestConsistencyPassIgnoresDisabledUsers(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.seedUser(t, 1, model.UserStatusDisabled)
	f.seedRequests(t, 1, 3, 0.5, "sess_a", f.now)
	f.counter.SetCounters(ctx, 1, 100, 10)

	repaired, err := f.rec.ConsistencyPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)

	// Untouched: the disabled user is outside the audit set.
	stats, _ := f.counter.GetUserStats(ctx, 1)
	assert.Equal(t, int64(100), stats.TodayRequests)
}

func TestConsistencyPassSkipsWhenLocked(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.seedUser(t, 1, model.UserStatusEnabled)
	f.seedRequests(t, 1, 3, 0.5, "sess_a", f.now)
	f.counter.SetCounters(ctx, 1, 100, 10)
	require.NoError(t, f.mr.Set(constant.LockConsistencyKey, "held-elsewhere"))

	repaired, err := f.rec.ConsistencyPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)

	stats, _ := f.counter.GetUserStats(ctx, 1)
	assert.Equal(t, int64(100), stats.TodayRequests)
	// The foreign lock survives the skipped round.
	assert.True(t, f.mr.Exists(constant.LockConsistencyKey))
}

func TestConsistencyPassAbortsOnLedgerError(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.seedUser(t, 1, model.UserStatusEnabled)
	f.counter.SetCounters(ctx, 1, 100, 10)
	require.NoError(t, f.db.Migrator().DropTable(&model.RequestLog{}))

	_, err := f.rec.ConsistencyPass(ctx)
	require.Error(t, err)

	// The counters stay as they were; no partial repair.
	stats, _ := f.counter.GetUserStats(ctx, 1)
	assert.Equal(t, int64(100), stats.TodayRequests)
}

func TestSyncPassPrunesAndReleasesLock(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.counter.TouchActiveSession(ctx, 1, "sess_stale")
	// Rebind the clocks six minutes later so the entry falls out of the
	// window.
	later := f.now.Add(6 * time.Minute)
	f.counter.now = func() time.Time { return later }
	f.rec.now = f.counter.now

	f.rec.SyncPass(ctx)
	assert.Empty(t, f.counter.GetActiveSessionIds(ctx))
	assert.False(t, f.mr.Exists(constant.LockSyncKey))
}

func TestSyncPassSkipsWhenLocked(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.counter.TouchActiveSession(ctx, 1, "sess_stale")
	later := f.now.Add(6 * time.Minute)
	f.counter.now = func() time.Time { return later }
	f.rec.now = f.counter.now
	require.NoError(t, f.mr.Set(constant.LockSyncKey, "held-elsewhere"))

	f.rec.SyncPass(ctx)

	// Nothing pruned: another instance owns this round.
	assert.True(t, f.mr.Exists(constant.ActiveSessionsKey))
	held, err := f.mr.Get(constant.LockSyncKey)
	require.NoError(t, err)
	assert.Equal(t, "held-elsewhere", held)
}

func TestLockTokenProtectsSuccessor(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()

	token, ok := rs.AcquireLock(ctx, constant.LockSyncKey, time.Minute)
	require.True(t, ok)

	// The first holder's TTL lapses and a successor takes the lock.
	mr.FastForward(2 * time.Minute)
	_, ok = rs.AcquireLock(ctx, constant.LockSyncKey, time.Minute)
	require.True(t, ok)

	// The stale token must not release the successor's lock.
	rs.ReleaseLock(ctx, constant.LockSyncKey, token)
	assert.True(t, mr.Exists(constant.LockSyncKey))
}

func TestRecoverFromDatabase(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.seedUser(t, 1, model.UserStatusEnabled)
	f.seedUser(t, 2, model.UserStatusEnabled)
	f.seedRequests(t, 1, 4, 0.25, "sess_recent", f.now.Add(-2*time.Minute))
	f.seedRequests(t, 2, 2, 1, "sess_stale", f.now.Add(-time.Hour))

	require.NoError(t, f.rec.RecoverFromDatabase(ctx))

	stats := f.counter.GetBatchUserStats(ctx, []int{1, 2})
	require.Len(t, stats, 2)
	assert.Equal(t, int64(4), stats[1].TodayRequests)
	assert.InDelta(t, 1.0, stats[1].TodayCost, 1e-6)
	assert.Equal(t, int64(2), stats[2].TodayRequests)
	assert.InDelta(t, 2.0, stats[2].TodayCost, 1e-6)

	// Only sessions with activity inside the recovery span come back.
	ids := f.counter.GetActiveSessionIds(ctx)
	assert.Equal(t, []string{"sess_recent"}, ids)
}

func TestRecoverFromDatabaseWithoutStore(t *testing.T) {
	db := newTestDB(t)
	counter := NewRealtimeCounter(common.NewRedisServiceFromClient(nil), RealtimeCounterConfig{
		CounterTTL:   constant.TTLUserCounter,
		IndexTTL:     constant.TTLActiveIndex,
		ActiveWindow: 5 * time.Minute,
	})
	rec := NewReconciler(common.NewRedisServiceFromClient(nil), db, counter, testReconcilerConfig())

	// Nothing to warm; a degraded start is still a valid start.
	assert.NoError(t, rec.RecoverFromDatabase(context.Background()))
}
