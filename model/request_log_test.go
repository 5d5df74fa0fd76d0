package model

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
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
	require.NoError(t, migrate(db))
	return db
}

func seedLog(t *testing.T, db *gorm.DB, userId int, sessionId string, cost float64, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&RequestLog{
		UserId:     userId,
		SessionId:  sessionId,
		ModelName:  "claude-sonnet-4",
		Cost:       decimal.NewFromFloat(cost),
		StatusCode: 200,
		CreatedAt:  at,
	}).Error)
}

func TestSumUserUsageSince(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	seedLog(t, db, 1, "sess_a", 0.5, now.Add(-time.Hour))
	seedLog(t, db, 1, "sess_a", 0.25, now.Add(-30*time.Minute))
	seedLog(t, db, 2, "sess_b", 1, now.Add(-time.Minute))
	// Outside the window.
	seedLog(t, db, 1, "sess_old", 99, now.Add(-48*time.Hour))

	aggs, err := SumUserUsageSince(db, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, aggs, 2)

	byUser := make(map[int]UserUsageAggregate, len(aggs))
	for _, agg := range aggs {
		byUser[agg.UserId] = agg
	}
	assert.Equal(t, int64(2), byUser[1].Requests)
	cost, _ := byUser[1].Cost.Float64()
	assert.InDelta(t, 0.75, cost, 1e-6)
	assert.Equal(t, int64(1), byUser[2].Requests)
}

func TestSumUserUsageSinceEmptyLedger(t *testing.T) {
	db := newTestDB(t)
	aggs, err := SumUserUsageSince(db, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestGetRecentSessionActivity(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	seedLog(t, db, 1, "sess_a", 0.5, now.Add(-4*time.Minute))
	seedLog(t, db, 1, "sess_a", 0.5, now.Add(-2*time.Minute))
	seedLog(t, db, 2, "sess_b", 1, now.Add(-time.Minute))
	// Rows without a session id never surface.
	seedLog(t, db, 3, "", 1, now.Add(-time.Minute))
	// Too old.
	seedLog(t, db, 1, "sess_old", 1, now.Add(-time.Hour))

	rows, err := GetRecentSessionActivity(db, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	bySession := make(map[string]SessionActivity, len(rows))
	for _, row := range rows {
		bySession[row.SessionId] = row
	}
	// The newest row per session wins.
	assert.WithinDuration(t, now.Add(-2*time.Minute), bySession["sess_a"].LastAt, time.Second)
	assert.Equal(t, 1, bySession["sess_a"].UserId)
	assert.Equal(t, 2, bySession["sess_b"].UserId)
}

func TestGetActiveUserIds(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(&User{Id: 1, Username: "alice", Status: UserStatusEnabled}).Error)
	require.NoError(t, db.Create(&User{Id: 2, Username: "bob", Status: UserStatusDisabled}).Error)
	require.NoError(t, db.Create(&User{Id: 3, Username: "carol", Status: UserStatusEnabled}).Error)
	// Soft-deleted users drop out even when still enabled.
	require.NoError(t, db.Delete(&User{Id: 3}).Error)

	ids, err := GetActiveUserIds(db)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)
}

func TestProviderCacheFindById(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&Provider{Id: 1, Name: "primary", Priority: 10, Status: ProviderStatusEnabled}).Error)

	cache := NewProviderCache(db)
	p, ok := cache.FindById(1)
	require.True(t, ok)
	assert.Equal(t, int64(10), p.Priority)

	_, ok = cache.FindById(99)
	assert.False(t, ok)

	// New rows appear after a sync, not before.
	require.NoError(t, db.Create(&Provider{Id: 2, Name: "secondary", Priority: 5, Status: ProviderStatusEnabled}).Error)
	_, ok = cache.FindById(2)
	assert.False(t, ok)
	require.NoError(t, cache.Sync())
	p, ok = cache.FindById(2)
	require.True(t, ok)
	assert.Equal(t, int64(5), p.GetPriority())
}

func TestProviderGetPriorityNilSafe(t *testing.T) {
	var p *Provider
	assert.Equal(t, int64(0), p.GetPriority())
}
