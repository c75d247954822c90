package services

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

// newTestDB opens a private in-memory sqlite database with every table
// migrated. One connection keeps the database alive and serializes writers.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, testDBSeq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// fixedClock is a settable clock for services that take a Now func.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	DB         *gorm.DB
	Clock      *fixedClock
	Ledger     *LedgerService
	Badges     *BadgeService
	Challenges *ChallengeService
	Outcomes   *OutcomeService
	Boards     *LeaderboardService
	Rewards    *RewardService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	clock := &fixedClock{t: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	log := logger.Nop()

	ledger := NewLedgerService(db, log, nil)
	ledger.Now = clock.Now
	badges := NewBadgeService(db, ledger, log)
	challenges := NewChallengeService(db, ledger, badges, log)
	outcomes := NewOutcomeService(db, ledger, badges, challenges, testRules, log)
	boards := NewLeaderboardService(db, log, nil, nil)
	boards.Now = clock.Now
	rewards := NewRewardService(db, ledger, log, 48*time.Hour)

	return &testEnv{
		DB:         db,
		Clock:      clock,
		Ledger:     ledger,
		Badges:     badges,
		Challenges: challenges,
		Outcomes:   outcomes,
		Boards:     boards,
		Rewards:    rewards,
	}
}

func mustAccount(t *testing.T, db *gorm.DB, id string) models.Account {
	t.Helper()
	var acct models.Account
	if err := db.Where("student_id = ?", id).First(&acct).Error; err != nil {
		t.Fatalf("load account %s: %v", id, err)
	}
	return acct
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
