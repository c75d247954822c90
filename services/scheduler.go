// services/scheduler.go
package services

import (
	"context"
	"time"

	"rewards-engine/logger"
	"rewards-engine/models"

	"github.com/go-co-op/gocron/v2"
)

// Jobs are the periodic tasks. Each method is one run and can be called
// directly, which is what the admin snapshot route and the tests do.
type Jobs struct {
	Ledger       *LedgerService
	Leaderboards *LeaderboardService
	Rewards      *RewardService
	Log          *logger.Logger
	Timeout      time.Duration
}

func (j *Jobs) context() (context.Context, context.CancelFunc) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}

// RefreshBoards publishes the running period of every board type and scope.
func (j *Jobs) RefreshBoards(ctx context.Context) {
	for _, typ := range LeaderboardTypes {
		if err := j.Leaderboards.SnapshotAll(ctx, typ, ""); err != nil {
			j.Log.Error("leaderboard refresh failed", "type", typ, "error", err)
		}
	}
}

// closePeriod publishes the final board of the period that just ended and
// then zeroes its counter.
func (j *Jobs) closePeriod(ctx context.Context, typ models.LeaderboardType, counter string, now time.Time) {
	ended := PeriodKey(typ, now.Add(-time.Minute))
	if err := j.Leaderboards.SnapshotAll(ctx, typ, ended); err != nil {
		j.Log.Error("final leaderboard failed", "type", typ, "period", ended, "error", err)
	}
	if _, err := j.Ledger.ResetPeriodCounters(ctx, counter); err != nil {
		j.Log.Error("period reset failed", "period", counter, "error", err)
	}
}

// CloseWeek runs at the start of an ISO week.
func (j *Jobs) CloseWeek(ctx context.Context, now time.Time) {
	j.closePeriod(ctx, models.LeaderboardWeeklyXP, PeriodWeekly, now)
}

// CloseMonth runs on the first day of a month.
func (j *Jobs) CloseMonth(ctx context.Context, now time.Time) {
	j.closePeriod(ctx, models.LeaderboardMonthlyXP, PeriodMonthly, now)
}

func (j *Jobs) ExpireRedemptions(ctx context.Context) {
	if _, err := j.Rewards.ExpirePending(ctx, time.Now().UTC(), 200); err != nil {
		j.Log.Error("redemption expiry failed", "error", err)
	}
}

// StartScheduler registers the jobs on a UTC gocron scheduler and starts it.
func StartScheduler(j *Jobs, boardInterval, expiryInterval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	if boardInterval <= 0 {
		boardInterval = time.Hour
	}
	if expiryInterval <= 0 {
		expiryInterval = time.Minute
	}
	single := gocron.WithSingletonMode(gocron.LimitModeReschedule)
	midnight := gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))

	run := func(name string, fn func(ctx context.Context)) gocron.Task {
		return gocron.NewTask(func() {
			ctx, cancel := j.context()
			defer cancel()
			start := time.Now()
			fn(ctx)
			j.Log.Debug("job finished", "job", name, "took", time.Since(start))
		})
	}

	jobs := []struct {
		name string
		def  gocron.JobDefinition
		task gocron.Task
	}{
		{"leaderboard-refresh", gocron.DurationJob(boardInterval), run("leaderboard-refresh", j.RefreshBoards)},
		{"week-close", gocron.WeeklyJob(1, gocron.NewWeekdays(time.Monday), midnight),
			run("week-close", func(ctx context.Context) { j.CloseWeek(ctx, time.Now().UTC()) })},
		{"month-close", gocron.MonthlyJob(1, gocron.NewDaysOfTheMonth(1), midnight),
			run("month-close", func(ctx context.Context) { j.CloseMonth(ctx, time.Now().UTC()) })},
		{"redemption-expiry", gocron.DurationJob(expiryInterval), run("redemption-expiry", j.ExpireRedemptions)},
	}
	for _, def := range jobs {
		if _, err := sched.NewJob(def.def, def.task, gocron.WithName(def.name), single); err != nil {
			_ = sched.Shutdown()
			return nil, err
		}
	}

	sched.Start()
	j.Log.Info("scheduler started", "jobs", len(jobs), "board_interval", boardInterval)
	return sched, nil
}
