package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"rewards-engine/config"
	"rewards-engine/logger"
	"rewards-engine/models"

	"gorm.io/gorm"
)

// Outcome is one learning event from the tutoring platform.
type Outcome struct {
	StudentID        string    `json:"student_id"`
	Subject          string    `json:"subject"`
	Topic            string    `json:"topic"`
	IsCorrect        bool      `json:"is_correct"`
	HintsUsed        int       `json:"hints_used"`
	IsCompleted      bool      `json:"is_completed"`
	Timestamp        time.Time `json:"timestamp"`
	TimeSpentSeconds int64     `json:"time_spent_seconds"`
	// EventID is the producer's id for the event, unique per student; when
	// empty the key is derived from the other fields.
	EventID string `json:"event_id,omitempty"`
}

// Key is the replay key of the outcome. It always includes the student, so
// two students' events never collide.
func (o Outcome) Key() string {
	if id := strings.TrimSpace(o.EventID); id != "" {
		return o.StudentID + ":" + id
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%t|%d|%t|%d|%d",
		o.StudentID, o.Subject, o.Topic, o.IsCorrect, o.HintsUsed, o.IsCompleted,
		o.Timestamp.UTC().UnixNano(), o.TimeSpentSeconds)
	return hex.EncodeToString(h.Sum(nil))
}

// OutcomeResult reports what one outcome changed.
type OutcomeResult struct {
	Duplicate  bool                  `json:"duplicate"`
	XPAwarded  int64                 `json:"xp_awarded"`
	EntryID    string                `json:"ledger_entry_id,omitempty"`
	Level      int                   `json:"level"`
	Available  int64                 `json:"available"`
	Streak     int64                 `json:"streak"`
	Badges     []NewlyEarnedBadge    `json:"badges,omitempty"`
	Challenges []ParticipationUpdate `json:"challenges,omitempty"`
}

// ComputeXP applies the rule table to one outcome. streak is the student's
// streak including the day of the outcome.
func ComputeXP(r config.XPRules, o Outcome, streak int64) int64 {
	xp := r.IncorrectBase
	if o.IsCorrect {
		xp = r.CorrectBase
		if o.HintsUsed == 0 {
			xp += r.NoHintBonus
		}
	}
	if o.IsCompleted {
		xp += r.CompletionBonus
	}
	xp -= int64(o.HintsUsed) * r.PerHintPenalty
	if xp < 0 {
		xp = 0
	}
	if streak > 1 {
		bonus := (streak - 1) * r.StreakBonusPerDay
		if bonus > r.StreakBonusCap {
			bonus = r.StreakBonusCap
		}
		xp += bonus
	}
	return xp
}

// MasteryPct is the accuracy on a topic scaled down until minAttempts answers
// are in.
func MasteryPct(attempts, correct, minAttempts int64) float64 {
	if attempts <= 0 {
		return 0
	}
	pct := float64(correct) / float64(attempts) * 100
	if minAttempts > 0 && attempts < minAttempts {
		pct = pct * float64(attempts) / float64(minAttempts)
	}
	return pct
}

// advanceStreak moves the streak to day (YYYY-MM-DD). Events for a day
// before the last active day leave it untouched.
func advanceStreak(st *models.StudentStats, day string) {
	if st.LastActiveDay == "" {
		st.CurrentStreak = 1
		st.LastActiveDay = day
	} else if day > st.LastActiveDay {
		last, err := time.Parse("2006-01-02", st.LastActiveDay)
		cur, err2 := time.Parse("2006-01-02", day)
		if err == nil && err2 == nil && cur.Sub(last) == 24*time.Hour {
			st.CurrentStreak++
		} else {
			st.CurrentStreak = 1
		}
		st.LastActiveDay = day
	}
	if st.CurrentStreak > st.LongestStreak {
		st.LongestStreak = st.CurrentStreak
	}
}

type OutcomeService struct {
	DB         *gorm.DB
	Ledger     *LedgerService
	Badges     *BadgeService
	Challenges *ChallengeService
	Rules      config.XPRules
	Log        *logger.Logger
}

func NewOutcomeService(db *gorm.DB, ledger *LedgerService, badges *BadgeService, challenges *ChallengeService, rules config.XPRules, log *logger.Logger) *OutcomeService {
	if log == nil {
		log = logger.Nop()
	}
	return &OutcomeService{DB: db, Ledger: ledger, Badges: badges, Challenges: challenges, Rules: rules, Log: log}
}

// ReportOutcome books one learning event: stats, XP, badges and challenge
// progress all commit together. A replayed event changes nothing and reports
// the original XP.
func (s *OutcomeService) ReportOutcome(ctx context.Context, o Outcome) (*OutcomeResult, error) {
	o.StudentID = strings.TrimSpace(o.StudentID)
	if o.StudentID == "" {
		return nil, fmt.Errorf("%w: student_id is required", ErrInvalidInput)
	}
	if o.HintsUsed < 0 || o.TimeSpentSeconds < 0 {
		return nil, fmt.Errorf("%w: hints_used and time_spent_seconds must not be negative", ErrInvalidInput)
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = s.Ledger.now()
	}
	o.Timestamp = o.Timestamp.UTC()
	key := o.Key()

	var res *OutcomeResult
	err := s.Ledger.WithAccount(ctx, o.StudentID, func(atx *AccountTx) error {
		var err error
		res, err = s.apply(atx, o, key)
		return err
	})
	if err != nil && isDuplicateKey(err) {
		// Same event committed by another process in the meantime.
		if prior, lookupErr := s.prior(ctx, o.StudentID, key); lookupErr == nil {
			return prior, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *OutcomeService) apply(atx *AccountTx, o Outcome, key string) (*OutcomeResult, error) {
	tx := atx.Tx
	var seen models.ProcessedOutcome
	err := tx.Where("idempotency_key = ?", key).First(&seen).Error
	if err == nil {
		if seen.AccountID != atx.Account.StudentID {
			return nil, fmt.Errorf("%w: outcome key already used by another student", ErrInvalidInput)
		}
		return s.resultFor(&seen, atx.Account), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	accountID := atx.Account.StudentID
	st, err := statsForUpdate(tx, accountID)
	if err != nil {
		return nil, err
	}
	advanceStreak(st, o.Timestamp.Format("2006-01-02"))
	st.ProblemsAttempted++
	if o.IsCompleted {
		st.ProblemsCompleted++
	}
	if o.IsCorrect {
		st.CorrectAnswers++
	}
	st.HintsUsed += int64(o.HintsUsed)
	st.TimeSpentSeconds += o.TimeSpentSeconds
	if err := tx.Save(st).Error; err != nil {
		return nil, fmt.Errorf("save stats: %w", err)
	}

	if err := s.bumpSubject(tx, accountID, o); err != nil {
		return nil, err
	}

	res := &OutcomeResult{Streak: st.CurrentStreak}
	row := models.ProcessedOutcome{
		IdempotencyKey:   key,
		AccountID:        accountID,
		Subject:          o.Subject,
		Topic:            o.Topic,
		IsCorrect:        o.IsCorrect,
		IsCompleted:      o.IsCompleted,
		HintsUsed:        o.HintsUsed,
		TimeSpentSeconds: o.TimeSpentSeconds,
		OccurredAt:       o.Timestamp,
	}

	if xp := ComputeXP(s.Rules, o, st.CurrentStreak); xp > 0 {
		post, err := s.Ledger.Post(atx, PostRequest{
			Kind:           models.EntryEarn,
			Amount:         xp,
			Source:         "outcome",
			IdempotencyKey: "outcome:" + key,
			Metadata: map[string]interface{}{
				"subject": o.Subject, "topic": o.Topic,
				"correct": o.IsCorrect, "hints": o.HintsUsed, "streak": st.CurrentStreak,
			},
		})
		if err != nil {
			return nil, err
		}
		row.XPAwarded = xp
		row.LedgerEntryID = &post.Entry.ID
		res.XPAwarded = xp
		res.EntryID = post.Entry.ID
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	if s.Badges != nil {
		earned, err := s.Badges.EvaluateIn(atx, TriggerOutcome)
		if err != nil {
			return nil, err
		}
		res.Badges = earned
	}

	if s.Challenges != nil {
		updates, err := s.feedChallenges(atx, st)
		if err != nil {
			return nil, err
		}
		res.Challenges = updates
		for _, u := range updates {
			res.Badges = append(res.Badges, u.Badges...)
		}
	}

	res.Level = atx.Account.Level
	res.Available = atx.Account.Available
	return res, nil
}

func (s *OutcomeService) bumpSubject(tx *gorm.DB, accountID string, o Outcome) error {
	if o.Subject == "" {
		return nil
	}
	var sa models.SubjectAccuracy
	err := tx.Where("account_id = ? AND subject = ?", accountID, o.Subject).First(&sa).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sa = models.SubjectAccuracy{AccountID: accountID, Subject: o.Subject}
	} else if err != nil {
		return err
	}
	sa.Attempts++
	if o.IsCorrect {
		sa.Correct++
	}
	if err := tx.Save(&sa).Error; err != nil {
		return fmt.Errorf("save subject accuracy: %w", err)
	}

	if o.Topic == "" {
		return nil
	}
	var tm models.TopicMastery
	err = tx.Where("account_id = ? AND subject = ? AND topic = ?", accountID, o.Subject, o.Topic).First(&tm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tm = models.TopicMastery{AccountID: accountID, Subject: o.Subject, Topic: o.Topic}
	} else if err != nil {
		return err
	}
	tm.Attempts++
	if o.IsCorrect {
		tm.Correct++
	}
	tm.MasteryPct = MasteryPct(tm.Attempts, tm.Correct, s.Rules.MasteryMinAttempts)
	if err := tx.Save(&tm).Error; err != nil {
		return fmt.Errorf("save topic mastery: %w", err)
	}
	return nil
}

// feedChallenges pushes fresh metric values into every open challenge the
// student is eligible for. Bad challenge definitions are logged and skipped.
func (s *OutcomeService) feedChallenges(atx *AccountTx, st *models.StudentStats) ([]ParticipationUpdate, error) {
	open, err := openChallengesFor(atx.Tx, atx.Account.StudentID, atx.Now)
	if err != nil {
		return nil, err
	}
	var out []ParticipationUpdate
	for i := range open {
		ch := &open[i]
		value, err := s.metricValue(atx.Tx, ch, st)
		if err != nil {
			if errors.Is(err, ErrMalformedChallengeMetric) {
				s.Log.Warn("challenge skipped", "challenge", ch.Slug, "error", err)
				continue
			}
			return nil, err
		}
		upd, err := s.Challenges.RecordProgressIn(atx, ch, value)
		switch {
		case errors.Is(err, ErrMalformedChallengeMetric), errors.Is(err, ErrChallengeClosed):
			s.Log.Warn("challenge skipped", "challenge", ch.Slug, "error", err)
			continue
		case err != nil:
			return nil, err
		}
		if upd.Participation.CurrentValue != upd.PreviousValue || upd.Completed {
			out = append(out, *upd)
		}
	}
	return out, nil
}

// metricValue computes a challenge metric for the student. Counts and time
// only include outcomes inside the challenge window.
func (s *OutcomeService) metricValue(tx *gorm.DB, ch *models.Challenge, st *models.StudentStats) (float64, error) {
	accountID := st.AccountID
	inWindow := tx.Model(&models.ProcessedOutcome{}).
		Where("account_id = ? AND occurred_at >= ? AND occurred_at < ?", accountID, ch.StartsAt, ch.EndsAt)

	switch ch.Metric {
	case models.MetricProblemsCompleted:
		var n int64
		if err := inWindow.Where("is_completed = ?", true).Count(&n).Error; err != nil {
			return 0, err
		}
		return float64(n), nil
	case models.MetricTimeSpent:
		var secs int64
		if err := inWindow.Select("COALESCE(SUM(time_spent_seconds), 0)").Scan(&secs).Error; err != nil {
			return 0, err
		}
		return float64(secs) / 60, nil
	case models.MetricStreakDays:
		return float64(st.CurrentStreak), nil
	case models.MetricAccuracyImprovement:
		if ch.Subject == "" {
			return 0, fmt.Errorf("%w: accuracy_improvement without subject", ErrMalformedChallengeMetric)
		}
		var sa models.SubjectAccuracy
		err := tx.Where("account_id = ? AND subject = ?", accountID, ch.Subject).First(&sa).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return sa.Pct(), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrMalformedChallengeMetric, ch.Metric)
	}
}

func (s *OutcomeService) resultFor(row *models.ProcessedOutcome, acct *models.Account) *OutcomeResult {
	res := &OutcomeResult{Duplicate: true, XPAwarded: row.XPAwarded, Level: acct.Level, Available: acct.Available}
	if row.LedgerEntryID != nil {
		res.EntryID = *row.LedgerEntryID
	}
	return res
}

func (s *OutcomeService) prior(ctx context.Context, accountID, key string) (*OutcomeResult, error) {
	var row models.ProcessedOutcome
	if err := s.DB.WithContext(ctx).Where("idempotency_key = ? AND account_id = ?", key, accountID).First(&row).Error; err != nil {
		return nil, err
	}
	var acct models.Account
	if err := s.DB.WithContext(ctx).Where("student_id = ?", row.AccountID).First(&acct).Error; err != nil {
		return nil, err
	}
	return s.resultFor(&row, &acct), nil
}
