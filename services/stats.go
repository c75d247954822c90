package services

import (
	"context"
	"errors"

	"rewards-engine/models"

	"gorm.io/gorm"
)

// StatsReader is what badge criteria may look at. Each method reads only the
// rows it needs.
type StatsReader interface {
	CurrentStreak(ctx context.Context) (int64, error)
	ProblemsCompleted(ctx context.Context) (int64, error)
	ChallengesCompleted(ctx context.Context) (int64, error)
	TopicMasteryPct(ctx context.Context, subject, topic string) (float64, error)
	SubjectAccuracy(ctx context.Context, subject string) (pct float64, attempts int64, err error)
	Level(ctx context.Context) (int, error)
}

// accountStats reads one account's stats through db, which is normally the
// open account transaction. The StudentStats row is loaded once per reader.
type accountStats struct {
	db      *gorm.DB
	account *models.Account

	row    *models.StudentStats
	loaded bool
}

func newAccountStats(db *gorm.DB, account *models.Account) *accountStats {
	return &accountStats{db: db, account: account}
}

func (s *accountStats) stats(ctx context.Context) (*models.StudentStats, error) {
	if s.loaded {
		return s.row, nil
	}
	var row models.StudentStats
	err := s.db.WithContext(ctx).Where("account_id = ?", s.account.StudentID).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.StudentStats{AccountID: s.account.StudentID}
	case err != nil:
		return nil, err
	}
	s.row, s.loaded = &row, true
	return s.row, nil
}

func (s *accountStats) CurrentStreak(ctx context.Context) (int64, error) {
	st, err := s.stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.CurrentStreak, nil
}

func (s *accountStats) ProblemsCompleted(ctx context.Context) (int64, error) {
	st, err := s.stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.ProblemsCompleted, nil
}

func (s *accountStats) ChallengesCompleted(ctx context.Context) (int64, error) {
	st, err := s.stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.ChallengesCompleted, nil
}

func (s *accountStats) TopicMasteryPct(ctx context.Context, subject, topic string) (float64, error) {
	var tm models.TopicMastery
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND subject = ? AND topic = ?", s.account.StudentID, subject, topic).
		First(&tm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tm.MasteryPct, nil
}

func (s *accountStats) SubjectAccuracy(ctx context.Context, subject string) (float64, int64, error) {
	var sa models.SubjectAccuracy
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND subject = ?", s.account.StudentID, subject).
		First(&sa).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return sa.Pct(), sa.Attempts, nil
}

// Level comes from the locked account row so that badge XP granted earlier in
// the same transaction is visible.
func (s *accountStats) Level(context.Context) (int, error) {
	return s.account.Level, nil
}

// statsForUpdate loads the stats row for writing, or a fresh one when the
// student has none. Callers hold the account lock and persist with tx.Save.
func statsForUpdate(tx *gorm.DB, accountID string) (*models.StudentStats, error) {
	var row models.StudentStats
	err := tx.Where("account_id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.StudentStats{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
