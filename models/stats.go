package models

import (
	"time"
)

// StudentStats aggregates learning activity for badge and challenge rules.
type StudentStats struct {
	AccountID           string `gorm:"primaryKey;size:64" json:"account_id"`
	CurrentStreak       int64  `json:"current_streak" gorm:"not null;default:0"`
	LongestStreak       int64  `json:"longest_streak" gorm:"not null;default:0"`
	LastActiveDay       string `json:"last_active_day" gorm:"size:10"` // YYYY-MM-DD, UTC
	ProblemsAttempted   int64  `json:"problems_attempted" gorm:"not null;default:0"`
	ProblemsCompleted   int64  `json:"problems_completed" gorm:"not null;default:0"`
	CorrectAnswers      int64  `json:"correct_answers" gorm:"not null;default:0"`
	HintsUsed           int64  `json:"hints_used" gorm:"not null;default:0"`
	ChallengesCompleted int64  `json:"challenges_completed" gorm:"not null;default:0"`
	TimeSpentSeconds    int64  `json:"time_spent_seconds" gorm:"not null;default:0"`
	Timestamps
}

type TopicMastery struct {
	ID         uint    `gorm:"primaryKey" json:"-"`
	AccountID  string  `gorm:"size:64;not null;uniqueIndex:idx_topic_mastery,priority:1" json:"account_id"`
	Subject    string  `gorm:"size:64;not null;uniqueIndex:idx_topic_mastery,priority:2" json:"subject"`
	Topic      string  `gorm:"size:128;not null;uniqueIndex:idx_topic_mastery,priority:3" json:"topic"`
	Attempts   int64   `gorm:"not null;default:0" json:"attempts"`
	Correct    int64   `gorm:"not null;default:0" json:"correct"`
	MasteryPct float64 `gorm:"not null;default:0" json:"mastery_pct"`
	Timestamps
}

type SubjectAccuracy struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	AccountID string `gorm:"size:64;not null;uniqueIndex:idx_subject_accuracy,priority:1" json:"account_id"`
	Subject   string `gorm:"size:64;not null;uniqueIndex:idx_subject_accuracy,priority:2" json:"subject"`
	Attempts  int64  `gorm:"not null;default:0" json:"attempts"`
	Correct   int64  `gorm:"not null;default:0" json:"correct"`
	Timestamps
}

// Pct returns accuracy in percent, 0 when nothing was attempted.
func (a SubjectAccuracy) Pct() float64 {
	if a.Attempts == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Attempts) * 100
}

// ProcessedOutcome records each learning event once. Its unique key is the
// replay guard for the stats update that accompanies an outcome.
type ProcessedOutcome struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	IdempotencyKey   string    `gorm:"size:255;not null;uniqueIndex" json:"idempotency_key"`
	AccountID        string    `gorm:"size:64;not null;index:idx_outcome_account_time,priority:1" json:"account_id"`
	Subject          string    `gorm:"size:64" json:"subject"`
	Topic            string    `gorm:"size:128" json:"topic"`
	IsCorrect        bool      `json:"is_correct"`
	IsCompleted      bool      `json:"is_completed"`
	HintsUsed        int       `json:"hints_used"`
	TimeSpentSeconds int64     `json:"time_spent_seconds"`
	XPAwarded        int64     `json:"xp_awarded"`
	LedgerEntryID    *string   `gorm:"size:36" json:"ledger_entry_id,omitempty"`
	OccurredAt       time.Time `gorm:"not null;index:idx_outcome_account_time,priority:2" json:"occurred_at"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}
