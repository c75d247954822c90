package models

import (
	"time"
)

// Account is the per-student balance record. Everything on it is derived from
// the ledger and is only written inside a ledger posting.
type Account struct {
	StudentID string `gorm:"primaryKey;size:64" json:"student_id"`

	TotalEarned int64 `json:"total_earned" gorm:"not null;default:0"`
	TotalSpent  int64 `json:"total_spent" gorm:"not null;default:0"`
	Available   int64 `json:"available" gorm:"not null;default:0"`
	Level       int   `json:"level" gorm:"not null;default:1"`

	// Period counters, reset by the scheduler on week/month boundaries
	WeeklyEarned  int64 `json:"weekly_earned" gorm:"not null;default:0;index"`
	MonthlyEarned int64 `json:"monthly_earned" gorm:"not null;default:0;index"`

	// Seq of the newest ledger entry; the next posting uses LastSeq+1
	LastSeq       int64      `json:"last_seq" gorm:"not null;default:0"`
	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
