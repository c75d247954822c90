package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type LeaderboardType string

const (
	LeaderboardWeeklyXP  LeaderboardType = "weekly_xp"
	LeaderboardMonthlyXP LeaderboardType = "monthly_xp"
	LeaderboardAllTimeXP LeaderboardType = "all_time_xp"
)

type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendSame Trend = "same"
	TrendNew  Trend = "new"
)

// LeaderboardSnapshot is immutable once published. A correction is a new
// snapshot with a higher revision for the same period.
type LeaderboardSnapshot struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	Type      LeaderboardType `gorm:"type:varchar(16);not null;uniqueIndex:idx_snapshot_key,priority:1" json:"type"`
	ScopeType string          `gorm:"type:varchar(16);not null;uniqueIndex:idx_snapshot_key,priority:2" json:"scope_type"`
	ScopeKey  string          `gorm:"size:128;not null;uniqueIndex:idx_snapshot_key,priority:3" json:"scope_key"`
	Period    string          `gorm:"size:16;not null;uniqueIndex:idx_snapshot_key,priority:4" json:"period"`
	Revision  int             `gorm:"not null;uniqueIndex:idx_snapshot_key,priority:5" json:"revision"`
	// Snapshot this one was ranked against, nil for the first of its kind
	PreviousSnapshotID *string            `gorm:"size:36" json:"previous_snapshot_id,omitempty"`
	CreatedAt          time.Time          `gorm:"not null" json:"created_at"`
	Entries            []LeaderboardEntry `gorm:"foreignKey:SnapshotID" json:"entries,omitempty"`
}

func (s *LeaderboardSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

type LeaderboardEntry struct {
	ID           uint   `gorm:"primaryKey" json:"-"`
	SnapshotID   string `gorm:"size:36;not null;uniqueIndex:idx_snapshot_rank,priority:1" json:"snapshot_id"`
	AccountID    string `gorm:"size:64;not null" json:"account_id"`
	Rank         int    `gorm:"not null;uniqueIndex:idx_snapshot_rank,priority:2" json:"rank"`
	Score        int64  `gorm:"not null" json:"score"`
	PreviousRank *int   `json:"previous_rank,omitempty"`
	Trend        Trend  `gorm:"type:varchar(8);not null" json:"trend"`
}

// LeaderboardHead is the single "current" pointer per (type, scope). It is
// swapped with compare-and-set when a new snapshot is published.
type LeaderboardHead struct {
	Type       LeaderboardType `gorm:"primaryKey;type:varchar(16)" json:"type"`
	ScopeType  string          `gorm:"primaryKey;type:varchar(16)" json:"scope_type"`
	ScopeKey   string          `gorm:"primaryKey;size:128" json:"scope_key"`
	SnapshotID string          `gorm:"size:36;not null" json:"snapshot_id"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
