package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChallengeMetric string

const (
	MetricProblemsCompleted   ChallengeMetric = "problems_completed"
	MetricAccuracyImprovement ChallengeMetric = "accuracy_improvement"
	MetricStreakDays          ChallengeMetric = "streak_days"
	MetricTimeSpent           ChallengeMetric = "time_spent" // minutes
)

// Challenge is immutable once created.
type Challenge struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	Slug          string          `gorm:"uniqueIndex;not null" json:"slug"`
	Title         string          `gorm:"not null" json:"title"`
	Description   string          `gorm:"type:text" json:"description,omitempty"`
	Metric        ChallengeMetric `gorm:"type:varchar(32);not null" json:"metric"`
	Subject       string          `gorm:"size:64" json:"subject,omitempty"` // accuracy_improvement only
	TargetValue   float64         `gorm:"not null" json:"target_value"`
	StartsAt      time.Time       `gorm:"not null;index" json:"starts_at"`
	EndsAt        time.Time       `gorm:"not null;index" json:"ends_at"`
	XPReward      int64           `gorm:"not null;default:0" json:"xp_reward"`
	BadgeRewardID *string         `gorm:"size:36" json:"badge_reward_id,omitempty"`
	ScopeType     string          `gorm:"type:varchar(16);not null;default:'global'" json:"scope_type"` // class, school, grade, global
	ScopeKey      string          `gorm:"size:128" json:"scope_key,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (c *Challenge) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Open reports whether the challenge window contains t.
func (c *Challenge) Open(t time.Time) bool {
	return !t.Before(c.StartsAt) && t.Before(c.EndsAt)
}

type ChallengeParticipation struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	AccountID        string     `gorm:"size:64;not null;uniqueIndex:idx_participation,priority:1" json:"account_id"`
	ChallengeID      string     `gorm:"size:36;not null;uniqueIndex:idx_participation,priority:2;index" json:"challenge_id"`
	CurrentValue     float64    `gorm:"not null;default:0" json:"current_value"`
	StartingBaseline float64    `gorm:"not null;default:0" json:"starting_baseline"`
	IsCompleted      bool       `gorm:"not null;default:false" json:"is_completed"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	XPGranted        bool       `gorm:"not null;default:false" json:"xp_granted"`
	BadgeGranted     bool       `gorm:"not null;default:false" json:"badge_granted"`
	JoinedAt         time.Time  `gorm:"not null" json:"joined_at"`
	Timestamps

	Challenge *Challenge `gorm:"foreignKey:ChallengeID" json:"challenge,omitempty"`
}

func (p *ChallengeParticipation) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ChallengeProgressPoint is one append-only sample of a participation's value.
type ChallengeProgressPoint struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	ParticipationID string    `gorm:"size:36;not null;index" json:"participation_id"`
	Value           float64   `gorm:"not null" json:"value"`
	RecordedAt      time.Time `gorm:"not null" json:"recorded_at"`
}
