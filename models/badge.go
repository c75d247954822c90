package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BadgeDefinition: immutable catalog entry. Criteria holds one tagged
// condition, e.g. {"type":"streak_at_least","n":7}.
type BadgeDefinition struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	Code        string         `gorm:"uniqueIndex;not null" json:"code"` // e.g., "seven-day-streak"
	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	IconURL     string         `gorm:"type:text" json:"icon_url,omitempty"`
	Tier        string         `gorm:"type:varchar(16);default:'bronze'" json:"tier"` // bronze, silver, gold, platinum
	XPReward    int64          `gorm:"not null;default:0" json:"xp_reward"`
	Criteria    datatypes.JSON `gorm:"not null" json:"criteria"`
	TargetScope datatypes.JSON `json:"target_scope,omitempty"` // {"roles":[...],"grades":[...],"subjects":[...]}
	IsSecret    bool           `gorm:"default:false" json:"is_secret"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (b *BadgeDefinition) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// StudentBadge: one row per (account, badge). IsEarned never goes back to false.
type StudentBadge struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	AccountID string     `gorm:"size:64;not null;uniqueIndex:idx_student_badge,priority:1" json:"account_id"`
	BadgeID   string     `gorm:"size:36;not null;uniqueIndex:idx_student_badge,priority:2" json:"badge_id"`
	Progress  int        `gorm:"not null;default:0" json:"progress"` // 0-100
	IsEarned  bool       `gorm:"not null;default:false" json:"is_earned"`
	EarnedAt  *time.Time `json:"earned_at,omitempty"`
	Timestamps

	Badge *BadgeDefinition `gorm:"foreignKey:BadgeID" json:"badge,omitempty"`
}

func (b *StudentBadge) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}
