package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotifyBadgeEarned        NotificationType = "badge_earned"
	NotifyLevelUp            NotificationType = "level_up"
	NotifyChallengeCompleted NotificationType = "challenge_completed"
	NotifyRankChanged        NotificationType = "rank_changed"
)

// Notification is the outbox row for one event handed to the notification
// dispatcher. This service never formats or delivers it further.
type Notification struct {
	ID        string           `gorm:"primaryKey;size:36" json:"id"`
	AccountID string           `gorm:"size:64;not null;index:idx_notification_account,priority:1" json:"student_id"`
	Type      NotificationType `gorm:"type:varchar(32);not null" json:"type"`
	Title     string           `gorm:"not null" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	Payload   datatypes.JSON   `json:"payload,omitempty"`
	CreatedAt time.Time        `gorm:"not null;index:idx_notification_account,priority:2" json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return nil
}
