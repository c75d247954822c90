package models

import (
	"time"

	"github.com/google/uuid"
	gorm "gorm.io/gorm"
)

// RewardCatalogItem is something a student can buy with XP.
type RewardCatalogItem struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	Slug        string `gorm:"uniqueIndex;not null" json:"slug"`
	Title       string `gorm:"not null" json:"title"`
	ImageURL    string `gorm:"type:text" json:"image_url,omitempty"`
	Emoji       string `gorm:"size:10" json:"emoji,omitempty"`
	Excerpt     string `gorm:"type:text" json:"excerpt,omitempty"`
	PointCost   int64  `gorm:"not null" json:"point_cost"`
	Stock       *int64 `json:"stock,omitempty"` // nil = unlimited
	IsActive    bool   `gorm:"not null;default:true" json:"is_active"`
	Timestamps
}

func (r *RewardCatalogItem) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RedemptionStatus: pending → approved → fulfilled, or pending/approved → cancelled
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionApproved  RedemptionStatus = "approved"
	RedemptionFulfilled RedemptionStatus = "fulfilled"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

type Redemption struct {
	ID           string           `gorm:"primaryKey;size:36" json:"id"`
	AccountID    string           `gorm:"size:64;not null;index" json:"account_id"`
	RewardItemID string           `gorm:"size:36;not null;index" json:"reward_item_id"`
	Quantity     int64            `gorm:"not null" json:"quantity"`
	PointsSpent  int64            `gorm:"not null" json:"points_spent"`
	Status       RedemptionStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	// Caller-supplied key that makes Redeem retry-safe
	RequestKey       *string    `gorm:"size:255;uniqueIndex" json:"request_key,omitempty"`
	SpendEntryID     string     `gorm:"size:36;not null" json:"spend_entry_id"`
	RefundEntryID    *string    `gorm:"size:36" json:"refund_entry_id,omitempty"`
	StockReserved    bool       `gorm:"not null;default:false" json:"stock_reserved"`
	ApprovalDeadline time.Time  `gorm:"not null" json:"approval_deadline"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	FulfilledAt      *time.Time `json:"fulfilled_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	DispatchedAt     *time.Time `gorm:"index" json:"dispatched_at,omitempty"`
	Timestamps

	RewardItem *RewardCatalogItem `gorm:"foreignKey:RewardItemID" json:"reward_item,omitempty"`
}
