package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EntryKind string

const (
	EntryEarn    EntryKind = "earn"
	EntrySpend   EntryKind = "spend"
	EntryBonus   EntryKind = "bonus"
	EntryPenalty EntryKind = "penalty"
	EntryRefund  EntryKind = "refund"
)

// Credit reports whether entries of this kind add to the balance.
func (k EntryKind) Credit() bool {
	switch k {
	case EntryEarn, EntryBonus, EntryRefund:
		return true
	default:
		return false
	}
}

// LedgerEntry is one immutable balance change. Rows are inserted once and never
// updated; corrections are new refund/penalty rows.
type LedgerEntry struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	AccountID string    `gorm:"size:64;not null;uniqueIndex:idx_ledger_account_seq,priority:1" json:"account_id"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_ledger_account_seq,priority:2" json:"seq"`
	Kind      EntryKind `gorm:"type:varchar(16);not null" json:"kind"`
	// Signed: negative for spend and penalty
	Amount        int64          `gorm:"not null" json:"amount"`
	Source        string         `gorm:"size:255;not null" json:"source"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	BalanceBefore int64          `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64          `gorm:"not null" json:"balance_after"`
	// NULL when absent so that the unique index only binds real keys
	IdempotencyKey *string   `gorm:"size:255;uniqueIndex" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `gorm:"not null;index" json:"created_at"`
}

func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
