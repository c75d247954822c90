// models/wallet_mirror.go
package models

import (
	"time"
)

// Wallet mirrors an account's spendable balance for display surfaces.
// Table name: wallet_mirror
type Wallet struct {
	AccountID string    `gorm:"primaryKey;size:64" json:"account_id"`
	Available int64     `gorm:"not null" json:"available"`
	Level     int       `gorm:"not null" json:"level"`
	LastSeq   int64     `gorm:"not null" json:"last_seq"`
	SyncedAt  time.Time `gorm:"not null" json:"synced_at"`
}

func (Wallet) TableName() string { return "wallet_mirror" }
