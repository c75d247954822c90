package models

// ScopeMembership places a student in a class/school/grade. Rows are mirrored
// from the institution service by the roster sync worker.
type ScopeMembership struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	AccountID string `gorm:"size:64;not null;uniqueIndex:idx_scope_member,priority:1" json:"account_id"`
	ScopeType string `gorm:"type:varchar(16);not null;uniqueIndex:idx_scope_member,priority:2;index:idx_scope_lookup,priority:1" json:"scope_type"`
	ScopeKey  string `gorm:"size:128;not null;uniqueIndex:idx_scope_member,priority:3;index:idx_scope_lookup,priority:2" json:"scope_key"`
	Role      string `gorm:"size:32;default:'student'" json:"role"`
	Grade     string `gorm:"size:16" json:"grade,omitempty"`
	Timestamps
}

const ScopeGlobal = "global"
