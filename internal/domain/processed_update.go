package domain

import "time"

// ProcessedUpdate records a Telegram update that was handled to completion,
// keyed by (user_id, update_key). A redelivered webhook with the same key is
// acknowledged without re-running the conversation flow.
type ProcessedUpdate struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_update,priority:1"`
	UpdateKey string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_update,priority:2"`
	Outcome   string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
