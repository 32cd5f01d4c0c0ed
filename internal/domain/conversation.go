package domain

import (
	"fmt"
	"time"
)

// Stage is the step of the verification dialogue a user currently occupies.
type Stage string

const (
	StageAwaitingReceipt Stage = "awaiting_receipt"
	StageAwaitingPhone   Stage = "awaiting_phone"
	StageAwaitingDevice  Stage = "awaiting_device"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageAwaitingReceipt, StageAwaitingPhone, StageAwaitingDevice:
		return true
	}
	return false
}

// Conversation is the persisted dialogue state of one user. Version is bumped
// by every successful write and is the compare value for conditional updates;
// a zero Version means the row does not exist yet.
//
// AttemptID is generated when the conversation is created and is used as the
// claim token during allocation, so one conversation can win at most one code.
type Conversation struct {
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);primaryKey"`
	Stage     Stage     `json:"stage"      gorm:"type:varchar(32);not null"`
	ReceiptID string    `json:"receipt_id" gorm:"type:varchar(64);not null;default:''"`
	Phone     string    `json:"phone"      gorm:"type:varchar(32);not null;default:''"`
	Device    string    `json:"device"     gorm:"type:varchar(255);not null;default:''"`
	AttemptID string    `json:"attempt_id" gorm:"type:char(36);not null"`
	Version   int64     `json:"version"    gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// NewConversation returns the implicit initial state for an unseen user.
func NewConversation(userID, attemptID string) *Conversation {
	return &Conversation{
		UserID:    userID,
		Stage:     StageAwaitingReceipt,
		AttemptID: attemptID,
	}
}

// Validate checks that the fields required by the current stage are present.
// Receipt id is optional at every stage (a receipt without a number is accepted).
func (c *Conversation) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("conversation: empty user id")
	}
	if !c.Stage.Valid() {
		return fmt.Errorf("conversation %s: unknown stage %q", c.UserID, c.Stage)
	}
	if c.Version > 0 && c.AttemptID == "" {
		return fmt.Errorf("conversation %s: missing attempt id", c.UserID)
	}
	if c.Stage == StageAwaitingDevice && c.Phone == "" {
		return fmt.Errorf("conversation %s: awaiting device without phone", c.UserID)
	}
	return nil
}
