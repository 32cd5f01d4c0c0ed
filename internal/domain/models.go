// Package domain defines the persistence models for activation codes and
// per-user conversations. These types are mapped with GORM and shared across
// the repository and service layers.
package domain

import "time"

// ActivationCode is a single-use code from the pre-seeded pool. A code is
// available while PhoneNumber, Device and ReceiptNumber are all NULL; the
// assignment write sets them together and is never reverted.
//
// Fields:
//   - ID: autoincrement key; allocation picks the lowest available ID first.
//   - Code: the code handed out to the user (unique).
//   - PhoneNumber / Device: contact metadata collected by the conversation.
//   - ReceiptNumber: receipt identifier that funded the code (unique when set).
//   - ClaimToken: attempt id of the conversation that claimed the code (unique
//     when set); lets a redelivered request find the code it already won.
//   - AssignedUserID / AssignedAt: audit fields written with the assignment.
type ActivationCode struct {
	ID             uint       `json:"id"               gorm:"primaryKey;autoIncrement"`
	Code           string     `json:"code"             gorm:"type:varchar(64);not null;uniqueIndex:ux_activation_codes_code"`
	PhoneNumber    *string    `json:"phone_number"     gorm:"type:varchar(32)"`
	Device         *string    `json:"device"           gorm:"type:varchar(255)"`
	ReceiptNumber  *string    `json:"receipt_number"   gorm:"type:varchar(64);uniqueIndex:ux_activation_codes_receipt"`
	ClaimToken     *string    `json:"-"                gorm:"type:char(36);uniqueIndex:ux_activation_codes_claim"`
	AssignedUserID *string    `json:"assigned_user_id" gorm:"type:varchar(64)"`
	AssignedAt     *time.Time `json:"assigned_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TableName returns the database table name for ActivationCode.
func (ActivationCode) TableName() string { return "activation_codes" }

// Available reports whether the code has not been assigned yet.
func (c ActivationCode) Available() bool {
	return c.PhoneNumber == nil && c.Device == nil && c.ReceiptNumber == nil
}
