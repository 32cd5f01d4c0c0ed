// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the SQL-backed conversation store.
//
// Writes are optimistic: every row carries a Version that is compared and
// bumped in the same statement. A writer holding a stale Version gets
// ErrConflict and is expected to re-read and retry.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-activation-bot/internal/domain"
)

// ErrConflict is returned when a conditional write lost against a concurrent
// writer for the same user.
var ErrConflict = errors.New("conversation: concurrent modification")

// ErrCorruptState is returned when a stored conversation cannot be decoded.
var ErrCorruptState = errors.New("conversation: corrupt state")

// SQLConversationStore persists conversations in the conversations table.
type SQLConversationStore struct {
	DB *gorm.DB
}

// NewSQLConversationStore returns a store bound to db.
func NewSQLConversationStore(db *gorm.DB) *SQLConversationStore {
	return &SQLConversationStore{DB: db}
}

// Get returns the conversation for userID or ErrNotFound.
func (s *SQLConversationStore) Get(ctx context.Context, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Take(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes c if nobody else wrote since c was read. A zero Version inserts
// a new row; a row that already exists then counts as a conflict. On success
// c.Version holds the new version.
func (s *SQLConversationStore) Save(ctx context.Context, c *domain.Conversation) error {
	now := time.Now().UTC()
	if c.Version == 0 {
		row := *c
		row.Version = 1
		row.CreatedAt = now
		row.UpdatedAt = now
		if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
			if IsUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		*c = row
		return nil
	}

	res := s.DB.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("user_id = ? AND version = ?", c.UserID, c.Version).
		Updates(map[string]any{
			"stage":      c.Stage,
			"receipt_id": c.ReceiptID,
			"phone":      c.Phone,
			"device":     c.Device,
			"attempt_id": c.AttemptID,
			"version":    c.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

// Delete removes the conversation. With version > 0 the delete only happens
// if the stored row still has that version, otherwise ErrConflict. Version 0
// deletes unconditionally and never conflicts.
func (s *SQLConversationStore) Delete(ctx context.Context, userID string, version int64) error {
	q := s.DB.WithContext(ctx).Where("user_id = ?", userID)
	if version > 0 {
		q = q.Where("version = ?", version)
	}
	res := q.Delete(&domain.Conversation{})
	if res.Error != nil {
		return res.Error
	}
	if version > 0 && res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
